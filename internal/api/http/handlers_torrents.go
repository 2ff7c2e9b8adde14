package apihttp

import (
	"net/http"

	"magnetstream/internal/domain"
)

const (
	defaultPurgeLimit = 50
	maxPurgeLimit     = 500
)

// handleTorrents serves GET /torrents/files?magnet=... and
// GET /torrents/{infoHash}/stats[?fileIndex=N].
func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	if s.torrents == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "torrent queries are not configured")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	parts := splitPath(r.URL.Path, "/torrents/")
	switch {
	case len(parts) == 1 && parts[0] == "files":
		s.handleTorrentFiles(w, r)
	case len(parts) == 2 && parts[1] == "stats":
		s.handleTorrentStats(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

func (s *Server) handleTorrentFiles(w http.ResponseWriter, r *http.Request) {
	magnetURI := r.URL.Query().Get("magnet")
	if magnetURI == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "magnet is required")
		return
	}
	meta, err := s.torrents.Files(r.Context(), magnetURI)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleTorrentStats(w http.ResponseWriter, r *http.Request, rawHash string) {
	infoHash, err := domain.ParseInfoHash(rawHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid infoHash")
		return
	}

	var fileIndex *int
	if raw := r.URL.Query().Get("fileIndex"); raw != "" {
		idx, err := parseNonNegativeInt(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIndex")
			return
		}
		fileIndex = &idx
	}

	stats, err := s.torrents.TorrentStats(infoHash, fileIndex)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePurges serves GET /purges?limit=N from the purge audit log.
func (s *Server) handlePurges(w http.ResponseWriter, r *http.Request) {
	if s.purges == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "purge log is not configured")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), defaultPurgeLimit, maxPurgeLimit)
	records, err := s.purges.RecentPurges(r.Context(), limit)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	if records == nil {
		records = []domain.PurgeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"count": len(records),
	})
}
