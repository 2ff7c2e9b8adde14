package apihttp

import (
	"encoding/json"
	"net/http"

	"magnetstream/internal/domain"
)

type registerWatcherRequest struct {
	InfoHash string `json:"infoHash"`
}

type watcherResponse struct {
	WatcherID string          `json:"watcherId"`
	InfoHash  domain.InfoHash `json:"infoHash"`
}

type watcherStateResponse struct {
	InfoHash domain.InfoHash     `json:"infoHash"`
	State    domain.WatcherState `json:"state"`
	Watchers int                 `json:"watchers"`
}

// handleWatchers serves POST /watchers {"infoHash": "..."}.
func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) {
	if s.watchers == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "watchers are not configured")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var body registerWatcherRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	infoHash, err := domain.ParseInfoHash(body.InfoHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid infoHash")
		return
	}

	id := s.watchers.RegisterWatcher(infoHash)
	writeJSON(w, http.StatusCreated, watcherResponse{WatcherID: id, InfoHash: infoHash})
}

// handleWatcherByHash serves GET /watchers/{infoHash} and
// DELETE /watchers/{infoHash}/{watcherId}.
func (s *Server) handleWatcherByHash(w http.ResponseWriter, r *http.Request) {
	if s.watchers == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "watchers are not configured")
		return
	}
	parts := splitPath(r.URL.Path, "/watchers/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	infoHash, err := domain.ParseInfoHash(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid infoHash")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		state, count := s.watchers.WatcherState(infoHash)
		writeJSON(w, http.StatusOK, watcherStateResponse{InfoHash: infoHash, State: state, Watchers: count})
		return
	}

	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	s.watchers.UnregisterWatcher(infoHash, parts[1])
	w.WriteHeader(http.StatusNoContent)
}
