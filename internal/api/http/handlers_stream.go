package apihttp

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"magnetstream/internal/usecase"
)

// handleStream serves GET/HEAD /stream?magnet=...&fileIndex=N with an optional
// Range header.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	query := r.URL.Query()
	magnetURI := query.Get("magnet")
	if magnetURI == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "magnet is required")
		return
	}
	fileIndex, err := parseNonNegativeInt(query.Get("fileIndex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIndex")
		return
	}
	byteRange, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
		return
	}

	head := r.Method == http.MethodHead
	result, err := s.streams.CreateStream(r.Context(), usecase.StreamRequest{
		MagnetURI: magnetURI,
		FileIndex: fileIndex,
		Range:     byteRange,
		SkipSync:  head || parseBool(query.Get("skipSync")),
	})
	if err != nil {
		if !errors.Is(err, usecase.ErrConcurrencyLimitExceeded) {
			s.logger.Warn("stream open failed",
				slog.Int("fileIndex", fileIndex),
				slog.String("error", err.Error()),
			)
		}
		writeUseCaseError(w, err)
		return
	}
	defer result.Body.Close()

	h := w.Header()
	h.Set("Content-Type", result.MimeType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Stream-Id", result.ID)
	h.Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	status := http.StatusOK
	if result.IsPartial {
		h.Set("Content-Range", result.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if head {
		return
	}

	// The body blocks until pieces arrive; a client disconnect surfaces as a
	// write error and the deferred Close releases the slot.
	if _, err := io.Copy(w, result.Body); err != nil {
		s.logger.Debug("stream copy ended",
			slog.String("streamId", result.ID),
			slog.String("error", err.Error()),
		)
	}
}

// handleStreams serves GET /streams.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	streams := s.streams.ListStreams()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":      streams,
		"count":      len(streams),
		"maxStreams": s.streams.MaxStreams(),
	})
}

// handleStreamByID serves DELETE /streams/{id}. Closing is idempotent, so an
// unknown id is still 204.
func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/streams/")
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	s.streams.CloseStream(parts[0])
	w.WriteHeader(http.StatusNoContent)
}
