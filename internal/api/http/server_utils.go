package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"magnetstream/internal/domain"
	"magnetstream/internal/usecase"
)

const concurrencyRetryAfter = "5"

var (
	errInvalidRange = errors.New("invalid range")
	errMissingParam = errors.New("missing parameter")
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeUseCaseError maps usecase errors onto HTTP statuses. The most specific
// sentinel is checked first: ErrFileNotFound and ErrRangeNotSatisfiable are
// also ErrInvalidInput.
func writeUseCaseError(w http.ResponseWriter, err error) {
	var rangeErr *usecase.RangeError
	switch {
	case errors.As(err, &rangeErr):
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", err.Error())
	case errors.Is(err, usecase.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", err.Error())
	case errors.Is(err, usecase.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "file_not_found", err.Error())
	case errors.Is(err, usecase.ErrInvalidMagnet):
		writeError(w, http.StatusBadRequest, "invalid_magnet", "invalid magnet uri")
	case errors.Is(err, usecase.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, usecase.ErrSessionNotFound), errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
	case errors.Is(err, usecase.ErrConcurrencyLimitExceeded):
		w.Header().Set("Retry-After", concurrencyRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "concurrency_limit", "too many concurrent streams")
	case errors.Is(err, usecase.ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	case errors.Is(err, usecase.ErrAcquisitionTimeout):
		writeError(w, http.StatusGatewayTimeout, "acquisition_timeout", err.Error())
	case errors.Is(err, usecase.ErrSynchronizerTimeout):
		writeError(w, http.StatusGatewayTimeout, "piece_timeout", err.Error())
	case errors.Is(err, usecase.ErrEngine):
		writeError(w, http.StatusBadGateway, "engine_error", err.Error())
	case errors.Is(err, usecase.ErrPurgeLogDisabled):
		writeError(w, http.StatusNotImplemented, "not_configured", "purge log is not configured")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request_cancelled", "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// parseRangeHeader parses a single-range "bytes=" header without knowing the
// file size.
func parseRangeHeader(value string) (*domain.RangeSpec, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return nil, errInvalidRange
	}
	body := strings.TrimSpace(value[len("bytes="):])
	if body == "" || strings.Contains(body, ",") {
		return nil, errInvalidRange
	}
	spec, err := domain.ParseRangeSpec(body)
	if err != nil {
		return nil, errInvalidRange
	}
	return &spec, nil
}

// parseNonNegativeInt parses a required, non-negative integer parameter.
func parseNonNegativeInt(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errMissingParam
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, errors.New("must be >= 0")
	}
	return parsed, nil
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && parsed
}

func parseLimit(value string, fallback, max int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

// splitPath returns the non-empty segments of path after prefix.
func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
