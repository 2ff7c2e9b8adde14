package main

import (
	"strings"

	"magnetstream/internal/domain"
)

// parseRangeFlag accepts "a-b", "a-" and "-n". An empty flag means the whole
// file.
func parseRangeFlag(raw string) (*domain.RangeSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	spec, err := domain.ParseRangeSpec(raw)
	if err != nil {
		return nil, err
	}
	return &spec, nil
}
