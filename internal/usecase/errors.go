package usecase

import (
	"errors"
	"fmt"
	"time"

	"magnetstream/internal/domain"
)

var (
	ErrInvalidInput             = errors.New("invalid input")
	ErrInvalidMagnet            = fmt.Errorf("%w: invalid magnet uri", ErrInvalidInput)
	ErrFileNotFound             = fmt.Errorf("%w: file not found", ErrInvalidInput)
	ErrRangeNotSatisfiable      = fmt.Errorf("%w: range not satisfiable", ErrInvalidInput)
	ErrAcquisitionTimeout       = errors.New("acquisition timeout")
	ErrSynchronizerTimeout      = errors.New("synchronizer timeout")
	ErrEngine                   = errors.New("engine error")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrSessionNotFound          = errors.New("session not found")
	ErrServiceClosed            = errors.New("service closed")
	ErrPurgeLogDisabled         = errors.New("purge log disabled")
)

// TimeoutError carries swarm diagnostics for a wait that ran out of time.
// It unwraps to ErrAcquisitionTimeout or ErrSynchronizerTimeout.
type TimeoutError struct {
	Op       error
	InfoHash string
	Elapsed  time.Duration
	Peers    int
	Progress float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after %s (infoHash=%s peers=%d progress=%.1f%%)",
		e.Op, e.Elapsed.Round(time.Millisecond), e.InfoHash, e.Peers, e.Progress*100)
}

func (e *TimeoutError) Unwrap() error {
	return e.Op
}

// RangeError reports a requested range that does not fit the file. It
// unwraps to ErrRangeNotSatisfiable.
type RangeError struct {
	Range domain.ByteRange
	Size  int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v: %d-%d of %d", ErrRangeNotSatisfiable, e.Range.Start, e.Range.End, e.Size)
}

func (e *RangeError) Unwrap() error {
	return ErrRangeNotSatisfiable
}

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrEngine, err)
}
