package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidRange = errors.New("invalid range")

// ByteRange is an inclusive byte interval inside a single file.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Satisfiable reports whether the range fits inside a file of the given size.
func (r ByteRange) Satisfiable(size int64) bool {
	return r.Start >= 0 && r.End < size && r.Start <= r.End
}

// ContentRange formats the range as an HTTP Content-Range value.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// RangeSpec is a requested range before the file size is known. With
// neither OpenEnd nor Suffix set, Start and End are taken as given.
type RangeSpec struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	// OpenEnd reads from Start through the last byte; End is ignored.
	OpenEnd bool `json:"openEnd,omitempty"`
	// Suffix selects the last Suffix bytes; Start and End are ignored.
	Suffix int64 `json:"suffix,omitempty"`
}

func ExplicitRange(start, end int64) RangeSpec {
	return RangeSpec{Start: start, End: end}
}

// Resolve fills in bounds that depend on the file size. Explicit bounds are
// returned unchanged; use Satisfiable to validate the result.
func (s RangeSpec) Resolve(size int64) ByteRange {
	switch {
	case s.Suffix > 0:
		n := s.Suffix
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}
	case s.Suffix < 0:
		return ByteRange{Start: s.Suffix, End: size - 1}
	case s.OpenEnd:
		return ByteRange{Start: s.Start, End: size - 1}
	}
	return ByteRange{Start: s.Start, End: s.End}
}

// String renders the spec in the "a-b", "a-" or "-n" form ParseRangeSpec
// accepts.
func (s RangeSpec) String() string {
	switch {
	case s.Suffix != 0:
		return fmt.Sprintf("-%d", s.Suffix)
	case s.OpenEnd:
		return fmt.Sprintf("%d-", s.Start)
	}
	return fmt.Sprintf("%d-%d", s.Start, s.End)
}

// ParseRangeSpec parses one "a-b", "a-" or "-n" range, the body of an HTTP
// bytes= range. Whitespace around the numbers is ignored.
func ParseRangeSpec(raw string) (RangeSpec, error) {
	raw = strings.TrimSpace(raw)
	startStr, endStr, found := strings.Cut(raw, "-")
	if !found {
		return RangeSpec{}, fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return RangeSpec{}, fmt.Errorf("%w: bad suffix %q", ErrInvalidRange, raw)
		}
		return RangeSpec{Suffix: suffix}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return RangeSpec{}, fmt.Errorf("%w: bad start %q", ErrInvalidRange, startStr)
	}
	if endStr == "" {
		return RangeSpec{Start: start, OpenEnd: true}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return RangeSpec{}, fmt.Errorf("%w: bad end %q", ErrInvalidRange, endStr)
	}
	return RangeSpec{Start: start, End: end}, nil
}
