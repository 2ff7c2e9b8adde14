package anacrolix

import (
	"errors"
	"io"

	"github.com/anacrolix/torrent"
)

var ErrInvalidRange = errors.New("invalid range")

// readahead is the window the reader asks peers for past its position.
const readahead = 8 << 20

// File implements ports.SwarmFile.
type File struct {
	index int
	f     *torrent.File
}

func (f *File) Index() int            { return f.index }
func (f *File) Name() string          { return displayName(f.f) }
func (f *File) Path() string          { return f.f.Path() }
func (f *File) Length() int64         { return f.f.Length() }
func (f *File) Offset() int64         { return f.f.Offset() }
func (f *File) BytesCompleted() int64 { return f.f.BytesCompleted() }

func (f *File) Select() {
	f.f.SetPriority(torrent.PiecePriorityNormal)
}

func (f *File) Deselect() {
	f.f.SetPriority(torrent.PiecePriorityNone)
}

// OpenRange returns a reader limited to bytes [start, end] of the file.
func (f *File) OpenRange(start, end int64) (io.ReadCloser, error) {
	if start < 0 || end >= f.f.Length() || start > end {
		return nil, ErrInvalidRange
	}
	r := f.f.NewReader()
	r.SetResponsive()
	r.SetReadahead(readahead)
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		_ = r.Close()
		return nil, err
	}
	return &rangeReader{r: r, remaining: end - start + 1}, nil
}

type rangeReader struct {
	r         io.ReadCloser
	remaining int64
}

func (rr *rangeReader) Read(p []byte) (int, error) {
	if rr.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > rr.remaining {
		p = p[:rr.remaining]
	}
	n, err := rr.r.Read(p)
	rr.remaining -= int64(n)
	if rr.remaining <= 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

func (rr *rangeReader) Close() error {
	return rr.r.Close()
}
