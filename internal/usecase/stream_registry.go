package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"magnetstream/internal/domain"
	"magnetstream/internal/metrics"
)

const (
	defaultMaxStreams = 10

	audioReadyBytes int64 = 2 << 20
	videoReadyBytes int64 = 10 << 20
)

type StreamRequest struct {
	MagnetURI string
	FileIndex int
	// Range may be open-ended or a suffix; it is resolved against the
	// file's length.
	Range     *domain.RangeSpec
	// SkipSync opens the stream without waiting for the first piece, for
	// consumers that buffer on their own.
	SkipSync  bool
}

type StreamResult struct {
	ID            string
	InfoHash      domain.InfoHash
	File          domain.FileRef
	Body          io.ReadCloser
	MimeType      string
	Size          int64
	IsPartial     bool
	ContentRange  string
	ContentLength int64
}

// ActiveStream is the registry's view of an open stream.
type ActiveStream struct {
	ID        string            `json:"id"`
	InfoHash  domain.InfoHash   `json:"infoHash"`
	FileIndex int               `json:"fileIndex"`
	Range     *domain.ByteRange `json:"range,omitempty"`
	OpenedAt  time.Time         `json:"openedAt"`

	body *streamBody
}

// sessionSource is the part of SessionManager the registry depends on.
type sessionSource interface {
	Acquire(ctx context.Context, magnetURI string) (*TorrentSession, error)
	Get(infoHash domain.InfoHash) (*TorrentSession, bool)
}

type StreamRegistry struct {
	Sessions sessionSource
	Sync     *PieceSynchronizer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string

	max   int64
	slots *semaphore.Weighted

	mu      sync.Mutex
	streams map[string]*ActiveStream
}

func NewStreamRegistry(sessions sessionSource, syncer *PieceSynchronizer, maxStreams int) *StreamRegistry {
	if maxStreams <= 0 {
		maxStreams = defaultMaxStreams
	}
	return &StreamRegistry{
		Sessions: sessions,
		Sync:     syncer,
		Logger:   slog.Default(),
		Now:      time.Now,
		NewID:    uuid.NewString,
		max:      int64(maxStreams),
		slots:    semaphore.NewWeighted(int64(maxStreams)),
		streams:  make(map[string]*ActiveStream),
	}
}

// CreateStream opens a byte stream over one file of the magnet's swarm. The
// concurrency ceiling is checked before any engine work. The returned Body
// deregisters the stream once it hits EOF, fails, or is closed.
func (r *StreamRegistry) CreateStream(ctx context.Context, req StreamRequest) (StreamResult, error) {
	if !r.slots.TryAcquire(1) {
		metrics.StreamRejectionsTotal.WithLabelValues("concurrency").Inc()
		return StreamResult{}, ErrConcurrencyLimitExceeded
	}
	registered := false
	defer func() {
		if !registered {
			r.slots.Release(1)
		}
	}()

	session, err := r.Sessions.Acquire(ctx, req.MagnetURI)
	if err != nil {
		return StreamResult{}, err
	}

	files := session.Files()
	if req.FileIndex < 0 || req.FileIndex >= len(files) {
		return StreamResult{}, fmt.Errorf("%w: index %d of %d", ErrFileNotFound, req.FileIndex, len(files))
	}
	file := files[req.FileIndex]
	swarmFiles := session.Handle.Files()
	if req.FileIndex >= len(swarmFiles) {
		return StreamResult{}, wrapEngine(fmt.Errorf("file %d missing from engine listing", req.FileIndex))
	}
	swarmFile := swarmFiles[req.FileIndex]

	span := domain.ByteRange{Start: 0, End: file.Length - 1}
	partial := false
	if req.Range != nil {
		resolved := req.Range.Resolve(file.Length)
		if !resolved.Satisfiable(file.Length) {
			return StreamResult{}, &RangeError{Range: resolved, Size: file.Length}
		}
		span = resolved
		partial = true
	}

	var body io.ReadCloser
	if file.Length == 0 {
		body = io.NopCloser(strings.NewReader(""))
	} else {
		swarmFile.Select()
		if !req.SkipSync && r.Sync != nil {
			if err := r.Sync.WaitForFirstByte(ctx, session, file, span.Start); err != nil {
				return StreamResult{}, err
			}
		}
		body, err = swarmFile.OpenRange(span.Start, span.End)
		if err != nil {
			return StreamResult{}, wrapEngine(err)
		}
	}

	id := r.NewID()
	stream := &ActiveStream{
		ID:        id,
		InfoHash:  session.InfoHash,
		FileIndex: req.FileIndex,
		OpenedAt:  r.Now(),
	}
	if partial {
		rng := span
		stream.Range = &rng
	}
	stream.body = &streamBody{rc: body, onDone: func() { r.deregister(id) }}

	r.mu.Lock()
	r.streams[id] = stream
	count := len(r.streams)
	r.mu.Unlock()
	registered = true
	metrics.ActiveStreams.Set(float64(count))

	r.logger().Info("stream opened",
		slog.String("streamId", id),
		slog.String("infoHash", string(session.InfoHash)),
		slog.Int("fileIndex", req.FileIndex),
		slog.Int64("start", span.Start),
		slog.Int64("end", span.End),
	)

	result := StreamResult{
		ID:            id,
		InfoHash:      session.InfoHash,
		File:          file,
		Body:          stream.body,
		MimeType:      domain.ContentTypeForPath(file.Path),
		Size:          file.Length,
		IsPartial:     partial,
		ContentLength: file.Length,
	}
	if partial {
		result.ContentLength = span.Length()
		result.ContentRange = span.ContentRange(file.Length)
	}
	return result, nil
}

// CloseStream ends the stream if it is still registered. Unknown ids are
// ignored.
func (r *StreamRegistry) CloseStream(id string) {
	r.mu.Lock()
	stream, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = stream.body.Close()
}

func (r *StreamRegistry) deregister(id string) {
	r.mu.Lock()
	_, ok := r.streams[id]
	delete(r.streams, id)
	count := len(r.streams)
	r.mu.Unlock()

	r.slots.Release(1)
	metrics.ActiveStreams.Set(float64(count))
	if ok {
		r.logger().Info("stream closed", slog.String("streamId", id))
	}
}

func (r *StreamRegistry) MaxStreams() int {
	return int(r.max)
}

func (r *StreamRegistry) ActiveStreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// ListStreams returns open streams, oldest first.
func (r *StreamRegistry) ListStreams() []ActiveStream {
	r.mu.Lock()
	out := make([]ActiveStream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (r *StreamRegistry) streamCountFor(infoHash domain.InfoHash) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.streams {
		if s.InfoHash == infoHash {
			n++
		}
	}
	return n
}

// CloseAll ends every open stream.
func (r *StreamRegistry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.CloseStream(id)
	}
}

// TorrentStats reports transfer state for a registered swarm. With a file
// index and resolved metadata it also evaluates whether playback can start.
func (r *StreamRegistry) TorrentStats(infoHash domain.InfoHash, fileIndex *int) (domain.TorrentStats, error) {
	session, ok := r.Sessions.Get(infoHash)
	if !ok {
		return domain.TorrentStats{}, ErrSessionNotFound
	}

	swarm := session.Handle.Stats()
	out := domain.TorrentStats{
		InfoHash:      infoHash,
		Name:          session.Name(),
		Ready:         session.Ready(),
		Peers:         swarm.Peers,
		Progress:      swarm.Progress,
		DownloadSpeed: swarm.DownloadSpeed,
		UploadSpeed:   swarm.UploadSpeed,
		TotalLength:   session.TotalLength(),
		ActiveStreams: r.streamCountFor(infoHash),
	}
	if fileIndex == nil {
		return out, nil
	}

	if !out.Ready {
		out.File = &domain.FileStats{Index: *fileIndex}
		return out, nil
	}
	files := session.Files()
	if *fileIndex < 0 || *fileIndex >= len(files) {
		return domain.TorrentStats{}, fmt.Errorf("%w: index %d of %d", ErrFileNotFound, *fileIndex, len(files))
	}
	f := files[*fileIndex]
	category := domain.CategoryForPath(f.Path)
	out.File = &domain.FileStats{
		Index:       f.Index,
		Path:        f.Path,
		Length:      f.Length,
		Downloaded:  f.BytesCompleted,
		Category:    category,
		ReadyToPlay: ReadyToPlay(true, category, f.Length, f.BytesCompleted),
	}
	return out, nil
}

// ReadyToPlay reports whether enough of a file is on disk to start playback.
// Audio needs 2 MiB, everything else 10 MiB, unless the file is complete.
func ReadyToPlay(metadataReady bool, category domain.MediaCategory, length, downloaded int64) bool {
	if !metadataReady {
		return false
	}
	if downloaded >= length {
		return true
	}
	threshold := videoReadyBytes
	if category == domain.MediaAudio {
		threshold = audioReadyBytes
	}
	return downloaded >= threshold
}

func (r *StreamRegistry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// streamBody runs onDone exactly once, on the first of EOF, read error or
// Close.
type streamBody struct {
	rc     io.ReadCloser
	once   sync.Once
	onDone func()
	err    error
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil {
		b.finish()
	}
	return n, err
}

func (b *streamBody) Close() error {
	b.finish()
	return b.err
}

func (b *streamBody) finish() {
	b.once.Do(func() {
		b.err = b.rc.Close()
		if b.onDone != nil {
			b.onDone()
		}
	})
}
