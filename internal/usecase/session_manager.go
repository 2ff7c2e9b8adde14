package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"magnetstream/internal/domain"
	"magnetstream/internal/domain/ports"
	"magnetstream/internal/metrics"
)

const (
	defaultAcquireTimeout   = 60 * time.Second
	defaultProgressInterval = time.Second
)

var tracer = otel.Tracer("magnetstream/usecase")

// MagnetRewriter rewrites a magnet before it is handed to the engine.
type MagnetRewriter interface {
	Enhance(uri string) string
}

// TorrentSession is the registered, possibly still resolving, swarm for one
// infohash.
type TorrentSession struct {
	InfoHash  domain.InfoHash
	MagnetURI string
	Handle    ports.SwarmHandle
	AddedAt   time.Time

	readyOnce sync.Once
	readyCh   chan struct{}

	mu          sync.RWMutex
	readyAt     time.Time
	name        string
	files       []domain.FileRef
	pieceLength int64
	numPieces   int
	totalLength int64
}

func newTorrentSession(infoHash domain.InfoHash, uri string, handle ports.SwarmHandle, now time.Time) *TorrentSession {
	return &TorrentSession{
		InfoHash:  infoHash,
		MagnetURI: uri,
		Handle:    handle,
		AddedAt:   now,
		readyCh:   make(chan struct{}),
	}
}

func (s *TorrentSession) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// usable reports whether the session is ready and its swarm is still running.
func (s *TorrentSession) usable() bool {
	if !s.Ready() {
		return false
	}
	select {
	case <-s.Handle.Closed():
		return false
	default:
		return true
	}
}

func (s *TorrentSession) ReadyAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readyAt
}

func (s *TorrentSession) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Files returns the file list captured at readiness, with fresh completion
// counters.
func (s *TorrentSession) Files() []domain.FileRef {
	s.mu.RLock()
	files := append([]domain.FileRef(nil), s.files...)
	s.mu.RUnlock()

	live := s.Handle.Files()
	for i := range files {
		if i < len(live) {
			files[i].BytesCompleted = live[i].BytesCompleted()
		}
	}
	return files
}

func (s *TorrentSession) PieceLength() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pieceLength
}

func (s *TorrentSession) NumPieces() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numPieces
}

func (s *TorrentSession) TotalLength() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalLength
}

// Metadata snapshots the resolved listing for caching.
func (s *TorrentSession) Metadata() domain.TorrentMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.TorrentMetadata{
		InfoHash:    s.InfoHash,
		Name:        s.name,
		PieceLength: s.pieceLength,
		NumPieces:   s.numPieces,
		TotalLength: s.totalLength,
		Files:       append([]domain.FileRef(nil), s.files...),
		ResolvedAt:  s.readyAt,
	}
}

// resolve records the swarm's metadata and deselects every piece. Late or
// duplicate readiness signals are ignored. It reports whether this call
// performed the resolution.
func (s *TorrentSession) resolve(now time.Time) bool {
	resolved := false
	s.readyOnce.Do(func() {
		h := s.Handle
		files := make([]domain.FileRef, 0)
		for _, f := range h.Files() {
			files = append(files, domain.FileRef{
				Index:          f.Index(),
				Name:           f.Name(),
				Path:           f.Path(),
				Length:         f.Length(),
				Offset:         f.Offset(),
				BytesCompleted: f.BytesCompleted(),
			})
		}

		s.mu.Lock()
		s.readyAt = now
		s.name = h.Name()
		s.files = files
		s.pieceLength = h.PieceLength()
		s.numPieces = h.NumPieces()
		s.totalLength = h.Length()
		s.mu.Unlock()

		// Metadata alone must never start a full download.
		h.DeselectPieces(0, s.numPieces, domain.PriorityNone)

		close(s.readyCh)
		resolved = true
	})
	return resolved
}

// metadataReady is the race guard for swarms whose info arrived before the
// readiness channel was observed.
func metadataReady(h ports.SwarmHandle) bool {
	return len(h.Files()) > 0 && h.Length() > 0
}

// validateHandle rejects handles the engine returned in an unusable shape.
func validateHandle(h ports.SwarmHandle, want domain.InfoHash) error {
	if h == nil {
		return errors.New("engine returned nil handle")
	}
	if h.Ready() == nil || h.Closed() == nil {
		return errors.New("engine handle has no lifecycle signals")
	}
	if got := h.InfoHash(); got != want {
		return fmt.Errorf("engine handle infohash %q, want %q", got, want)
	}
	return nil
}

type SessionManagerConfig struct {
	AcquireTimeout   time.Duration
	ProgressInterval time.Duration
}

// SessionManager owns the infohash -> session registry and guarantees at most
// one engine add per infohash.
type SessionManager struct {
	Client    ports.SwarmClient
	Parser    ports.MagnetParser
	Discovery MagnetRewriter
	Progress  ports.ProgressSink
	Cache     ports.MetadataCache
	PurgeLog  ports.PurgeLog
	Logger    *slog.Logger
	Now       func() time.Time

	cfg    SessionManagerConfig
	flight singleflight.Group

	mu       sync.Mutex
	sessions map[domain.InfoHash]*TorrentSession
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewSessionManager(client ports.SwarmClient, parser ports.MagnetParser, cfg SessionManagerConfig) *SessionManager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		Client:   client,
		Parser:   parser,
		Logger:   slog.Default(),
		Now:      time.Now,
		cfg:      cfg,
		sessions: make(map[domain.InfoHash]*TorrentSession),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Acquire returns a ready session for the magnet, adding the swarm to the
// engine if no session or in-flight acquisition exists for its infohash.
// Cancelling ctx detaches the caller only; the acquisition keeps its own
// timeout.
func (m *SessionManager) Acquire(ctx context.Context, magnetURI string) (*TorrentSession, error) {
	if !m.Parser.Validate(magnetURI) {
		return nil, ErrInvalidMagnet
	}
	infoHash, err := m.Parser.ExtractInfoHash(magnetURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrServiceClosed
	}
	if s, ok := m.sessions[infoHash]; ok && s.usable() {
		m.mu.Unlock()
		return s, nil
	}
	// Joining the flight under the mutex makes check-then-add atomic with
	// respect to other callers.
	ch := m.flight.DoChan(string(infoHash), func() (interface{}, error) {
		return m.acquire(trace.SpanFromContext(ctx), infoHash, magnetURI)
	})
	m.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TorrentSession), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *SessionManager) acquire(parent trace.Span, infoHash domain.InfoHash, magnetURI string) (*TorrentSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[infoHash]
	if ok && s.usable() {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	start := m.Now()
	logger := m.logger().With(slog.String("infoHash", string(infoHash)))
	if ok && s.Ready() {
		// The engine closed the swarm underneath a ready session. Its store
		// is removed before the swarm is added again.
		logger.Warn("session swarm closed, re-acquiring")
		m.teardown(logger, s)
	}

	ctx, cancel := context.WithTimeout(trace.ContextWithSpan(m.baseCtx, parent), m.cfg.AcquireTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "session.acquire",
		trace.WithAttributes(attribute.String("infoHash", string(infoHash))))
	defer span.End()

	m.publish(domain.ProgressEvent{InfoHash: infoHash, Stage: domain.StageResolving, At: start})

	uri := magnetURI
	if m.Discovery != nil {
		uri = m.Discovery.Enhance(magnetURI)
	}

	handle, err := m.Client.AddTorrent(ctx, uri)
	if err == nil {
		if verr := validateHandle(handle, infoHash); verr != nil {
			m.destroyHandle(logger, handle)
			err = verr
		}
	}
	if err != nil {
		err = m.classifyWaitError(ctx, err, infoHash, start, nil)
		m.fail(span, logger, infoHash, start, err)
		return nil, err
	}

	session := newTorrentSession(infoHash, magnetURI, handle, start)
	m.mu.Lock()
	m.sessions[infoHash] = session
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(m.Count()))

	if err := m.waitReady(ctx, session); err != nil {
		err = m.classifyWaitError(ctx, err, infoHash, start, handle)
		m.teardown(logger, session)
		m.fail(span, logger, infoHash, start, err)
		return nil, err
	}

	elapsed := m.Now().Sub(start)
	metrics.AcquisitionsTotal.WithLabelValues("ready").Inc()
	metrics.AcquisitionDuration.Observe(elapsed.Seconds())
	m.publish(domain.ProgressEvent{
		InfoHash: infoHash,
		Stage:    domain.StageReady,
		Percent:  100,
		Peers:    handle.Stats().Peers,
		Elapsed:  elapsed,
		At:       m.Now(),
	})
	m.cacheMetadata(logger, session)
	logger.Info("session ready",
		slog.String("name", session.Name()),
		slog.Int("files", len(session.Files())),
		slog.Duration("elapsed", elapsed),
	)
	return session, nil
}

// waitReady blocks until the swarm's metadata is known. The progress ticker
// doubles as a poll for handles whose readiness channel fired before the
// select was entered.
func (m *SessionManager) waitReady(ctx context.Context, s *TorrentSession) error {
	h := s.Handle
	if metadataReady(h) {
		s.resolve(m.Now())
		return nil
	}

	ticker := time.NewTicker(m.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Ready():
			s.resolve(m.Now())
			return nil
		case <-h.Closed():
			if err := h.Err(); err != nil {
				return err
			}
			return errors.New("torrent closed before metadata arrived")
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if metadataReady(h) {
				s.resolve(m.Now())
				return nil
			}
			stats := h.Stats()
			m.publish(domain.ProgressEvent{
				InfoHash: s.InfoHash,
				Stage:    domain.StageMetadata,
				Percent:  stats.Progress * 100,
				Peers:    stats.Peers,
				Elapsed:  m.Now().Sub(s.AddedAt),
				At:       m.Now(),
			})
		}
	}
}

// classifyWaitError maps a failed wait to a TimeoutError, ErrServiceClosed
// or an engine error.
func (m *SessionManager) classifyWaitError(ctx context.Context, err error, infoHash domain.InfoHash, start time.Time, h ports.SwarmHandle) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		te := &TimeoutError{
			Op:       ErrAcquisitionTimeout,
			InfoHash: string(infoHash),
			Elapsed:  m.Now().Sub(start),
		}
		if h != nil {
			stats := h.Stats()
			te.Peers = stats.Peers
			te.Progress = stats.Progress
		}
		return te
	}
	if m.baseCtx.Err() != nil {
		return ErrServiceClosed
	}
	return wrapEngine(err)
}

func (m *SessionManager) fail(span trace.Span, logger *slog.Logger, infoHash domain.InfoHash, start time.Time, err error) {
	outcome := "engine_error"
	var te *TimeoutError
	if errors.As(err, &te) {
		outcome = "timeout"
	}
	metrics.AcquisitionsTotal.WithLabelValues(outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.publish(domain.ProgressEvent{
		InfoHash: infoHash,
		Stage:    domain.StageFailed,
		Elapsed:  m.Now().Sub(start),
		Message:  err.Error(),
		At:       m.Now(),
	})
	logger.Warn("session acquisition failed", slog.String("error", err.Error()))
}

// teardown destroys a session that never became usable. The registry entry
// is removed only if it still belongs to s.
func (m *SessionManager) teardown(logger *slog.Logger, s *TorrentSession) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.InfoHash]; ok && cur == s {
		delete(m.sessions, s.InfoHash)
	}
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(m.Count()))
	m.destroyHandle(logger, s.Handle)
}

func (m *SessionManager) destroyHandle(logger *slog.Logger, h ports.SwarmHandle) {
	if h == nil {
		return
	}
	if err := m.Client.Destroy(h, ports.DestroyOptions{DeleteStore: true}); err != nil {
		logger.Warn("destroy swarm failed", slog.String("error", err.Error()))
	}
}

func (m *SessionManager) cacheMetadata(logger *slog.Logger, s *TorrentSession) {
	if m.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.baseCtx, 2*time.Second)
	defer cancel()
	if err := m.Cache.Set(ctx, s.Metadata()); err != nil {
		logger.Warn("metadata cache write failed", slog.String("error", err.Error()))
	}
}

// Get returns the registered session for infoHash, ready or not.
func (m *SessionManager) Get(infoHash domain.InfoHash) (*TorrentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[infoHash]
	return s, ok
}

func (m *SessionManager) List() []*TorrentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TorrentSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Purge destroys the session for infoHash together with its stored data,
// drops its cached metadata and records the purge.
func (m *SessionManager) Purge(ctx context.Context, infoHash domain.InfoHash, reason domain.PurgeReason) (domain.PurgeRecord, error) {
	ctx, span := tracer.Start(ctx, "session.purge",
		trace.WithAttributes(
			attribute.String("infoHash", string(infoHash)),
			attribute.String("reason", string(reason)),
		))
	defer span.End()

	m.mu.Lock()
	s, ok := m.sessions[infoHash]
	if ok {
		delete(m.sessions, infoHash)
	}
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(m.Count()))

	logger := m.logger().With(slog.String("infoHash", string(infoHash)))
	rec := domain.PurgeRecord{InfoHash: infoHash, Reason: reason, PurgedAt: m.Now().UTC()}

	if ok {
		rec.Name = s.Name()
		rec.TotalLength = s.TotalLength()
		if err := m.Client.Destroy(s.Handle, ports.DestroyOptions{DeleteStore: true}); err != nil {
			rec.Failed = true
			rec.Error = err.Error()
			logger.Warn("purge destroy failed", slog.String("error", err.Error()))
		}
	}

	if m.Cache != nil {
		if err := m.Cache.Delete(ctx, infoHash); err != nil {
			logger.Warn("metadata cache delete failed", slog.String("error", err.Error()))
		}
	}

	if !ok {
		return rec, ErrSessionNotFound
	}

	metrics.PurgesTotal.WithLabelValues(string(reason)).Inc()
	if m.PurgeLog != nil {
		if err := m.PurgeLog.Record(ctx, rec); err != nil {
			logger.Warn("purge record failed", slog.String("error", err.Error()))
		}
	}
	logger.Info("swarm purged", slog.String("reason", string(reason)))
	return rec, nil
}

// Close cancels in-flight acquisitions and purges every session.
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]domain.InfoHash, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	m.cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.Purge(gctx, id, domain.PurgeShutdown); err != nil && !errors.Is(err, ErrSessionNotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *SessionManager) publish(ev domain.ProgressEvent) {
	if m.Progress != nil {
		m.Progress.PublishProgress(ev)
	}
}

func (m *SessionManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
