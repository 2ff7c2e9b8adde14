package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"magnetstream/internal/domain"
	"magnetstream/internal/domain/ports"
)

type ServiceConfig struct {
	AcquireTimeout   time.Duration
	ProgressInterval time.Duration
	SyncTimeout      time.Duration
	SyncPollInterval time.Duration
	MaxStreams       int
	WatcherGrace     time.Duration
}

// ServiceDeps are the optional collaborators of a Service. Nil fields
// disable the matching feature.
type ServiceDeps struct {
	Discovery MagnetRewriter
	Progress  ports.ProgressSink
	Cache     ports.MetadataCache
	PurgeLog  ports.PurgeLog
	Logger    *slog.Logger
}

// Service owns the session, stream and watcher registries for one engine
// client. Instances are independent; Destroy tears all of them down.
type Service struct {
	Sessions *SessionManager
	Sync     *PieceSynchronizer
	Streams  *StreamRegistry
	Watchers *WatcherCollector

	client   ports.SwarmClient
	cache    ports.MetadataCache
	purgeLog ports.PurgeLog
	logger   *slog.Logger

	destroyOnce sync.Once
	destroyErr  error
}

func NewService(client ports.SwarmClient, parser ports.MagnetParser, cfg ServiceConfig, deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessions := NewSessionManager(client, parser, SessionManagerConfig{
		AcquireTimeout:   cfg.AcquireTimeout,
		ProgressInterval: cfg.ProgressInterval,
	})
	sessions.Discovery = deps.Discovery
	sessions.Progress = deps.Progress
	sessions.Cache = deps.Cache
	sessions.PurgeLog = deps.PurgeLog
	sessions.Logger = logger.With(slog.String("component", "sessions"))

	syncer := NewPieceSynchronizer(PieceSyncConfig{
		Timeout:      cfg.SyncTimeout,
		PollInterval: cfg.SyncPollInterval,
	})
	syncer.Logger = logger.With(slog.String("component", "sync"))

	streams := NewStreamRegistry(sessions, syncer, cfg.MaxStreams)
	streams.Logger = logger.With(slog.String("component", "streams"))

	watchers := NewWatcherCollector(sessions, cfg.WatcherGrace)
	watchers.Logger = logger.With(slog.String("component", "watchers"))

	return &Service{
		Sessions: sessions,
		Sync:     syncer,
		Streams:  streams,
		Watchers: watchers,
		client:   client,
		cache:    deps.Cache,
		purgeLog: deps.PurgeLog,
		logger:   logger,
	}
}

func (s *Service) CreateStream(ctx context.Context, req StreamRequest) (StreamResult, error) {
	return s.Streams.CreateStream(ctx, req)
}

func (s *Service) CloseStream(id string) {
	s.Streams.CloseStream(id)
}

func (s *Service) ListStreams() []ActiveStream {
	return s.Streams.ListStreams()
}

func (s *Service) MaxStreams() int {
	return s.Streams.MaxStreams()
}

func (s *Service) ActiveStreamCount() int {
	return s.Streams.ActiveStreamCount()
}

func (s *Service) RegisterWatcher(infoHash domain.InfoHash) string {
	return s.Watchers.Register(infoHash)
}

func (s *Service) UnregisterWatcher(infoHash domain.InfoHash, watcherID string) {
	s.Watchers.Unregister(infoHash, watcherID)
}

// WatcherState reports the swarm's watcher lifecycle state and live count.
func (s *Service) WatcherState(infoHash domain.InfoHash) (domain.WatcherState, int) {
	return s.Watchers.State(infoHash), s.Watchers.Count(infoHash)
}

// TorrentStats extends the registry's stats with the swarm's watcher count.
func (s *Service) TorrentStats(infoHash domain.InfoHash, fileIndex *int) (domain.TorrentStats, error) {
	stats, err := s.Streams.TorrentStats(infoHash, fileIndex)
	if err != nil {
		return domain.TorrentStats{}, err
	}
	stats.Watchers = s.Watchers.Count(infoHash)
	return stats, nil
}

// Snapshot returns stats for every registered swarm, ordered by infohash.
func (s *Service) Snapshot() []domain.TorrentStats {
	sessions := s.Sessions.List()
	out := make([]domain.TorrentStats, 0, len(sessions))
	for _, session := range sessions {
		stats, err := s.TorrentStats(session.InfoHash, nil)
		if err != nil {
			continue
		}
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InfoHash < out[j].InfoHash })
	return out
}

// Files lists a magnet's files, from the metadata cache when possible.
func (s *Service) Files(ctx context.Context, magnetURI string) (domain.TorrentMetadata, error) {
	if s.cache != nil {
		if infoHash, err := s.Sessions.Parser.ExtractInfoHash(magnetURI); err == nil {
			meta, err := s.cache.Get(ctx, infoHash)
			if err == nil {
				return meta, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("metadata cache read failed",
					slog.String("infoHash", string(infoHash)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	session, err := s.Sessions.Acquire(ctx, magnetURI)
	if err != nil {
		return domain.TorrentMetadata{}, err
	}
	meta := session.Metadata()
	meta.Files = session.Files()
	return meta, nil
}

// RecentPurges lists the purge audit log. It returns ErrPurgeLogDisabled
// when no log is configured.
func (s *Service) RecentPurges(ctx context.Context, limit int) ([]domain.PurgeRecord, error) {
	if s.purgeLog == nil {
		return nil, ErrPurgeLogDisabled
	}
	return s.purgeLog.ListRecent(ctx, limit)
}

// Destroy closes every stream, stops watcher timers, purges all sessions
// and shuts the engine client down. Later calls return the first result.
func (s *Service) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		s.Streams.CloseAll()
		s.Watchers.Close()

		var errs []error
		if err := s.Sessions.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.client.DestroyAll(); err != nil {
			s.logger.Warn("engine shutdown failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		s.destroyErr = errors.Join(errs...)
	})
	return s.destroyErr
}
