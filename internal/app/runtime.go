package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"magnetstream/internal/cache"
	"magnetstream/internal/domain/ports"
	"magnetstream/internal/magnet"
	mongorepo "magnetstream/internal/repository/mongo"
	"magnetstream/internal/services/torrent/engine/anacrolix"
	"magnetstream/internal/usecase"
)

// Runtime is the assembled streaming service with its optional backing
// stores. Close releases everything Build opened.
type Runtime struct {
	Service *usecase.Service

	closers []func(context.Context) error
	logger  *slog.Logger
}

// Build starts the torrent engine and wires the service. Mongo and Redis are
// optional: when configured but unreachable they are logged and skipped.
func Build(ctx context.Context, cfg Config, logger *slog.Logger, progress ports.ProgressSink) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{logger: logger}

	deps := usecase.ServiceDeps{
		Discovery: magnet.NewDiscoveryPolicy(cfg.ExtraTrackers),
		Progress:  progress,
		Logger:    logger,
	}

	if cfg.MongoURI != "" {
		purgeLog, err := rt.connectMongo(ctx, cfg)
		if err != nil {
			logger.Warn("purge log disabled", slog.String("error", err.Error()))
		} else {
			deps.PurgeLog = purgeLog
		}
	}
	if cfg.RedisAddr != "" {
		metaCache, err := rt.connectRedis(ctx, cfg)
		if err != nil {
			logger.Warn("metadata cache disabled", slog.String("error", err.Error()))
		} else {
			deps.Cache = metaCache
		}
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:    cfg.TorrentDataDir,
		ListenPort: cfg.TorrentListenPort,
	})
	if err != nil {
		_ = rt.Close(context.Background())
		return nil, fmt.Errorf("torrent engine init: %w", err)
	}

	rt.Service = usecase.NewService(engine, magnet.NewParser(), usecase.ServiceConfig{
		AcquireTimeout:   cfg.AcquireTimeout,
		SyncTimeout:      cfg.SyncTimeout,
		SyncPollInterval: cfg.SyncPollInterval,
		MaxStreams:       cfg.MaxStreams,
		WatcherGrace:     cfg.WatcherGrace,
	}, deps)
	// Destroy runs first so shutdown purges are still recorded.
	rt.closers = append([]func(context.Context) error{rt.Service.Destroy}, rt.closers...)
	return rt, nil
}

func (rt *Runtime) connectMongo(ctx context.Context, cfg Config) (*mongorepo.PurgeLog, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	purgeLog := mongorepo.NewPurgeLog(client, cfg.MongoDatabase)
	if err := purgeLog.EnsureIndexes(connectCtx); err != nil {
		rt.logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	rt.closers = append(rt.closers, client.Disconnect)
	return purgeLog, nil
}

func (rt *Runtime) connectRedis(ctx context.Context, cfg Config) (*cache.RedisMetadataCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	metaCache := cache.NewRedisMetadataCache(client, cfg.MetadataCacheTTL)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := metaCache.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
	return metaCache, nil
}

// Close destroys every swarm, then disconnects the stores.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for _, closeFn := range rt.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
