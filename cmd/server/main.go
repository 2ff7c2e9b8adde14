package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "magnetstream/internal/api/http"
	"magnetstream/internal/app"
	"magnetstream/internal/metrics"
	"magnetstream/internal/telemetry"
	"magnetstream/internal/usecase"
)

const serviceName = "magnetstream"

func main() {
	if err := app.LoadDotEnv(); err != nil {
		slog.Warn("dotenv load failed", slog.String("error", err.Error()))
	}
	cfg := app.LoadConfig()
	logger := app.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.Int("maxStreams", cfg.MaxStreams),
		slog.Duration("acquireTimeout", cfg.AcquireTimeout),
		slog.Duration("syncTimeout", cfg.SyncTimeout),
		slog.Duration("watcherGrace", cfg.WatcherGrace),
		slog.Bool("purgeLog", cfg.MongoURI != ""),
		slog.Bool("metadataCache", cfg.RedisAddr != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := apihttp.NewHub(logger)
	go hub.Run()

	rt, err := app.Build(rootCtx, cfg, logger, hub)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	svc := rt.Service

	handler := apihttp.NewServer(svc,
		apihttp.WithLogger(logger),
		apihttp.WithHub(hub),
		apihttp.WithWatchers(svc),
		apihttp.WithTorrents(svc),
		apihttp.WithPurges(svc),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	go publishStats(rootCtx, svc, hub)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // byte streams run as long as the client reads
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			_ = rt.Close(context.Background())
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Closing streams first unblocks handlers stuck in io.Copy so Shutdown
	// can drain.
	svc.Streams.CloseAll()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("runtime close error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// publishStats refreshes the Prometheus gauges and pushes a stats snapshot to
// websocket clients.
func publishStats(ctx context.Context, svc *usecase.Service, hub *apihttp.Hub) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := svc.Snapshot()
			var dlTotal, ulTotal int64
			var peersTotal int
			for _, stats := range snapshot {
				dlTotal += stats.DownloadSpeed
				ulTotal += stats.UploadSpeed
				peersTotal += stats.Peers
			}
			metrics.DownloadSpeedBytes.Set(float64(dlTotal))
			metrics.UploadSpeedBytes.Set(float64(ulTotal))
			metrics.PeersConnected.Set(float64(peersTotal))
			hub.BroadcastStats(snapshot)
		}
	}
}
