package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"magnetstream/internal/domain"
	"magnetstream/internal/usecase"
)

type StreamService interface {
	CreateStream(ctx context.Context, req usecase.StreamRequest) (usecase.StreamResult, error)
	CloseStream(id string)
	ListStreams() []usecase.ActiveStream
	MaxStreams() int
}

type WatcherService interface {
	RegisterWatcher(infoHash domain.InfoHash) string
	UnregisterWatcher(infoHash domain.InfoHash, watcherID string)
	WatcherState(infoHash domain.InfoHash) (domain.WatcherState, int)
}

type TorrentService interface {
	TorrentStats(infoHash domain.InfoHash, fileIndex *int) (domain.TorrentStats, error)
	Files(ctx context.Context, magnetURI string) (domain.TorrentMetadata, error)
}

type PurgeLister interface {
	RecentPurges(ctx context.Context, limit int) ([]domain.PurgeRecord, error)
}

type Server struct {
	streams  StreamService
	watchers WatcherService
	torrents TorrentService
	purges   PurgeLister

	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	metrics        http.Handler

	logger  *slog.Logger
	handler http.Handler
	hub     *Hub
	ownsHub bool
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithWatchers(svc WatcherService) ServerOption {
	return func(s *Server) {
		s.watchers = svc
	}
}

func WithTorrents(svc TorrentService) ServerOption {
	return func(s *Server) {
		s.torrents = svc
	}
}

func WithPurges(svc PurgeLister) ServerOption {
	return func(s *Server) {
		s.purges = svc
	}
}

// WithHub attaches an already running hub. Without it the server starts and
// owns its own.
func WithHub(hub *Hub) ServerOption {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit sets the global request rate. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

// WithMetricsHandler replaces the default Prometheus handler, e.g. to serve
// a private registry.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

func NewServer(streams StreamService, opts ...ServerOption) *Server {
	s := &Server{
		streams:   streams,
		rateRPS:   50,
		rateBurst: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
		s.ownsHub = true
		go s.hub.Run()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/streams/", s.handleStreamByID)
	mux.HandleFunc("/watchers", s.handleWatchers)
	mux.HandleFunc("/watchers/", s.handleWatcherByHash)
	mux.HandleFunc("/torrents/", s.handleTorrents)
	mux.HandleFunc("/purges", s.handlePurges)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", s.metrics)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "magnetstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && p != "/ws"
		}),
	)
	s.handler = recoveryMiddleware(s.logger,
		rateLimitMiddleware(s.rateRPS, s.rateBurst,
			metricsMiddleware(
				corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects websocket clients when the server owns the hub.
func (s *Server) Close() {
	if s.ownsHub && s.hub != nil {
		s.hub.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
