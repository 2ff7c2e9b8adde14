package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	TorrentDataDir    string
	TorrentListenPort int
	ExtraTrackers     []string

	AcquireTimeout   time.Duration
	SyncTimeout      time.Duration
	SyncPollInterval time.Duration
	MaxStreams       int
	WatcherGrace     time.Duration

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	MongoURI      string // empty = purge log disabled
	MongoDatabase string

	RedisAddr        string // empty = metadata cache disabled
	RedisPassword    string
	RedisDB          int
	MetadataCacheTTL time.Duration

	OTLPEndpoint    string // empty = tracing disabled
	TraceSampleRate float64
}

// LoadDotEnv reads variables from the given .env files (default ".env") into
// the process environment. Variables already set are kept. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		TorrentDataDir:    getEnv("TORRENT_DATA_DIR", "data"),
		TorrentListenPort: int(getEnvInt64("TORRENT_LISTEN_PORT", 0)),
		ExtraTrackers:     getEnvList("EXTRA_TRACKERS"),

		AcquireTimeout:   getEnvDuration("ACQUIRE_TIMEOUT", 60*time.Second),
		SyncTimeout:      getEnvDuration("SYNC_TIMEOUT", 30*time.Second),
		SyncPollInterval: getEnvDuration("SYNC_POLL_INTERVAL", 500*time.Millisecond),
		MaxStreams:       int(getEnvInt64("MAX_STREAMS", 10)),
		WatcherGrace:     getEnvDuration("WATCHER_GRACE", 30*time.Second),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 100)),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "magnetstream"),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          int(getEnvInt64("REDIS_DB", 0)),
		MetadataCacheTTL: getEnvDuration("METADATA_CACHE_TTL", 24*time.Hour),

		OTLPEndpoint:    strings.TrimSpace(getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
		TraceSampleRate: clampRate(getEnvFloat("OTEL_TRACE_SAMPLE_RATE", 0.1)),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("45s") or plain milliseconds ("5000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms <= 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func clampRate(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
