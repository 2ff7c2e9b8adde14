package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "magnetstream"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of swarms with a registered session.",
	})

	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Number of open byte streams.",
	})

	WatchedSwarms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watched_swarms",
		Help:      "Number of swarms with at least one watcher.",
	})

	AcquisitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acquisitions_total",
		Help:      "Session acquisitions by outcome.",
	}, []string{"outcome"})

	AcquisitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "acquisition_duration_seconds",
		Help:      "Time from engine add to swarm metadata readiness.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	FirstByteWaitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "first_byte_wait_seconds",
		Help:      "Time spent waiting for the piece covering the first requested byte.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"path"})

	StreamRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_rejections_total",
		Help:      "Stream requests rejected before opening, by reason.",
	}, []string{"reason"})

	PurgesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purges_total",
		Help:      "Swarms destroyed with their stored data, by reason.",
	}, []string{"reason"})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		ActiveStreams,
		WatchedSwarms,
		AcquisitionsTotal,
		AcquisitionDuration,
		FirstByteWaitDuration,
		StreamRejectionsTotal,
		PurgesTotal,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
	)
}
