package live

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for live sessions.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Media metrics
	AudioBytesTotal   *prometheus.CounterVec
	FramesSentTotal   prometheus.Counter
	VideoBytesTotal   prometheus.Counter
	DroppedTotal      *prometheus.CounterVec
	DiscardedChunks   prometheus.Counter
	PlaybackUnderruns prometheus.Counter

	// Token metrics
	TokensTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered on a
// private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "echovision"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active live sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of live sessions by final status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes processed by direction",
		},
		[]string{"direction"},
	)

	framesSentTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total camera frames sent",
		},
	)

	videoBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_bytes_total",
			Help:      "Total JPEG bytes sent",
		},
	)

	droppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Items dropped because a consumer fell behind",
		},
		[]string{"kind"},
	)

	discardedChunks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_chunks_total",
			Help:      "Malformed audio chunks discarded",
		},
	)

	playbackUnderruns := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_underruns_total",
			Help:      "Chunks that arrived after their playback slot",
		},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens reported by the remote side",
		},
		[]string{"direction"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by type",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		framesSentTotal,
		videoBytesTotal,
		droppedTotal,
		discardedChunks,
		playbackUnderruns,
		tokensTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:          registry,
		SessionsActive:    sessionsActive,
		SessionsTotal:     sessionsTotal,
		SessionDuration:   sessionDuration,
		AudioBytesTotal:   audioBytesTotal,
		FramesSentTotal:   framesSentTotal,
		VideoBytesTotal:   videoBytesTotal,
		DroppedTotal:      droppedTotal,
		DiscardedChunks:   discardedChunks,
		PlaybackUnderruns: playbackUnderruns,
		TokensTotal:       tokensTotal,
		ErrorsTotal:       errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a live session starting. All Record methods
// are no-ops on a nil receiver so instrumentation stays optional.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a live session ending with the given status.
func (m *Metrics) RecordSessionEnd(model, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordAudioBytes records audio moving through the session.
func (m *Metrics) RecordAudioBytes(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrameSent records one camera frame going out.
func (m *Metrics) RecordFrameSent(bytes int) {
	if m == nil {
		return
	}
	m.FramesSentTotal.Inc()
	if bytes > 0 {
		m.VideoBytesTotal.Add(float64(bytes))
	}
}

// RecordDrop records an item dropped because a consumer fell behind.
func (m *Metrics) RecordDrop(kind string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(kind).Inc()
}

// RecordDiscardedChunk records a malformed audio chunk being discarded.
func (m *Metrics) RecordDiscardedChunk() {
	if m == nil {
		return
	}
	m.DiscardedChunks.Inc()
}

// RecordPlaybackUnderrun records a chunk that arrived after its slot.
func (m *Metrics) RecordPlaybackUnderrun() {
	if m == nil {
		return
	}
	m.PlaybackUnderruns.Inc()
}

// RecordTokens records token usage reported by the remote side.
func (m *Metrics) RecordTokens(promptTokens, responseTokens int) {
	if m == nil {
		return
	}
	if promptTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(promptTokens))
	}
	if responseTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(responseTokens))
	}
}

// RecordError records an error by taxonomy type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
