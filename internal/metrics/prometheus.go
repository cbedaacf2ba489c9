package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for transcription sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsStarted prometheus.Counter
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Audio metrics
	ChunksSent prometheus.Counter
	BytesSent  prometheus.Counter

	// Transcription metrics
	TranscriptsReceived *prometheus.CounterVec
	Errors              *prometheus.CounterVec
}

// New creates the metrics and registers them with reg, e.g. prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rt_sessions_started_total",
			Help: "Total number of transcription sessions started",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rt_active_sessions",
			Help: "Current number of recording transcription sessions",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rt_session_duration_seconds",
			Help:    "Duration of transcription sessions from start to stop",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "rt_audio_chunks_sent_total",
			Help: "Total number of audio chunks sent to the realtime service",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "rt_audio_bytes_sent_total",
			Help: "Total number of PCM16LE bytes sent to the realtime service",
		}),

		TranscriptsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_transcripts_received_total",
			Help: "Total number of transcript messages received",
		}, []string{"type"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rt_errors_total",
			Help: "Total number of session errors by stage",
		}, []string{"stage"}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionStopped(duration time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) ChunkSent(bytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) TranscriptReceived(final bool) {
	if m == nil {
		return
	}
	if final {
		m.TranscriptsReceived.WithLabelValues("final").Inc()
	} else {
		m.TranscriptsReceived.WithLabelValues("partial").Inc()
	}
}

// Error counts a failure, stage is one of "connect", "device", "send", "realtime".
func (m *Metrics) Error(stage string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(stage).Inc()
}
