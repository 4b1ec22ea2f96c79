package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"xenoscan/internal/model"
)

const metricsNamespace = "xenoscan"

// Metrics holds the run collectors. A nil *Metrics records nothing.
type Metrics struct {
	targetsTotal    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	fetchAttempts   *prometheus.CounterVec
	throttleEvents  prometheus.Counter
	backoffSeconds  prometheus.Gauge
	fetchInFlight   prometheus.Gauge
	checkpointSaves prometheus.Counter
	uploadsTotal    *prometheus.CounterVec

	mu                sync.Mutex
	lastThrottleCount int
}

// NewMetrics registers the run collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		targetsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "targets_total",
				Help:      "Finished targets by outcome",
			},
			[]string{"outcome"},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Per-target stage duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
			},
			[]string{"stage"},
		),
		fetchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_attempts_total",
				Help:      "Archive requests by result",
			},
			[]string{"result"},
		),
		throttleEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "throttle_events_total",
			Help:      "Throttling signals reported to the rate controller",
		}),
		backoffSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_backoff_seconds",
			Help:      "Current adaptive backoff",
		}),
		fetchInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_inflight",
			Help:      "Fetches currently holding an archive slot",
		}),
		checkpointSaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint saves",
		}),
		uploadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploads_total",
				Help:      "Uploads by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) ObserveOutcome(out model.PipelineOutcome) {
	if m == nil {
		return
	}
	label := string(model.StageDone)
	if !out.Success {
		label = "failed_" + string(out.FailedStage)
	}
	m.targetsTotal.WithLabelValues(label).Inc()
	m.stageDuration.WithLabelValues("download").Observe(out.DownloadElapsed.Seconds())
	if out.FailedStage == model.FailedFetch {
		return
	}
	m.stageDuration.WithLabelValues("extraction").Observe(out.ExtractionElapsed.Seconds())
	m.stageDuration.WithLabelValues("upload").Observe(out.UploadElapsed.Seconds())
	m.stageDuration.WithLabelValues("cleanup").Observe(out.CleanupElapsed.Seconds())
}

// FetchAttempt is suitable as a fetch.WithAttemptHook callback.
func (m *Metrics) FetchAttempt(result string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(result).Inc()
}

// FetchInFlight is suitable as a fetch.WithInFlightHook callback.
func (m *Metrics) FetchInFlight(n int) {
	if m == nil {
		return
	}
	m.fetchInFlight.Set(float64(n))
}

// RateLimiter is suitable as a ratelimit.WithObserver callback.
func (m *Metrics) RateLimiter(s model.RateLimiterState) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffSeconds.Set(s.BackoffSeconds)
	if d := s.ThrottleCount - m.lastThrottleCount; d > 0 {
		m.throttleEvents.Add(float64(d))
		m.lastThrottleCount = s.ThrottleCount
	}
}

func (m *Metrics) CheckpointSaved() {
	if m == nil {
		return
	}
	m.checkpointSaves.Inc()
}

func (m *Metrics) Upload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.uploadsTotal.WithLabelValues(result).Inc()
}
