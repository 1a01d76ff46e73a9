package webcodecs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a runtime. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsConfigured *prometheus.CounterVec
	PendingUnits       *prometheus.GaugeVec
	Outputs            *prometheus.CounterVec
	Errors             *prometheus.CounterVec
	FlushDuration      *prometheus.HistogramVec

	// Pipeline metrics
	PipelineFallbacks *prometheus.CounterVec

	// Pool metrics
	PoolWait *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsConfigured: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webcodecs_sessions_configured_total",
				Help: "Total number of successful session configurations",
			},
			[]string{"kind", "codec", "method"},
		),
		PendingUnits: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "webcodecs_pending_units",
				Help: "Units admitted to native engines and not yet produced",
			},
			[]string{"kind"},
		),
		Outputs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webcodecs_outputs_total",
				Help: "Total number of outputs delivered",
			},
			[]string{"kind", "codec"},
		),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webcodecs_errors_total",
				Help: "Total number of errors by kind",
			},
			[]string{"kind", "error"},
		),
		FlushDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webcodecs_flush_duration_seconds",
				Help:    "Time taken by flush operations",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4m
			},
			[]string{"kind"},
		),
		PipelineFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webcodecs_pipeline_fallbacks_total",
				Help: "Total number of pipelines marked failed",
			},
			[]string{"codec", "method"},
		),
		PoolWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webcodecs_pool_acquire_wait_seconds",
				Help:    "Time spent waiting for a pooled resource",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"pool"},
		),
	}
}

func (m *Metrics) observeConfigured(kind sessionKind, codec Codec, method HWMethod) {
	if m == nil {
		return
	}
	m.SessionsConfigured.WithLabelValues(kind.String(), codec.String(), method.String()).Inc()
}

func (m *Metrics) addPending(kind sessionKind, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.PendingUnits.WithLabelValues(kind.String()).Add(float64(delta))
}

func (m *Metrics) observeOutput(kind sessionKind, codec Codec) {
	if m == nil {
		return
	}
	m.Outputs.WithLabelValues(kind.String(), codec.String()).Inc()
}

func (m *Metrics) observeError(kind sessionKind, err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(kind.String(), ErrorName(err)).Inc()
}

func (m *Metrics) observeFlush(kind sessionKind, d time.Duration) {
	if m == nil {
		return
	}
	m.FlushDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *Metrics) observeFallback(codec Codec, method HWMethod) {
	if m == nil {
		return
	}
	m.PipelineFallbacks.WithLabelValues(codec.String(), method.String()).Inc()
}

func (m *Metrics) observePoolWait(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.PoolWait.WithLabelValues(pool).Observe(d.Seconds())
}
