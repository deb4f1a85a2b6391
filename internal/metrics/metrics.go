// Package metrics exposes Prometheus metrics about vault activity. No
// metric ever carries secret contents, buffer owners or identities.
package metrics

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	// Buffer metrics
	buffersCreatedTotal   prometheus.Counter
	buffersDestroyedTotal *prometheus.CounterVec
	buffersLive           prometheus.Gauge

	// Scope metrics
	scopesOpenedTotal   prometheus.Counter
	scopesRejectedTotal prometheus.Counter
	scopeWaitSeconds    prometheus.Histogram

	// Cipher metrics
	cipherOperationsTotal *prometheus.CounterVec
	sealBudgetRemaining   prometheus.Gauge
	rekeysTotal           prometheus.Counter

	// Teardown metrics
	teardownsTotal *prometheus.CounterVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered atomic.Bool
)

// Destroy reasons.
const (
	ReasonExplicit    = "explicit"
	ReasonTeardown    = "teardown"
	ReasonSealFailure = "seal_failure"
)

// InitMetrics registers all metrics with the default registry. It is safe
// to call more than once; recording before InitMetrics is a no-op.
func InitMetrics() {
	metricsOnce.Do(func() {
		buffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "volatileguard_buffers_created_total",
			Help: "Total number of secret buffers created",
		})

		buffersDestroyedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volatileguard_buffers_destroyed_total",
				Help: "Total number of secret buffers wiped and released",
			},
			[]string{"reason"},
		)

		buffersLive = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "volatileguard_buffers_live",
			Help: "Number of secret buffers currently registered",
		})

		scopesOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "volatileguard_scopes_opened_total",
			Help: "Total number of access scopes opened",
		})

		scopesRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "volatileguard_scopes_rejected_total",
			Help: "Open attempts refused because a scope was already open",
		})

		scopeWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "volatileguard_scope_wait_seconds",
			Help:    "Time spent waiting for exclusive access to a buffer",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		})

		cipherOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volatileguard_cipher_operations_total",
				Help: "Seal and unseal operations by outcome",
			},
			[]string{"operation", "result"},
		)

		sealBudgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "volatileguard_seal_budget_remaining",
			Help: "Seal operations left before the session key must be rotated",
		})

		rekeysTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "volatileguard_rekeys_total",
			Help: "Total number of session key rotations",
		})

		teardownsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volatileguard_teardowns_total",
				Help: "Total number of teardown runs by outcome",
			},
			[]string{"result"},
		)

		metricsRegistered.Store(true)
	})
}

// Recorder records vault events. A nil *Recorder is valid and records
// nothing.
type Recorder struct{}

// NewRecorder creates a Recorder. Metrics are recorded only after
// InitMetrics.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (m *Recorder) enabled() bool {
	return m != nil && metricsRegistered.Load()
}

// BufferCreated records a new buffer.
func (m *Recorder) BufferCreated() {
	if !m.enabled() {
		return
	}
	buffersCreatedTotal.Inc()
	buffersLive.Inc()
}

// BufferDestroyed records a wiped buffer.
func (m *Recorder) BufferDestroyed(reason string) {
	if !m.enabled() {
		return
	}
	buffersDestroyedTotal.WithLabelValues(reason).Inc()
	buffersLive.Dec()
}

// ScopeOpened records a granted scope and how long the caller waited.
func (m *Recorder) ScopeOpened(wait time.Duration) {
	if !m.enabled() {
		return
	}
	scopesOpenedTotal.Inc()
	scopeWaitSeconds.Observe(wait.Seconds())
}

// ScopeRejected records a fail-fast refusal.
func (m *Recorder) ScopeRejected() {
	if !m.enabled() {
		return
	}
	scopesRejectedTotal.Inc()
}

// CipherOperation records a seal or unseal and its outcome.
func (m *Recorder) CipherOperation(operation string, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	cipherOperationsTotal.WithLabelValues(operation, result).Inc()
}

// SealBudget records the seal operations left for the current key.
func (m *Recorder) SealBudget(remaining uint64) {
	if !m.enabled() {
		return
	}
	sealBudgetRemaining.Set(float64(remaining))
}

// Rekey records a session key rotation.
func (m *Recorder) Rekey() {
	if !m.enabled() {
		return
	}
	rekeysTotal.Inc()
}

// Teardown records a teardown run.
func (m *Recorder) Teardown(err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "partial"
	}
	teardownsTotal.WithLabelValues(result).Inc()
}

// WriteText writes every registered metric in the Prometheus text format.
func WriteText(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// GetBuffersCreatedTotal returns the buffers created counter for testing.
func GetBuffersCreatedTotal() prometheus.Counter {
	return buffersCreatedTotal
}

// GetBuffersLive returns the live buffers gauge for testing.
func GetBuffersLive() prometheus.Gauge {
	return buffersLive
}

// GetCipherOperationsTotal returns the cipher operations counter for testing.
func GetCipherOperationsTotal() *prometheus.CounterVec {
	return cipherOperationsTotal
}

// GetTeardownsTotal returns the teardown counter for testing.
func GetTeardownsTotal() *prometheus.CounterVec {
	return teardownsTotal
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered.Load()
}
