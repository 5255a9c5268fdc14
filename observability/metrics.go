package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	checkoutMetricsOnce sync.Once
	checkoutRegistry    *CheckoutMetrics

	watcherMetricsOnce sync.Once
	watcherRegistry    *WatcherMetrics

	mintMetricsOnce sync.Once
	mintRegistry    *MintdMetrics
)

// CheckoutMetrics tracks envelope assembly for the transaction-request endpoint.
type CheckoutMetrics struct {
	envelopes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   prometheus.Histogram
	sessions  prometheus.Gauge
}

// Checkout returns the lazily-initialised checkout metrics registry.
func Checkout() *CheckoutMetrics {
	checkoutMetricsOnce.Do(func() {
		checkoutRegistry = &CheckoutMetrics{
			envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solpay",
				Subsystem: "checkout",
				Name:      "envelopes_total",
				Help:      "Envelopes handed to wallets segmented by reward outcome.",
			}, []string{"reward"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solpay",
				Subsystem: "checkout",
				Name:      "failures_total",
				Help:      "Envelope requests that failed segmented by error kind.",
			}, []string{"kind"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "solpay",
				Subsystem: "checkout",
				Name:      "assembly_duration_seconds",
				Help:      "Time spent resolving accounts, proofs, and signing an envelope.",
				Buckets:   prometheus.DefBuckets,
			}),
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "solpay",
				Subsystem: "checkout",
				Name:      "active_sessions",
				Help:      "Checkout sessions with a running watcher.",
			}),
		}
		prometheus.MustRegister(
			checkoutRegistry.envelopes,
			checkoutRegistry.failures,
			checkoutRegistry.latency,
			checkoutRegistry.sessions,
		)
	})
	return checkoutRegistry
}

// RecordEnvelope counts an envelope and its assembly latency.
func (m *CheckoutMetrics) RecordEnvelope(reward string, d time.Duration) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(label(reward)).Inc()
	m.latency.Observe(d.Seconds())
}

// RecordFailure counts a failed envelope request.
func (m *CheckoutMetrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(kind)).Inc()
}

// SessionStarted increments the active session gauge.
func (m *CheckoutMetrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *CheckoutMetrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// WatcherMetrics tracks reference lookups.
type WatcherMetrics struct {
	polls    *prometheus.CounterVec
	outcomes *prometheus.CounterVec
}

// Watcher returns the lazily-initialised watcher metrics registry.
func Watcher() *WatcherMetrics {
	watcherMetricsOnce.Do(func() {
		watcherRegistry = &WatcherMetrics{
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solpay",
				Subsystem: "watcher",
				Name:      "polls_total",
				Help:      "Reference lookups segmented by component and state after the lookup.",
			}, []string{"component", "state"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solpay",
				Subsystem: "watcher",
				Name:      "terminal_total",
				Help:      "Watchers reaching a terminal state.",
			}, []string{"component", "state"}),
		}
		prometheus.MustRegister(watcherRegistry.polls, watcherRegistry.outcomes)
	})
	return watcherRegistry
}

// RecordPoll counts a lookup and, for terminal states, the outcome.
func (m *WatcherMetrics) RecordPoll(component, state string, terminal bool) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(label(component), label(state)).Inc()
	if terminal {
		m.outcomes.WithLabelValues(label(component), label(state)).Inc()
	}
}

// MintdMetrics tracks reward mint tasks.
type MintdMetrics struct {
	tasks    *prometheus.CounterVec
	latency  prometheus.Histogram
	queued   prometheus.Gauge
	rejected *prometheus.CounterVec
}

// Mintd returns the lazily-initialised mint orchestrator metrics registry.
func Mintd() *MintdMetrics {
	mintMetricsOnce.Do(func() {
		mintRegistry = &MintdMetrics{
			tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solpay",
				Subsystem: "mintd",
				Name:      "tasks_total",
				Help:      "Mint tasks reaching a final state segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "solpay",
				Subsystem: "mintd",
				Name:      "task_duration_seconds",
				Help:      "Time from trigger acceptance to the final task state.",
				Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
			}),
			queued: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "solpay",
				Subsystem: "mintd",
				Name:      "pending_tasks",
				Help:      "Tasks accepted but not yet final.",
			}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solpay",
				Subsystem: "mintd",
				Name:      "rejected_triggers_total",
				Help:      "Mint triggers rejected before a task was queued.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(mintRegistry.tasks, mintRegistry.latency, mintRegistry.queued, mintRegistry.rejected)
	})
	return mintRegistry
}

// RecordOutcome counts a final task state and its latency.
func (m *MintdMetrics) RecordOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(label(outcome)).Inc()
	if d > 0 {
		m.latency.Observe(d.Seconds())
	}
}

// SetPending reports the number of tasks awaiting completion.
func (m *MintdMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

// RecordRejected counts a trigger rejected before queueing.
func (m *MintdMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(label(reason)).Inc()
}

func label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
