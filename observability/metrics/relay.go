package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics aggregates the in-process counters for the relay core.
type RelayMetrics struct {
	jobTransitions   *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	heartbeatWaits   prometheus.Counter
	heartbeatWakeups *prometheus.CounterVec
}

var (
	relayOnce     sync.Once
	relayRegistry *RelayMetrics
)

// Relay returns the process-wide relay metrics, registering them on first
// use.
func Relay() *RelayMetrics {
	relayOnce.Do(func() {
		relayRegistry = NewRelayMetrics(nil)
	})
	return relayRegistry
}

// NewRelayMetrics builds the collector set, registering on the provided
// registerer (the default registerer when nil).
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &RelayMetrics{
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_job_transitions_total",
			Help: "Count of job state transitions by source and target status.",
		}, []string{"from", "to"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Count of rejected request envelopes by failure code.",
		}, []string{"code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Count of requests rejected by the token buckets per scope.",
		}, []string{"scope"}),
		heartbeatWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeat_waits_total",
			Help: "Count of heartbeat calls that registered a waiter.",
		}),
		heartbeatWakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_heartbeat_wakeups_total",
			Help: "Count of heartbeat waiter resolutions by cause.",
		}, []string{"cause"}),
	}
	reg.MustRegister(m.jobTransitions, m.authFailures, m.rateLimited, m.heartbeatWaits, m.heartbeatWakeups)
	return m
}

// ObserveTransition records one job state transition.
func (m *RelayMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(from, to).Inc()
}

// ObserveAuthFailure records a rejected envelope.
func (m *RelayMetrics) ObserveAuthFailure(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.authFailures.WithLabelValues(code).Inc()
}

// ObserveRateLimited records a token-bucket rejection.
func (m *RelayMetrics) ObserveRateLimited(scope string) {
	if m == nil {
		return
	}
	if scope == "" {
		scope = "unknown"
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

// ObserveHeartbeatWait records a registered long-poll waiter.
func (m *RelayMetrics) ObserveHeartbeatWait() {
	if m == nil {
		return
	}
	m.heartbeatWaits.Inc()
}

// ObserveHeartbeatWakeup records how a waiter resolved: notify, timeout, or
// canceled.
func (m *RelayMetrics) ObserveHeartbeatWakeup(cause string) {
	if m == nil {
		return
	}
	if cause == "" {
		cause = "unknown"
	}
	m.heartbeatWakeups.WithLabelValues(cause).Inc()
}
