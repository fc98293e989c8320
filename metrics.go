package vigil

import (
	"sync/atomic"
	"time"
)

// MetricID names one counter. MetricGuardLatency is the only histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginOTPRequired
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricRefreshRateLimited
	MetricRegistrationStarted
	MetricRegistrationFinalized
	MetricOTPRequested
	MetricOTPVerified
	MetricOTPFailed
	MetricOTPLockout
	MetricFederatedSuccess
	MetricFederatedFailure
	MetricGuardRejected
	MetricSessionCreated
	MetricLogout
	MetricLogoutAll
	MetricPasswordChanged
	MetricPasswordReset
	MetricBackendRetry
	MetricGuardLatency
	metricIDCount
)

// Upper bounds of the latency buckets, inclusive at millisecond precision.
// Anything slower lands in the final overflow bucket.
var latencyBounds = [...]int64{5, 10, 25, 50, 100, 250, 500}

const latencyBucketCount = len(latencyBounds) + 1

// counter sits on its own cache line so hot counters do not share one.
type counter struct {
	n atomic.Uint64
	_ [56]byte
}

// Metrics is a fixed set of lock-free counters and one latency histogram.
// A nil or disabled Metrics ignores every call.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]counter
	latency       [latencyBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount || id == MetricGuardLatency {
		return
	}
	m.counters[id].n.Add(1)
}

// Observe records d for MetricGuardLatency; other ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricGuardLatency {
		return
	}
	m.latency[latencyBucket(d)].Add(1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return s
	}

	for id := range MetricGuardLatency {
		s.Counters[id] = m.counters[id].n.Load()
	}
	if m.enableLatency {
		buckets := make([]uint64, latencyBucketCount)
		for i := range buckets {
			buckets[i] = m.latency[i].Load()
		}
		s.Histograms[MetricGuardLatency] = buckets
	}
	return s
}

func latencyBucket(d time.Duration) int {
	ms := d.Milliseconds()
	for i, bound := range latencyBounds {
		if ms <= bound {
			return i
		}
	}
	return len(latencyBounds)
}
