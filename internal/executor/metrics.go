package executor

import (
	"sort"
	"sync"
	"time"
)

const latencySampleCap = 512

// providerMetrics accumulates per-provider health data. The latency
// buffer is a bounded ring so long-lived providers don't grow memory.
type providerMetrics struct {
	mu              sync.Mutex
	count           int64
	successCount    int64
	failureCount    int64
	totalLatency    time.Duration
	samples         []time.Duration
	next            int
	lastError       string
	lastRequestTime time.Time
}

// MetricsSnapshot is the non-blocking read view of one provider's health.
type MetricsSnapshot struct {
	Provider        string        `json:"provider"`
	Count           int64         `json:"count"`
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	AvgLatency      time.Duration `json:"avg_latency"`
	P50Latency      time.Duration `json:"p50_latency"`
	P95Latency      time.Duration `json:"p95_latency"`
	P99Latency      time.Duration `json:"p99_latency"`
	LastError       string        `json:"last_error,omitempty"`
	LastRequestTime time.Time     `json:"last_request_time"`
	CircuitState    string        `json:"circuit_state"`
}

func (m *providerMetrics) record(latency time.Duration, err error, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.totalLatency += latency
	m.lastRequestTime = at
	if err != nil {
		m.failureCount++
		m.lastError = err.Error()
	} else {
		m.successCount++
	}
	if len(m.samples) < latencySampleCap {
		m.samples = append(m.samples, latency)
	} else {
		m.samples[m.next] = latency
		m.next = (m.next + 1) % latencySampleCap
	}
}

func (m *providerMetrics) snapshot(provider, circuitState string) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		Provider:        provider,
		Count:           m.count,
		SuccessCount:    m.successCount,
		FailureCount:    m.failureCount,
		LastError:       m.lastError,
		LastRequestTime: m.lastRequestTime,
		CircuitState:    circuitState,
	}
	if m.count > 0 {
		snap.AvgLatency = m.totalLatency / time.Duration(m.count)
	}
	if len(m.samples) > 0 {
		sorted := make([]time.Duration, len(m.samples))
		copy(sorted, m.samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.P50Latency = durationPercentile(sorted, 50)
		snap.P95Latency = durationPercentile(sorted, 95)
		snap.P99Latency = durationPercentile(sorted, 99)
	}
	return snap
}

func durationPercentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
