package gateway

import (
	"sync"

	"github.com/penserai/acteon/pkg/metrics"
)

// Stable counter names exported by the gateway.
const (
	MetricDispatched   = "dispatched"
	MetricExecuted     = "executed"
	MetricSuppressed   = "suppressed"
	MetricDeduplicated = "deduplicated"
	MetricRerouted     = "rerouted"
	MetricThrottled    = "throttled"
	MetricFailed       = "failed"
	MetricScheduled    = "scheduled"
	MetricGrouped      = "grouped"
	MetricCircuitOpen  = "circuit_open"
)

// Counters tracks the stable dispatch counters, mirroring every
// increment into the Prometheus recorder when one is attached. It also
// serves as the executor's CounterSink.
type Counters struct {
	mu  sync.Mutex
	m   map[string]int64
	rec *metrics.Recorder
}

func NewCounters(rec *metrics.Recorder) *Counters {
	return &Counters{m: make(map[string]int64), rec: rec}
}

// Inc bumps the named counter.
func (c *Counters) Inc(name string) {
	c.mu.Lock()
	c.m[name]++
	c.mu.Unlock()
	if c.rec != nil {
		c.rec.Counter("acteon_"+name+"_total", nil, 1)
	}
}

// Get reads one counter's current value.
func (c *Counters) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

// Snapshot copies all counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
