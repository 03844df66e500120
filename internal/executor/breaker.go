package executor

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/penserai/acteon/internal/core"
)

// BreakerConfig holds the per-provider circuit-breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before Open
	SuccessThreshold int           // half-open probe successes before Closed
	RecoveryTimeout  time.Duration // Open duration before HalfOpen
	FallbackProvider string        // optional reroute while open
}

// DefaultBreakerConfig returns the default circuit settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// breaker wraps a gobreaker instance per provider, adding the manual
// trip/reset overrides the admin surface exposes. Trip forces rejections
// until Reset; Reset also rebuilds the underlying breaker so its failure
// counters start clean.
type breaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	gb     *gobreaker.CircuitBreaker[core.ProviderResponse]
	forced bool
}

func newBreaker(name string, cfg BreakerConfig) *breaker {
	b := &breaker{cfg: cfg}
	b.gb = b.build(name)
	return b
}

func (b *breaker) build(name string) *gobreaker.CircuitBreaker[core.ProviderResponse] {
	return gobreaker.NewCircuitBreaker[core.ProviderResponse](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(b.cfg.SuccessThreshold),
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.cfg.FailureThreshold)
		},
	})
}

// open reports whether calls would currently be rejected.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forced || b.gb.State() == gobreaker.StateOpen
}

func (b *breaker) state() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forced {
		return "open"
	}
	switch b.gb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// execute runs fn through the breaker, mapping gobreaker's rejection
// errors onto the CircuitOpen taxonomy kind.
func (b *breaker) execute(fn func() (core.ProviderResponse, error)) (core.ProviderResponse, error) {
	b.mu.Lock()
	if b.forced {
		b.mu.Unlock()
		return core.ProviderResponse{}, NewError(ErrCircuitOpen, "circuit manually tripped")
	}
	gb := b.gb
	b.mu.Unlock()

	resp, err := gb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return core.ProviderResponse{}, NewError(ErrCircuitOpen, "circuit open")
		}
		return core.ProviderResponse{}, err
	}
	return resp, nil
}

// trip forces the breaker open until reset.
func (b *breaker) trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
}

// reset clears a manual trip and rebuilds the breaker closed.
func (b *breaker) reset(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.gb = b.build(name)
}
