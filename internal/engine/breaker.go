package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openutility/flume/internal/domain"
)

// breaker is a per-rule circuit breaker. After threshold consecutive
// failures the rule is skipped until the cooldown elapses. State is held
// in atomics so concurrent evaluations never serialize on it.
type breaker struct {
	failures  atomic.Int64
	openUntil atomic.Int64 // unix nanos; 0 = closed
	threshold int64
	cooldown  time.Duration
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: int64(threshold),
		cooldown:  cooldown,
	}
}

// allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed closes half-open: the next call runs and decides the state.
func (b *breaker) allow(now time.Time) bool {
	until := b.openUntil.Load()
	if until == 0 {
		return true
	}
	if now.UnixNano() < until {
		return false
	}
	// Cooldown elapsed: let one caller through to probe.
	if b.openUntil.CompareAndSwap(until, 0) {
		b.failures.Store(0)
	}
	return true
}

func (b *breaker) success() {
	b.failures.Store(0)
}

func (b *breaker) failure(now time.Time) {
	if b.failures.Add(1) >= b.threshold {
		b.openUntil.Store(now.Add(b.cooldown).UnixNano())
	}
}

// breakerSet owns the per-rule breakers. Breakers outlive policy reloads
// so a hot-reloaded rule keeps its failure history.
type breakerSet struct {
	mu               sync.Mutex
	breakers         map[string]*breaker
	defaultThreshold int
}

func newBreakerSet(defaultThreshold int) *breakerSet {
	if defaultThreshold <= 0 {
		defaultThreshold = 5
	}
	return &breakerSet{
		breakers:         make(map[string]*breaker),
		defaultThreshold: defaultThreshold,
	}
}

// forRule returns the rule's breaker, creating it from the rule's
// configuration on first use. Rules without a breaker config fall back to
// the engine default threshold and a cooldown of ten timeouts.
func (s *breakerSet) forRule(r *domain.Rule) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[r.ID]; ok {
		return b
	}

	threshold := s.defaultThreshold
	cooldown := time.Duration(r.TimeoutMs) * time.Millisecond * 10
	if r.CircuitBreaker != nil {
		if r.CircuitBreaker.Threshold > 0 {
			threshold = r.CircuitBreaker.Threshold
		}
		if r.CircuitBreaker.OpenDurationMs > 0 {
			cooldown = time.Duration(r.CircuitBreaker.OpenDurationMs) * time.Millisecond
		}
	}

	b := newBreaker(threshold, cooldown)
	s.breakers[r.ID] = b
	return b
}
