package engine

import (
	"math/rand"
	"time"

	"github.com/openutility/flume/internal/domain"
)

const (
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

// backoffDelay returns the wait before retry attempt n (0-based), using
// exponential backoff with full jitter: a uniform draw from [0, cap) where
// cap doubles per attempt up to the policy maximum. Full jitter keeps
// concurrent retries of the same rule from synchronizing.
func backoffDelay(attempt int, p *domain.RetryPolicy) time.Duration {
	base := defaultBaseDelay
	max := defaultMaxDelay
	if p != nil {
		if p.BaseDelayMs > 0 {
			base = time.Duration(p.BaseDelayMs) * time.Millisecond
		}
		if p.MaxDelayMs > 0 {
			max = time.Duration(p.MaxDelayMs) * time.Millisecond
		}
	}

	ceiling := base << uint(attempt)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// maxAttempts resolves the attempt budget for a rule. No retry policy
// means one attempt.
func maxAttempts(p *domain.RetryPolicy) int {
	if p == nil || p.MaxAttempts <= 1 {
		return 1
	}
	return p.MaxAttempts
}
