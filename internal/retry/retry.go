// Package retry implements the per-part retry loop: transient-error
// classification plus exponential backoff with jitter.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	uperrors "github.com/cirrusdrive/cirrus-go/upload/errors"
	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// DefaultJitter is the upper bound of the random delay added to each backoff
// step to spread out concurrent retries.
const DefaultJitter = 250 * time.Millisecond

// maxShift caps the backoff exponent so the shift cannot overflow.
const maxShift = 32

// Policy drives the retry loop for one class of operations. The zero value
// retries nothing; build one from server policy with FromPolicy.
type Policy struct {
	// MaxRetries is how many times a failed attempt is retried. The total
	// number of attempts is MaxRetries+1.
	MaxRetries int

	// BaseDelay is the backoff base: delay(n) = BaseDelay * 2^n, capped.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay, jitter included.
	MaxDelay time.Duration

	// Jitter is the exclusive upper bound of the random delay component.
	// Zero disables jitter, which makes Delay deterministic.
	Jitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// FromPolicy builds a retry policy from normalized server tunables.
func FromPolicy(p uploadtypes.Policy) *Policy {
	p = p.Normalized()
	return &Policy{
		MaxRetries: p.RetryMax,
		BaseDelay:  p.RetryBaseDelay,
		MaxDelay:   p.RetryMaxDelay,
		Jitter:     DefaultJitter,
	}
}

// Delay returns the backoff delay before retry number attempt+1:
// min(BaseDelay * 2^attempt + random(0, Jitter), MaxDelay).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if j := p.jitter(); j > 0 {
		d += j
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

func (p *Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rng.Int63n(int64(p.Jitter)))
}

// Do runs fn, retrying transient failures with backoff until it succeeds,
// retries are exhausted, or the context is cancelled. Cancellation is never
// masked by a retry: a cancelled context re-raises the current failure
// immediately, and cancellation during a backoff sleep surfaces as the
// context's error.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !uperrors.IsRetriable(err) || attempt >= p.MaxRetries {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
