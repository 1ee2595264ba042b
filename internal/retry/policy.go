// Package retry decides whether a failed stage call should be attempted again.
package retry

import (
	"fmt"
	"time"

	"github.com/jackzampolin/auralens/internal/book"
)

// Defaults used when configuration leaves a field unset.
var (
	DefaultMaxAttempts = 3
	DefaultBackoff     = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	DefaultMaxDelay    = 2 * time.Minute
)

// Policy is a stage-scoped retry configuration.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff is the delay schedule. Attempt n waits Backoff[n-1]; the last
	// entry repeats once the schedule is exhausted.
	Backoff []time.Duration
	// MaxDelay caps any delay, including server retry hints. Zero means no cap.
	MaxDelay time.Duration
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the zero Decision.
var GiveUp = Decision{}

func (d Decision) String() string {
	if !d.Retry {
		return "give up"
	}
	return fmt.Sprintf("retry after %s", d.Delay)
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     append([]time.Duration(nil), DefaultBackoff...),
		MaxDelay:    DefaultMaxDelay,
	}
}

// Decide returns whether to retry after attempts attempts, the last of which
// failed with err. It has no side effects.
func (p Policy) Decide(attempts int, err error) Decision {
	if err == nil || !book.IsTransient(err) {
		return GiveUp
	}
	if attempts >= p.maxAttempts() {
		return GiveUp
	}

	delay := p.delayFor(attempts)
	if hint := book.RetryAfter(err); hint > delay {
		delay = hint
	}
	return Decision{Retry: true, Delay: p.Clamp(delay)}
}

// Clamp caps d at MaxDelay.
func (p Policy) Clamp(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Remaining returns how many attempts are left after attempts were spent.
func (p Policy) Remaining(attempts int) int {
	if r := p.maxAttempts() - attempts; r > 0 {
		return r
	}
	return 0
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) delayFor(attempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}
