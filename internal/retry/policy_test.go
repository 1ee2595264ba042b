package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jackzampolin/auralens/internal/book"
)

type rateLimited struct{ after time.Duration }

func (e rateLimited) Error() string             { return "rate limited" }
func (e rateLimited) Kind() book.ErrorKind      { return book.KindTransient }
func (e rateLimited) RetryAfter() time.Duration { return e.after }

func TestDecide(t *testing.T) {
	p := Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 4 * time.Second},
		MaxDelay:    time.Minute,
	}
	transient := book.Transient("ocr", errors.New("connection reset"))

	tests := []struct {
		name     string
		attempts int
		err      error
		want     Decision
	}{
		{"first failure", 1, transient, Decision{Retry: true, Delay: time.Second}},
		{"second failure", 2, transient, Decision{Retry: true, Delay: 4 * time.Second}},
		{"exhausted", 3, transient, GiveUp},
		{"past max", 7, transient, GiveUp},
		{"content error", 1, book.Content("ocr", errors.New("bad json")), GiveUp},
		{"resource error", 1, book.Resource("cache", errors.New("eperm")), GiveUp},
		{"unknown error", 1, errors.New("mystery"), GiveUp},
		{"nil error", 1, nil, GiveUp},
		{"retry-after raises delay", 1, rateLimited{after: 30 * time.Second}, Decision{Retry: true, Delay: 30 * time.Second}},
		{"retry-after capped", 1, rateLimited{after: time.Hour}, Decision{Retry: true, Delay: time.Minute}},
		{"short retry-after ignored", 2, rateLimited{after: time.Millisecond}, Decision{Retry: true, Delay: 4 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.attempts, tt.err))
		})
	}
}

func TestDecide_ScheduleRepeatsLastEntry(t *testing.T) {
	p := Policy{MaxAttempts: 10, Backoff: []time.Duration{time.Second, 2 * time.Second}}
	d := p.Decide(6, book.Transient("ocr", errors.New("timeout")))
	assert.True(t, d.Retry)
	assert.Equal(t, 2*time.Second, d.Delay)
}

func TestDecide_ExactAttemptBound(t *testing.T) {
	err := book.Transient("ocr", errors.New("503"))
	for _, max := range []int{1, 2, 3, 5} {
		p := Policy{MaxAttempts: max}
		attempts := 0
		for {
			attempts++
			if !p.Decide(attempts, err).Retry {
				break
			}
		}
		assert.Equal(t, max, attempts, "max=%d", max)
	}
}

func TestDecide_ZeroMaxAttemptsMeansOne(t *testing.T) {
	p := Policy{}
	assert.Equal(t, GiveUp, p.Decide(1, book.Transient("x", errors.New("y"))))
	assert.Equal(t, 1, p.Remaining(0))
}

func TestRemaining(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.Remaining(0))
	assert.Equal(t, 1, p.Remaining(2))
	assert.Equal(t, 0, p.Remaining(3))
	assert.Equal(t, 0, p.Remaining(9))
}

func TestClamp(t *testing.T) {
	p := Policy{MaxDelay: time.Minute}
	assert.Equal(t, time.Minute, p.Clamp(time.Hour))
	assert.Equal(t, time.Second, p.Clamp(time.Second))
	assert.Equal(t, time.Hour, Policy{}.Clamp(time.Hour))
}
