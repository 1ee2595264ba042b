package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/ingest"
	"github.com/jackzampolin/auralens/internal/providers"
	rpolicy "github.com/jackzampolin/auralens/internal/retry"
)

// Stage names used in logs, events and metrics.
const (
	StageExtract = "extract"
	StageReview  = "review"
	StageOCR     = "ocr"
	StageSave    = "save"
)

// ErrRetryBudgetExhausted is returned when a page has no attempts left before
// the stage is even tried, which happens when a run is resumed after the last
// attempt failed.
var ErrRetryBudgetExhausted = book.Transient("retry", errors.New("retry budget exhausted"))

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Rasterizer ingest.Rasterizer
	Provider   providers.OCRProvider
	Limiter    *providers.RateLimiter // nil disables rate limiting
	Cache      *ingest.PageCache
	Policy     rpolicy.Policy

	DPI           int
	MaxPixels     int
	RenderTimeout time.Duration
	OCRTimeout    time.Duration
	Prompt        string
	SystemPrompt  string

	Metrics Metrics
}

// Runner executes one stage call for one page. It owns per-call timeouts
// and retries; it never touches a Book.
type Runner struct {
	cfg     RunnerConfig
	metrics Metrics
}

// NewRunner creates a stage runner.
func NewRunner(cfg RunnerConfig) *Runner {
	m := cfg.Metrics
	if m == nil {
		m = NopMetrics{}
	}
	return &Runner{cfg: cfg, metrics: m}
}

// Policy returns the retry policy in effect.
func (r *Runner) Policy() rpolicy.Policy {
	return r.cfg.Policy
}

// HasImage reports whether a page image reference is still usable.
func (r *Runner) HasImage(ref string) bool {
	return r.cfg.Cache.Exists(ref)
}

// Extract renders one page and stores it in the page cache. A cached image
// is reused without calling the rasterizer. Only timeouts are retried.
func (r *Runner) Extract(ctx context.Context, stop <-chan struct{}, bookID, source string, index int) (string, error) {
	if ref, ok := r.cfg.Cache.Lookup(bookID, index); ok {
		return ref, nil
	}

	var image []byte
	err := r.do(ctx, stop, stageCall{
		stage: StageExtract,
		call: func(ctx context.Context, _ int) error {
			callCtx, cancel := withTimeout(ctx, r.cfg.RenderTimeout)
			defer cancel()

			data, err := r.cfg.Rasterizer.Render(callCtx, ingest.RenderRequest{
				SourcePath: source,
				PageIndex:  index,
				DPI:        r.cfg.DPI,
			})
			if err != nil {
				return err
			}
			image = data
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	return r.cfg.Cache.Put(bookID, index, image)
}

// OCR sends a cached page image to the provider. page.Attempts counts
// attempts already spent; onAttempt receives the new total right before each
// provider call.
func (r *Runner) OCR(ctx context.Context, stop <-chan struct{}, page book.Page, onAttempt func(attempts int)) (*providers.OCRResult, error) {
	image, err := r.cfg.Cache.Load(page.ImageRef)
	if err != nil {
		return nil, err
	}

	var result *providers.OCRResult
	err = r.do(ctx, stop, stageCall{
		stage:     StageOCR,
		spent:     page.Attempts,
		gate:      r.cfg.Limiter.Wait,
		onAttempt: onAttempt,
		call: func(ctx context.Context, _ int) error {
			callCtx, cancel := withTimeout(ctx, r.cfg.OCRTimeout)
			defer cancel()

			res, err := r.cfg.Provider.ProcessImage(callCtx, providers.OCRRequest{
				Image:        image,
				PageNum:      page.Number(),
				Prompt:       r.cfg.Prompt,
				SystemPrompt: r.cfg.SystemPrompt,
				MaxPixels:    r.cfg.MaxPixels,
			})
			if err != nil {
				if rl, ok := providers.IsRateLimitError(err); ok {
					r.cfg.Limiter.Record429(r.cfg.Policy.Clamp(rl.RetryAfter()))
				}
				return err
			}
			r.metrics.RecordOCR(res)
			result = res
			return nil
		},
	})
	return result, err
}

type stageCall struct {
	stage     string
	spent     int
	gate      func(ctx context.Context) error // runs before each attempt, not counted
	onAttempt func(attempts int)
	call      func(ctx context.Context, attempts int) error
}

// do runs sc.call until it succeeds or the retry policy gives up. Backoff
// and gate waits end early when stop is closed; an in-flight call is never
// interrupted by stop. A gate wait longer than the call timeout fails the
// attempt as transient.
func (r *Runner) do(ctx context.Context, stop <-chan struct{}, sc stageCall) error {
	policy := r.cfg.Policy
	remaining := policy.Remaining(sc.spent)
	if remaining < 1 {
		return ErrRetryBudgetExhausted
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	attempts := sc.spent
	return retry.Do(
		func() error {
			if sc.gate != nil {
				if err := r.gate(waitCtx, sc); err != nil {
					return err
				}
			}
			attempts++
			if sc.onAttempt != nil {
				sc.onAttempt(attempts)
			}
			err := sc.call(ctx, attempts)
			r.metrics.RecordAttempt(sc.stage, book.Classify(err))
			return err
		},
		retry.Context(waitCtx),
		retry.Attempts(uint(remaining)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return policy.Decide(attempts, err).Retry
		}),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			return policy.Decide(attempts, err).Delay
		}),
	)
}

func (r *Runner) gate(ctx context.Context, sc stageCall) error {
	gateCtx, cancel := withTimeout(ctx, r.cfg.OCRTimeout)
	defer cancel()
	err := sc.gate(gateCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return book.Transient(sc.stage+" rate limit", err)
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
