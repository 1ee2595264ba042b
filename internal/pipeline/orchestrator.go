// Package pipeline drives a book through its page state machine:
// extraction, optional review, OCR and delivery to the result sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/providers"
)

// Store persists book state after every page transition.
type Store interface {
	Save(ctx context.Context, b *book.Book) error
	MarkExported(ctx context.Context, id string, at time.Time, exportErr error) error
}

// Sink consumes a terminally-statused book and writes its outputs.
type Sink interface {
	Deliver(ctx context.Context, b *book.Book) ([]string, error)
}

// Metrics receives pipeline measurements.
type Metrics interface {
	RecordPage(stage string, status book.PageStatus)
	RecordAttempt(stage string, kind book.ErrorKind)
	RecordBook(status book.BookStatus, elapsed time.Duration)
	RecordOCR(result *providers.OCRResult)
}

// NopMetrics discards measurements.
type NopMetrics struct{}

func (NopMetrics) RecordPage(string, book.PageStatus)        {}
func (NopMetrics) RecordAttempt(string, book.ErrorKind)      {}
func (NopMetrics) RecordBook(book.BookStatus, time.Duration) {}
func (NopMetrics) RecordOCR(*providers.OCRResult)            {}

// Control is the cooperative cancellation flag for one book run. The
// orchestrator checks it between page transitions only.
type Control struct {
	cancelled atomic.Bool
	once      sync.Once
	ch        chan struct{}
}

// NewControl creates an un-cancelled control.
func NewControl() *Control {
	return &Control{ch: make(chan struct{})}
}

// Cancel requests cancellation. Safe to call more than once.
func (c *Control) Cancel() {
	c.once.Do(func() {
		c.cancelled.Store(true)
		close(c.ch)
	})
}

// Cancelled reports whether Cancel was called.
func (c *Control) Cancelled() bool {
	return c != nil && c.cancelled.Load()
}

// Done is closed when Cancel is called. A nil Control never fires.
func (c *Control) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.ch
}

// RunOptions configures one Process call.
type RunOptions struct {
	Review  bool     // stop each extracted page for review before OCR
	Control *Control // nil: only a review abort can cancel the run
}

// Config wires an Orchestrator.
type Config struct {
	Runner        *Runner
	Store         Store    // nil: no persistence
	Sink          Sink     // nil: nothing is delivered
	Reviewer      Reviewer // nil: AutoApprove
	Bus           *Bus     // nil: no events
	Metrics       Metrics  // nil: NopMetrics
	Logger        *slog.Logger
	RenderWorkers int // parallel extraction calls, default 1
}

// Orchestrator owns the page state machine. All Book mutation happens on
// the goroutine calling Process.
type Orchestrator struct {
	runner   *Runner
	store    Store
	sink     Sink
	reviewer Reviewer
	bus      *Bus
	metrics  Metrics
	logger   *slog.Logger
	workers  int
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		runner:   cfg.Runner,
		store:    cfg.Store,
		sink:     cfg.Sink,
		reviewer: cfg.Reviewer,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		workers:  cfg.RenderWorkers,
	}
	if o.reviewer == nil {
		o.reviewer = AutoApprove{}
	}
	if o.metrics == nil {
		o.metrics = NopMetrics{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.workers < 1 {
		o.workers = 1
	}
	return o
}

// Bus returns the event bus, which may be nil.
func (o *Orchestrator) Bus() *Bus {
	return o.bus
}

// run holds the state of one Process call.
type run struct {
	o       *Orchestrator
	b       *book.Book
	opts    RunOptions
	logger  *slog.Logger
	started time.Time
}

// Process drives b until every page is terminal, the run is cancelled, a
// resource error aborts it, or ctx is done.
//
// A cancelled or finished book is delivered to the sink and its final status
// returned. When ctx ends first the book is persisted as-is, left processing,
// and ctx.Err() is returned so the next start resumes it.
func (o *Orchestrator) Process(ctx context.Context, b *book.Book, opts RunOptions) (book.BookStatus, error) {
	if err := b.Validate(); err != nil {
		return b.Status(), book.Content("validate book", err)
	}
	if opts.Control == nil {
		opts.Control = NewControl()
	}

	r := &run{
		o:       o,
		b:       b,
		opts:    opts,
		logger:  o.logger.With("book_id", b.ID, "source", b.SourcePath),
		started: time.Now(),
	}
	return r.process(ctx)
}

func (r *run) process(ctx context.Context) (book.BookStatus, error) {
	r.recoverImages()
	r.logger.Info("processing book", "pages", len(r.b.Pages), "done", r.b.Done(), "review", r.opts.Review)
	r.publish(Event{Type: EventBookStarted})
	if err := r.save(ctx); err != nil {
		return r.abort(ctx, err)
	}

	if err := r.extract(ctx); err != nil {
		return r.stop(ctx, err)
	}
	if err := r.recognize(ctx); err != nil {
		return r.stop(ctx, err)
	}
	if r.cancelled() {
		return r.cancel(ctx)
	}
	return r.finish(ctx)
}

// recoverImages puts pages whose cached image vanished back to pending so
// they are rendered again.
func (r *run) recoverImages() {
	for i := range r.b.Pages {
		p := &r.b.Pages[i]
		switch p.Status {
		case book.PageStatusExtracted, book.PageStatusReviewPending,
			book.PageStatusReviewed, book.PageStatusOcrPending:
			if !r.o.runner.HasImage(p.ImageRef) {
				r.logger.Warn("page image missing, rendering again", "page", p.Number())
				p.Status = book.PageStatusPending
				p.ImageRef = ""
			}
		}
	}
}

// errCancelled marks a user cancellation observed between transitions.
var errCancelled = book.ErrCancelled

func (r *run) cancelled() bool {
	return r.opts.Control.Cancelled()
}

// checkpoint is consulted between page transitions.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.cancelled() {
		return errCancelled
	}
	return nil
}

type extraction struct {
	index int
	ref   string
	err   error
}

// extract renders every pending page. Calls run on up to RenderWorkers
// goroutines and are submitted in ascending index order; their results are
// applied here, on the orchestrator goroutine.
func (r *run) extract(ctx context.Context) error {
	var pending []int
	for _, p := range r.b.Pages {
		if p.Status == book.PageStatusPending {
			pending = append(pending, p.Index)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	bookID, source := r.b.ID, r.b.SourcePath
	stop := r.opts.Control.Done()

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	results := make(chan extraction)
	g, gctx := errgroup.WithContext(feedCtx)
	g.SetLimit(r.o.workers)
	go func() {
		defer close(results)
		for _, idx := range pending {
			if gctx.Err() != nil || r.cancelled() {
				break
			}
			g.Go(func() error {
				ref, err := r.o.runner.Extract(gctx, stop, bookID, source, idx)
				select {
				case results <- extraction{index: idx, ref: ref, err: err}:
				case <-feedCtx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	var abort error
	for res := range results {
		if abort != nil || ctx.Err() != nil || r.cancelled() {
			continue // in-flight result discarded
		}
		if err := r.applyExtraction(ctx, res); err != nil {
			abort = err
			stopFeed()
		}
	}
	if abort != nil {
		return abort
	}
	return r.checkpoint(ctx)
}

func (r *run) applyExtraction(ctx context.Context, res extraction) error {
	p := &r.b.Pages[res.index]
	if res.err == nil {
		p.ImageRef = res.ref
		p.Status = book.PageStatusExtracted
		p.LastError = ""
		p.ErrorMessage = ""
		return r.transition(ctx, StageExtract, p)
	}

	switch book.Classify(res.err) {
	case book.KindResource:
		return res.err
	case book.KindCancelled:
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
	}

	r.logger.Warn("render failed", "page", p.Number(), "error", res.err)
	p.Status = book.PageStatusRenderFailed
	p.LastError = book.Classify(res.err)
	p.ErrorMessage = res.err.Error()
	return r.transition(ctx, StageExtract, p)
}

// recognize walks extracted pages in ascending index order through review
// and OCR.
func (r *run) recognize(ctx context.Context) error {
	for i := range r.b.Pages {
		if r.b.Pages[i].Status.IsTerminal() {
			continue
		}
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		if err := r.review(ctx, i); err != nil {
			return err
		}
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		if err := r.ocr(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) review(ctx context.Context, i int) error {
	p := &r.b.Pages[i]
	if !r.opts.Review || (p.Status != book.PageStatusExtracted && p.Status != book.PageStatusReviewPending) {
		return nil
	}

	if p.Status == book.PageStatusExtracted {
		p.Status = book.PageStatusReviewPending
		if err := r.transition(ctx, StageReview, p); err != nil {
			return err
		}
	}

	// A reviewer waits on a person, so a cancel request interrupts it.
	reviewCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.opts.Control.Done():
			cancel()
		case <-reviewCtx.Done():
		}
	}()

	err := r.o.reviewer.Review(reviewCtx, r.b.Snapshot(), *p)
	switch {
	case err == nil:
	case errors.Is(err, ErrReviewAborted):
		r.logger.Info("review aborted", "page", p.Number())
		r.opts.Control.Cancel()
		return errCancelled
	default:
		if cerr := r.checkpoint(ctx); cerr != nil {
			return cerr
		}
		return err
	}

	p.Status = book.PageStatusReviewed
	return r.transition(ctx, StageReview, p)
}

func (r *run) ocr(ctx context.Context, i int) error {
	p := &r.b.Pages[i]
	switch p.Status {
	case book.PageStatusExtracted, book.PageStatusReviewed, book.PageStatusOcrPending:
	default:
		return nil
	}

	if p.Status != book.PageStatusOcrPending {
		p.Status = book.PageStatusOcrPending
		if err := r.transition(ctx, StageOCR, p); err != nil {
			return err
		}
	}

	var saveErr error
	result, err := r.o.runner.OCR(ctx, r.opts.Control.Done(), *p, func(attempts int) {
		p.Attempts = attempts
		if err := r.save(ctx); err != nil && saveErr == nil {
			saveErr = err
		}
	})
	if saveErr != nil {
		return saveErr
	}
	if cerr := r.checkpoint(ctx); cerr != nil {
		return cerr // result of the in-flight call is discarded
	}

	if err != nil {
		if book.Classify(err) == book.KindResource {
			return err
		}
		r.logger.Warn("ocr failed", "page", p.Number(), "attempts", p.Attempts, "error", err)
		p.Status = book.PageStatusOcrFailed
		p.LastError = book.Classify(err)
		p.ErrorMessage = err.Error()
		return r.transition(ctx, StageOCR, p)
	}

	p.Text = result.Text
	p.Status = book.PageStatusOcrDone
	p.LastError = ""
	p.ErrorMessage = ""
	r.logger.Debug("page recognized", "page", p.Number(), "attempts", p.Attempts, "chars", len(result.Text))
	return r.transition(ctx, StageOCR, p)
}

// transition records a page change: persist, measure, announce.
func (r *run) transition(ctx context.Context, stage string, p *book.Page) error {
	r.o.metrics.RecordPage(stage, p.Status)
	page := *p
	r.publish(Event{Type: EventPageUpdated, Page: &page})
	return r.save(ctx)
}

func (r *run) publish(e Event) {
	e.BookID = r.b.ID
	e.Source = r.b.SourcePath
	e.Status = r.b.Status()
	e.Done = r.b.Done()
	e.Total = len(r.b.Pages)
	r.o.bus.Publish(e)
}

// save persists the book even while ctx is shutting down, so progress made
// by the last transition is never lost.
func (r *run) save(ctx context.Context) error {
	if r.o.store == nil {
		return nil
	}
	if err := r.o.store.Save(context.WithoutCancel(ctx), r.b); err != nil {
		return book.Resource("save manifest", err)
	}
	return nil
}

// stop routes an error that ended a phase early.
func (r *run) stop(ctx context.Context, err error) (book.BookStatus, error) {
	switch {
	case ctx.Err() != nil:
		r.logger.Info("shutdown during processing, book will resume", "done", r.b.Done())
		_ = r.save(ctx)
		return r.b.Status(), ctx.Err()
	case r.cancelled() || errors.Is(err, errCancelled):
		return r.cancel(ctx)
	default:
		return r.abort(ctx, err)
	}
}

func (r *run) cancel(ctx context.Context) (book.BookStatus, error) {
	n := r.b.CancelRemaining()
	r.logger.Info("book cancelled", "pages_cancelled", n)
	for i := range r.b.Pages {
		if r.b.Pages[i].Status == book.PageStatusCancelled {
			r.o.metrics.RecordPage(StageSave, book.PageStatusCancelled)
		}
	}
	if err := r.save(ctx); err != nil {
		r.logger.Error("failed to persist cancellation", "error", err)
	}
	return r.finish(ctx)
}

// abort ends the book on a resource error: every open page fails with it.
func (r *run) abort(ctx context.Context, cause error) (book.BookStatus, error) {
	n := r.b.FailRemaining(cause)
	r.logger.Error("book aborted", "error", cause, "pages_failed", n)
	if err := r.save(ctx); err != nil {
		r.logger.Error("failed to persist abort", "error", err)
	}
	status, _ := r.finish(ctx)
	return status, cause
}

// finish announces the terminal status and hands the book to the sink.
func (r *run) finish(ctx context.Context) (book.BookStatus, error) {
	status := r.b.Status()
	elapsed := time.Since(r.started)
	r.o.metrics.RecordBook(status, elapsed)
	r.publish(Event{Type: EventBookFinished})
	r.logger.Info("book finished",
		"status", status,
		"done", r.b.Counts()[book.PageStatusOcrDone],
		"failed", len(r.b.FailedPages()),
		"elapsed", elapsed.Round(time.Millisecond))

	if r.o.sink == nil || !status.IsTerminal() {
		return status, nil
	}

	deliverCtx := context.WithoutCancel(ctx)
	paths, err := r.o.sink.Deliver(deliverCtx, r.b.Snapshot())
	if r.o.store != nil {
		if merr := r.o.store.MarkExported(deliverCtx, r.b.ID, time.Now().UTC(), err); merr != nil {
			r.logger.Error("failed to record export", "error", merr)
		}
	}
	if err != nil {
		r.logger.Error("export failed", "error", err)
		r.publish(Event{Type: EventBookExported, Error: err.Error()})
		return status, fmt.Errorf("export %s: %w", r.b.Stem(), err)
	}
	for _, p := range paths {
		r.logger.Info("exported", "path", p)
	}
	r.publish(Event{Type: EventBookExported, Paths: paths})
	return status, nil
}
