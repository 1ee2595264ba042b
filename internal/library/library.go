// Package library turns source files into queued jobs. It is the single
// place that decides whether a file is new, resumable, already exported or
// due for a restart, shared by the inbox, the HTTP API and the CLI.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/ingest"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/manifest"
	"github.com/jackzampolin/auralens/internal/pipeline"
)

var (
	// ErrAlreadyExported is returned when an Inbox file maps to a book that
	// already finished and was delivered.
	ErrAlreadyExported = errors.New("book already processed and exported")

	// ErrNotResumable is returned by Resume for a book with nothing to resume.
	ErrNotResumable = errors.New("book has no cancelled or unfinished pages")
)

// Config wires a Service.
type Config struct {
	Queue      *jobs.Queue
	Manifest   *manifest.Store
	Rasterizer ingest.Rasterizer
	Sink       pipeline.Sink // delivers books cancelled before they started
	Review     bool          // default review mode for manual submissions

	// ClearCache drops cached page images on restart. Optional.
	ClearCache func(bookID string) error

	Logger *slog.Logger
}

// Service owns submission, cancel, resume and restart.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger.With("component", "library")}
}

// SubmitOptions configures Submit.
type SubmitOptions struct {
	Origin       book.Origin
	Review       *bool  // nil: service default for manual, false for inbox
	OutputTarget string // optional explicit output path
	Restart      bool   // discard previous progress
}

// Submit identifies the file at path and enqueues it. A known book resumes
// from its persisted pages; a new one is opened and its pages counted.
// Inbox submissions of a book that was already exported return
// ErrAlreadyExported.
func (s *Service) Submit(ctx context.Context, path string, opts SubmitOptions) (jobs.Info, error) {
	if opts.Origin == "" {
		opts.Origin = book.OriginManual
	}
	id, err := book.Identify(path)
	if err != nil {
		return jobs.Info{}, err
	}
	if job, ok := s.cfg.Queue.Get(id.ID); ok {
		return job.Info(), fmt.Errorf("%w: %s", jobs.ErrDuplicate, id.Path)
	}

	rec, err := s.cfg.Manifest.Get(ctx, id.ID)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		rec = nil
	case err != nil:
		return jobs.Info{}, err
	}

	var b *book.Book
	switch {
	case rec == nil:
		b, err = ingest.Open(ctx, s.cfg.Rasterizer, id.Path, opts.Origin)
		if err != nil {
			return jobs.Info{}, err
		}
		s.logger.Info("new book", "book_id", b.ID, "path", b.SourcePath, "pages", len(b.Pages))

	case opts.Restart:
		b = rec.Book
		s.restart(b)

	case opts.Origin == book.OriginInbox && rec.Status.IsTerminal() && rec.Exported():
		return jobs.Info{}, fmt.Errorf("%w: %s (%s)", ErrAlreadyExported, id.Path, rec.Status)

	default:
		b = rec.Book
		s.logger.Info("resuming book",
			"book_id", b.ID,
			"status", rec.Status,
			"done", b.Done(),
			"total", len(b.Pages))
	}

	if opts.OutputTarget != "" {
		b.OutputTarget = opts.OutputTarget
	}
	b.Origin = opts.Origin
	return s.enqueue(ctx, b, s.review(opts))
}

// Cancel stops a queued or running book.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.cfg.Queue.Cancel(id); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			if _, mErr := s.cfg.Manifest.Get(ctx, id); mErr == nil {
				return fmt.Errorf("book %s is not queued or running: %w", id, err)
			}
		}
		return err
	}
	return nil
}

// Resume re-queues a cancelled or unfinished book. Pages already done are
// kept; cancelled pages become pending with their attempts preserved.
func (s *Service) Resume(ctx context.Context, id string) (jobs.Info, error) {
	rec, err := s.cfg.Manifest.Get(ctx, id)
	if err != nil {
		return jobs.Info{}, err
	}
	b := rec.Book
	resumed := b.ResumeFromCancel()
	if resumed == 0 && b.Status().IsTerminal() {
		return jobs.Info{}, fmt.Errorf("%w: %s is %s", ErrNotResumable, id, rec.Status)
	}
	s.logger.Info("resume requested", "book_id", id, "pages", resumed)
	return s.enqueue(ctx, b, false)
}

// Restart re-queues a book from scratch: every page pending, attempts zero.
func (s *Service) Restart(ctx context.Context, id string) (jobs.Info, error) {
	if job, ok := s.cfg.Queue.Get(id); ok {
		return job.Info(), fmt.Errorf("%w: cancel book %s before restarting it", jobs.ErrDuplicate, id)
	}
	rec, err := s.cfg.Manifest.Get(ctx, id)
	if err != nil {
		return jobs.Info{}, err
	}
	s.restart(rec.Book)
	return s.enqueue(ctx, rec.Book, false)
}

// PageEdit reports the outcome of EditPage.
type PageEdit struct {
	ID        string          `json:"id"`
	Page      int             `json:"page"`
	Status    book.BookStatus `json:"status"`
	Delivered []string        `json:"delivered,omitempty"`
}

// EditPage replaces the text of page n (1-based) with a user correction. A
// book that is already terminal is delivered again so its outputs carry the
// edit. Books with an active job are refused.
func (s *Service) EditPage(ctx context.Context, id string, n int, text string) (PageEdit, error) {
	rec, err := s.cfg.Manifest.Get(ctx, id)
	if err != nil {
		return PageEdit{}, err
	}
	b := rec.Book
	if err := s.active(b); err != nil {
		return PageEdit{}, err
	}
	if err := b.EditPage(n-1, text); err != nil {
		return PageEdit{}, fmt.Errorf("book %s page %d: %w", id, n, err)
	}
	if err := s.cfg.Manifest.Save(ctx, b); err != nil {
		return PageEdit{}, book.Resource("save manifest", err)
	}

	edit := PageEdit{ID: id, Page: n, Status: b.Status()}
	s.logger.Info("page edited", "book_id", id, "page", n, "status", edit.Status)
	if !edit.Status.IsTerminal() || s.cfg.Sink == nil {
		return edit, nil
	}

	paths, err := s.cfg.Sink.Deliver(ctx, b)
	if mErr := s.cfg.Manifest.MarkExported(ctx, id, time.Now(), err); mErr != nil {
		s.logger.Error("failed to record export", "book_id", id, "error", mErr)
	}
	if err != nil {
		return edit, fmt.Errorf("deliver edited book %s: %w", id, err)
	}
	edit.Delivered = paths
	return edit, nil
}

// RescanPage resets page n (1-based) and re-queues the book. Other pages keep
// their results, so only that page is rendered and recognized again.
func (s *Service) RescanPage(ctx context.Context, id string, n int) (jobs.Info, error) {
	rec, err := s.cfg.Manifest.Get(ctx, id)
	if err != nil {
		return jobs.Info{}, err
	}
	b := rec.Book
	if err := s.active(b); err != nil {
		return jobs.Info{}, err
	}
	if err := b.ResetPage(n - 1); err != nil {
		return jobs.Info{}, fmt.Errorf("book %s page %d: %w", id, n, err)
	}
	s.logger.Info("page rescan requested", "book_id", id, "page", n)
	return s.enqueue(ctx, b, false)
}

// ResumePending re-queues every Inbox book the manifest still owes work on.
// Books whose source file is gone are skipped.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	recs, err := s.cfg.Manifest.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending books: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if _, err := book.Identify(rec.Book.SourcePath); err != nil {
			s.logger.Warn("skipping pending book, source unreadable",
				"book_id", rec.Book.ID, "path", rec.Book.SourcePath, "error", err)
			continue
		}
		if _, err := s.enqueue(ctx, rec.Book, false); err != nil {
			s.logger.Warn("could not resume book", "book_id", rec.Book.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("resumed pending books", "count", n)
	}
	return n, nil
}

// Discarded finalizes a job cancelled before it started: the cancelled book
// is persisted and its partial output delivered. Install it as the queue's
// Discarded hook.
func (s *Service) Discarded(job *jobs.Job, b *book.Book) {
	ctx := context.Background()
	if err := s.cfg.Manifest.Save(ctx, b); err != nil {
		s.logger.Error("failed to save discarded book", "book_id", b.ID, "error", err)
		return
	}
	if s.cfg.Sink == nil {
		return
	}
	paths, err := s.cfg.Sink.Deliver(ctx, b)
	if err != nil {
		s.logger.Error("failed to deliver discarded book", "book_id", b.ID, "error", err)
	}
	if mErr := s.cfg.Manifest.MarkExported(ctx, b.ID, time.Now(), err); mErr != nil {
		s.logger.Error("failed to record export", "book_id", b.ID, "error", mErr)
	}
	s.logger.Info("cancelled queued book", "book_id", b.ID, "job_id", job.ID, "paths", paths)
}

func (s *Service) restart(b *book.Book) {
	if s.cfg.ClearCache != nil {
		if err := s.cfg.ClearCache(b.ID); err != nil {
			s.logger.Warn("failed to clear page cache", "book_id", b.ID, "error", err)
		}
	}
	b.Restart()
	for i := range b.Pages {
		b.Pages[i].ImageRef = ""
	}
	s.logger.Info("restarting book", "book_id", b.ID, "pages", len(b.Pages))
}

func (s *Service) review(opts SubmitOptions) bool {
	if opts.Review != nil {
		return *opts.Review
	}
	return opts.Origin == book.OriginManual && s.cfg.Review
}

// active rejects a book that already has a pending or running job, so the
// caller never overwrites the record a worker is still writing.
func (s *Service) active(b *book.Book) error {
	if job, ok := s.cfg.Queue.Get(b.ID); ok {
		return fmt.Errorf("%w: book %s is %s", jobs.ErrDuplicate, b.ID, job.Info().State)
	}
	if s.cfg.Queue.Known(b.SourcePath) {
		return fmt.Errorf("%w: %s", jobs.ErrDuplicate, b.SourcePath)
	}
	return nil
}

// enqueue persists b, so it shows up in listings right away, and queues it.
// A book that is already queued is rejected before anything is saved.
func (s *Service) enqueue(ctx context.Context, b *book.Book, review bool) (jobs.Info, error) {
	if err := s.active(b); err != nil {
		return jobs.Info{}, err
	}
	if err := s.cfg.Manifest.Save(ctx, b); err != nil {
		return jobs.Info{}, book.Resource("save manifest", err)
	}
	job := jobs.NewJob(b, review)
	if err := s.cfg.Queue.Enqueue(job); err != nil {
		return jobs.Info{}, err
	}
	return job.Info(), nil
}
