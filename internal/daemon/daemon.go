// Package daemon wires the long-running Auralens process: the manifest, the
// stage runner and orchestrator, the job queue, the inbox watcher and the
// HTTP server, under a single flock-guarded lifecycle.
//
// Keep orchestration logic here; page processing lives in pipeline and
// queueing in jobs.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/config"
	"github.com/jackzampolin/auralens/internal/export"
	"github.com/jackzampolin/auralens/internal/home"
	"github.com/jackzampolin/auralens/internal/inbox"
	"github.com/jackzampolin/auralens/internal/ingest"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/library"
	"github.com/jackzampolin/auralens/internal/manifest"
	"github.com/jackzampolin/auralens/internal/metrics"
	"github.com/jackzampolin/auralens/internal/pipeline"
	"github.com/jackzampolin/auralens/internal/providers"
	"github.com/jackzampolin/auralens/internal/server"
	"github.com/jackzampolin/auralens/internal/svcctx"
)

// ErrLocked is returned when another auralens process owns the home directory.
var ErrLocked = errors.New("another auralens process is running (lock held)")

// Options configures New.
type Options struct {
	Config config.Config
	Home   *home.Dir
	Logger *slog.Logger

	// Reviewer approves pages of review-mode jobs. Nil approves everything.
	Reviewer pipeline.Reviewer

	// Provider and Rasterizer override the configured collaborators.
	Provider   providers.OCRProvider
	Rasterizer ingest.Rasterizer
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    config.Config
	home   *home.Dir
	logger *slog.Logger
	lock   *flock.Flock

	store        *manifest.Store
	queue        *jobs.Queue
	library      *library.Service
	orchestrator *pipeline.Orchestrator
	bus          *pipeline.Bus
	metrics      *metrics.Collector
	limiter      *providers.RateLimiter
	sink         *export.Sink
	watcher      *inbox.Watcher
}

// New builds the component graph and opens the manifest. It does not take
// the lock; Run and Process do.
func New(opts Options) (*Daemon, error) {
	if opts.Home == nil {
		return nil, errors.New("daemon requires a home directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if err := opts.Home.EnsureExists(); err != nil {
		return nil, err
	}

	formats, err := export.ParseFormats(cfg.Export.Formats)
	if err != nil {
		return nil, fmt.Errorf("export.formats: %w", err)
	}

	store, err := manifest.Open(opts.Home.ManifestPath())
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		home:    opts.Home,
		logger:  logger,
		lock:    flock.New(opts.Home.LockPath()),
		store:   store,
		bus:     pipeline.NewBus(),
		metrics: metrics.NewCollector(),
		limiter: providers.NewRateLimiter(cfg.VLM.RateLimit),
	}

	d.sink = export.NewSink(export.Config{
		Outbox:  cfg.Inbox.Outbox,
		Formats: formats,
		Logger:  logger,
	})

	rasterizer := opts.Rasterizer
	if rasterizer == nil {
		rasterizer = &ingest.PDFRasterizer{
			Command:     cfg.Render.Command,
			MaxPixels:   cfg.Render.MaxPixels,
			JPEGQuality: cfg.Render.JPEGQuality,
		}
	}
	provider := opts.Provider
	if provider == nil {
		provider = providers.NewVLMClient(cfg.VLMConfig())
	}

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Rasterizer:    rasterizer,
		Provider:      provider,
		Limiter:       d.limiter,
		Cache:         ingest.NewPageCache(opts.Home.PageImagePath),
		Policy:        cfg.RetryPolicy(),
		DPI:           cfg.Render.DPI,
		MaxPixels:     cfg.Render.MaxPixels,
		RenderTimeout: cfg.Render.Timeout,
		OCRTimeout:    cfg.VLM.Timeout,
		Prompt:        cfg.VLM.UserPrompt,
		SystemPrompt:  cfg.VLM.SystemPrompt,
		Metrics:       d.metrics,
	})
	d.orchestrator = pipeline.New(pipeline.Config{
		Runner:        runner,
		Store:         store,
		Sink:          d.sink,
		Reviewer:      opts.Reviewer,
		Bus:           d.bus,
		Metrics:       d.metrics,
		Logger:        logger,
		RenderWorkers: cfg.Render.Workers,
	})

	d.queue = jobs.NewQueue(jobs.Config{
		Concurrency: cfg.Queue.Concurrency,
		Logger:      logger,
		Discarded:   func(j *jobs.Job, b *book.Book) { d.library.Discarded(j, b) },
	})
	d.library = library.New(library.Config{
		Queue:      d.queue,
		Manifest:   store,
		Rasterizer: rasterizer,
		Sink:       d.sink,
		Review:     cfg.Queue.Review,
		ClearCache: opts.Home.ClearBookCache,
		Logger:     logger,
	})

	d.metrics.GaugeFunc("queue_pending", "Jobs waiting for a worker.", func() float64 {
		return float64(d.queue.Stats().Pending)
	})
	d.metrics.GaugeFunc("queue_running", "Jobs being processed.", func() float64 {
		return float64(d.queue.Stats().Running)
	})
	d.metrics.CounterFunc("events_dropped_total", "Progress events dropped for slow subscribers.", func() float64 {
		return float64(d.bus.Dropped())
	})

	return d, nil
}

// Library returns the submission service.
func (d *Daemon) Library() *library.Service { return d.library }

// Queue returns the job queue.
func (d *Daemon) Queue() *jobs.Queue { return d.queue }

// Store returns the manifest.
func (d *Daemon) Store() *manifest.Store { return d.store }

// Bus returns the progress event bus.
func (d *Daemon) Bus() *pipeline.Bus { return d.bus }

// Lock takes the home directory lock without blocking.
func (d *Daemon) Lock() error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, d.lock.Path())
	}
	return nil
}

// Close releases the lock and closes the manifest.
func (d *Daemon) Close() error {
	if d.lock.Locked() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release lock", "error", err)
		}
	}
	return d.store.Close()
}

// Run is the watch-mode main loop: it resumes unfinished inbox books, then
// runs the queue workers, the inbox watcher (when auto-processing is
// configured) and the HTTP server until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Lock(); err != nil {
		return err
	}

	if d.cfg.CanAutoProcess() {
		w, err := inbox.NewWatcher(inbox.Config{
			Dir:          d.cfg.Inbox.Dir,
			PollInterval: d.cfg.Inbox.PollInterval,
			StablePolls:  d.cfg.Inbox.StablePolls,
			Extensions:   d.cfg.Inbox.Extensions,
			Logger:       d.logger,
		}, d.known, d.onReady)
		if err != nil {
			return err
		}
		d.watcher = w
	} else {
		d.logger.Warn("inbox auto-processing disabled: set inbox.dir, vlm.api_url and vlm.model")
	}

	if _, err := d.library.ResumePending(ctx); err != nil {
		d.logger.Error("failed to resume pending books", "error", err)
	}

	srv := server.New(server.Config{
		Host:     d.cfg.Server.Host,
		Port:     d.cfg.Server.Port,
		Services: d.services(),
		Logger:   d.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.queue.Run(gctx, jobs.Orchestrate(d.orchestrator))
	})
	g.Go(func() error {
		d.logEvents(gctx)
		return nil
	})
	if d.watcher != nil {
		g.Go(func() error {
			return d.watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		return srv.Start(gctx)
	})

	d.logger.Info("auralens daemon started",
		"home", d.home.Path(),
		"inbox", d.cfg.Inbox.Dir,
		"server", d.cfg.Server.URL(),
		"concurrency", d.cfg.Queue.Concurrency)

	err := g.Wait()
	d.logger.Info("auralens daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) services() *svcctx.Services {
	return &svcctx.Services{
		Library:  d.library,
		Queue:    d.queue,
		Manifest: d.store,
		Inbox:    d.watcher,
		Metrics:  d.metrics,
		Limiter:  d.limiter,
		Bus:      d.bus,
		Config:   d.cfg,
		Home:     d.home,
		Logger:   d.logger,
		Started:  time.Now(),
	}
}

// known reports inbox files that already belong to a queued or running job.
func (d *Daemon) known(path string) bool {
	return d.queue.Known(path)
}

func (d *Daemon) onReady(ctx context.Context, path string) {
	_, err := d.library.Submit(ctx, path, library.SubmitOptions{Origin: book.OriginInbox})
	switch {
	case err == nil:
	case errors.Is(err, library.ErrAlreadyExported), errors.Is(err, jobs.ErrDuplicate):
		d.logger.Debug("inbox file skipped", "path", path, "reason", err)
	default:
		d.logger.Error("failed to queue inbox file", "path", path, "error", err)
	}
}

// logEvents turns progress events into log lines until ctx ends.
func (d *Daemon) logEvents(ctx context.Context) {
	sub := d.bus.Subscribe(0)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C():
			logEvent(d.logger, e)
		}
	}
}

func logEvent(logger *slog.Logger, e pipeline.Event) {
	switch e.Type {
	case pipeline.EventPageUpdated:
		if e.Page == nil {
			return
		}
		logger.Debug("page updated",
			"book_id", e.BookID,
			"page", e.Page.Number(),
			"status", e.Page.Status,
			"attempts", e.Page.Attempts,
			"done", e.Done,
			"total", e.Total)
	case pipeline.EventBookFinished:
		logger.Info("book finished", "book_id", e.BookID, "source", e.Source, "status", e.Status, "done", e.Done, "total", e.Total)
	case pipeline.EventBookExported:
		if e.Error != "" {
			logger.Warn("book export failed", "book_id", e.BookID, "error", e.Error)
			return
		}
		logger.Info("book exported", "book_id", e.BookID, "paths", e.Paths)
	}
}
