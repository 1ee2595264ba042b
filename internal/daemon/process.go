package daemon

import (
	"context"
	"errors"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/library"
)

// Process runs a single manual book in the foreground and returns once it
// reaches a terminal status. Cancelling ctx cancels the book; the pages done
// so far are still exported. Fails with ErrLocked while a watcher runs.
func (d *Daemon) Process(ctx context.Context, path string, opts library.SubmitOptions) (jobs.Info, error) {
	if err := d.Lock(); err != nil {
		return jobs.Info{}, err
	}

	opts.Origin = book.OriginManual
	submitted, err := d.library.Submit(ctx, path, opts)
	if err != nil {
		return jobs.Info{}, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.queue.Run(runCtx, jobs.Orchestrate(d.orchestrator))
	}()
	go d.logEvents(runCtx)
	defer func() {
		stop()
		<-done
	}()

	info, err := d.queue.Wait(ctx, submitted.ID)
	if err != nil && errors.Is(err, ctx.Err()) {
		d.logger.Info("interrupted, cancelling book", "book_id", submitted.ID)
		if cErr := d.queue.Cancel(submitted.ID); cErr != nil && !errors.Is(cErr, jobs.ErrNotFound) {
			return info, cErr
		}
		info, err = d.queue.Wait(context.Background(), submitted.ID)
	}
	if err != nil {
		return info, err
	}
	if info.Error != "" && info.Status == book.StatusFailed {
		return info, errors.New(info.Error)
	}
	return info, nil
}
