package jobs

import (
	"context"
	"errors"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/pipeline"
)

// Orchestrate adapts an orchestrator to a Processor. The job's cancel flag
// becomes the run's Control.
func Orchestrate(o *pipeline.Orchestrator) Processor {
	return func(ctx context.Context, job *Job) (book.BookStatus, error) {
		b := job.Book()
		if b == nil {
			return book.StatusFailed, errors.New("job has no book")
		}
		return o.Process(ctx, b, pipeline.RunOptions{
			Review:  job.Review,
			Control: job.Control(),
		})
	}
}
