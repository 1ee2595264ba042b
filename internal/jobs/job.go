package jobs

import (
	"sync"
	"time"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/pipeline"
)

// State is the queue-side lifecycle of a job.
type State string

const (
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateFinished    State = "finished"    // book reached a terminal status
	StateCancelled   State = "cancelled"   // removed before it started
	StateInterrupted State = "interrupted" // shutdown stopped it mid-book
)

// Job wraps one Book through the pipeline. The queue owns the job; the
// processor borrows the Book for the duration of Process.
type Job struct {
	ID         string
	Path       string
	Origin     book.Origin
	Review     bool
	EnqueuedAt time.Time

	control *pipeline.Control
	done    chan struct{}
	seq     uint64
	index   int // position in the pending heap, -1 when not queued

	mu         sync.Mutex
	book       *book.Book
	state      State
	startedAt  time.Time
	finishedAt time.Time
	status     book.BookStatus
	err        error
}

// NewJob creates a job for b.
func NewJob(b *book.Book, review bool) *Job {
	return &Job{
		ID:         b.ID,
		Path:       b.SourcePath,
		Origin:     b.Origin,
		Review:     review,
		EnqueuedAt: time.Now().UTC(),
		control:    pipeline.NewControl(),
		done:       make(chan struct{}),
		index:      -1,
		book:       b,
		state:      StateQueued,
		status:     b.Status(),
	}
}

// Book returns the job's book. Only the processor may mutate it, and only
// while Process runs. It is nil once the job is done.
func (j *Job) Book() *book.Book {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.book
}

// Control returns the cooperative cancel flag handed to the orchestrator.
func (j *Job) Control() *pipeline.Control {
	return j.control
}

// Cancel requests cancellation.
func (j *Job) Cancel() {
	j.control.Cancel()
}

// Done is closed once the job leaves the queue for good.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the final book status and processing error.
func (j *Job) Result() (book.BookStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.err
}

// Info is an immutable view of a job.
type Info struct {
	ID         string          `json:"id"`
	Path       string          `json:"path"`
	Origin     book.Origin     `json:"origin"`
	State      State           `json:"state"`
	Review     bool            `json:"review,omitempty"`
	Status     book.BookStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Info returns a snapshot of the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := Info{
		ID:         j.ID,
		Path:       j.Path,
		Origin:     j.Origin,
		State:      j.state,
		Review:     j.Review,
		Status:     j.status,
		EnqueuedAt: j.EnqueuedAt,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		info.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		info.FinishedAt = &t
	}
	return info
}

func (j *Job) start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateRunning
	j.startedAt = time.Now().UTC()
}

// finish records the outcome and releases the Book. The queue closes Done
// once the job is in its history.
func (j *Job) finish(state State, status book.BookStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
	j.status = status
	j.err = err
	j.finishedAt = time.Now().UTC()
	j.book = nil
}
