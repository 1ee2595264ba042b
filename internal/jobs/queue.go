// Package jobs holds the book job queue: FIFO by enqueue order, deduplicated
// by book identity and source path, drained by a bounded number of workers.
package jobs

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/auralens/internal/book"
)

var (
	// ErrDuplicate is returned when a job for the same book or path is
	// already pending or running.
	ErrDuplicate = errors.New("job already queued")

	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")

	// ErrNilJob is returned when attempting to enqueue a nil job.
	ErrNilJob = errors.New("cannot enqueue nil job")
)

// Processor runs one job to completion. It returns the Book's final status;
// a non-terminal status together with a context error means the job was
// interrupted by shutdown.
type Processor func(ctx context.Context, job *Job) (book.BookStatus, error)

// DefaultHistorySize bounds Recent.
const DefaultHistorySize = 100

// Config configures a Queue.
type Config struct {
	Concurrency int // books processed at once, default 1
	HistorySize int
	Logger      *slog.Logger

	// Discarded is called for a pending job removed by Cancel, after its
	// Book's open pages were marked cancelled. It runs on the caller's
	// goroutine.
	Discarded func(job *Job, b *book.Book)
}

// Queue is a thread-safe FIFO of book jobs.
type Queue struct {
	mu      sync.Mutex
	pending jobHeap
	byID    map[string]*Job // pending and running
	byPath  map[string]*Job // pending and running
	running map[string]*Job
	recent  []Info
	seq     uint64
	notify  chan struct{} // signaled when jobs are pushed
	totals  map[State]int
	results map[book.BookStatus]int

	concurrency int
	historySize int
	discarded   func(*Job, *book.Book)
	logger      *slog.Logger
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config) *Queue {
	q := &Queue{
		pending:     make(jobHeap, 0),
		byID:        make(map[string]*Job),
		byPath:      make(map[string]*Job),
		running:     make(map[string]*Job),
		notify:      make(chan struct{}, 1),
		totals:      make(map[State]int),
		results:     make(map[book.BookStatus]int),
		concurrency: cfg.Concurrency,
		historySize: cfg.HistorySize,
		discarded:   cfg.Discarded,
		logger:      cfg.Logger,
	}
	if q.concurrency < 1 {
		q.concurrency = 1
	}
	if q.historySize <= 0 {
		q.historySize = DefaultHistorySize
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	heap.Init(&q.pending)
	return q
}

// Enqueue adds a job at the back of the queue. A job whose book ID or path
// matches a pending or running job is rejected with ErrDuplicate.
func (q *Queue) Enqueue(job *Job) error {
	if job == nil {
		return ErrNilJob
	}

	q.mu.Lock()
	if existing, ok := q.byID[job.ID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrDuplicate, job.Path, existing.ID)
	}
	if existing, ok := q.byPath[job.Path]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrDuplicate, job.Path, existing.ID)
	}
	q.seq++
	job.seq = q.seq
	heap.Push(&q.pending, job)
	q.byID[job.ID] = job
	q.byPath[job.Path] = job
	q.totals[StateQueued]++
	depth := q.pending.Len()
	q.mu.Unlock()

	q.logger.Info("job enqueued", "job_id", job.ID, "path", job.Path, "origin", job.Origin, "depth", depth)
	q.signal()
	return nil
}

// signal wakes one waiting worker without blocking.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Known reports whether path belongs to a pending or running job.
func (q *Queue) Known(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPath[path]
	return ok
}

// Get returns a pending or running job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	return j, ok
}

// Cancel cancels a job. A pending job is removed from the queue right away;
// a running job is flagged and stops at its next page transition.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.Cancel()
	if _, running := q.running[id]; running {
		q.mu.Unlock()
		q.logger.Info("cancel requested", "job_id", id)
		return nil
	}

	heap.Remove(&q.pending, job.index)
	q.forget(job)
	q.mu.Unlock()

	b := job.Book()
	if b != nil {
		b.CancelRemaining()
		if q.discarded != nil {
			q.discarded(job, b)
		}
	}
	status := book.StatusCancelled
	if b != nil {
		status = b.Status()
	}
	q.complete(job, StateCancelled, status, nil)
	q.logger.Info("pending job cancelled", "job_id", id, "path", job.Path)
	return nil
}

// Wait blocks until the job with id is done or ctx ends.
func (q *Queue) Wait(ctx context.Context, id string) (Info, error) {
	job, ok := q.Get(id)
	if !ok {
		for _, info := range q.Recent() {
			if info.ID == id {
				return info, nil
			}
		}
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-job.Done():
		return job.Info(), nil
	case <-ctx.Done():
		return job.Info(), ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// running job has returned.
func (q *Queue) Run(ctx context.Context, process Processor) error {
	q.logger.Info("queue started", "concurrency", q.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.concurrency; i++ {
		g.Go(func() error {
			q.workerLoop(gctx, i, process)
			return nil
		})
	}
	err := g.Wait()
	q.logger.Info("queue stopped")
	return err
}

func (q *Queue) workerLoop(ctx context.Context, workerNum int, process Processor) {
	logger := q.logger.With("worker_num", workerNum)
	logger.Debug("worker started")

	for {
		job := q.pop(ctx.Done())
		if job == nil {
			logger.Debug("worker stopping")
			return
		}
		q.processJob(ctx, logger, job, process)
	}
}

func (q *Queue) processJob(ctx context.Context, logger *slog.Logger, job *Job, process Processor) {
	logger = logger.With("job_id", job.ID, "path", job.Path)
	logger.Info("job started")

	status, err := q.safeProcess(ctx, job, process)

	q.mu.Lock()
	q.forget(job)
	q.mu.Unlock()

	if !status.IsTerminal() && ctx.Err() != nil {
		logger.Info("job interrupted by shutdown", "status", status)
		q.complete(job, StateInterrupted, status, err)
		return
	}
	if err != nil {
		logger.Warn("job finished with error", "status", status, "error", err)
	} else {
		logger.Info("job finished", "status", status)
	}
	q.complete(job, StateFinished, status, err)
}

func (q *Queue) safeProcess(ctx context.Context, job *Job, process Processor) (status book.BookStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = book.StatusFailed, fmt.Errorf("processor panic: %v", r)
		}
	}()
	return process(ctx, job)
}

// pop removes the oldest pending job and marks it running. Blocks until a
// job is available or done is closed.
func (q *Queue) pop(done <-chan struct{}) *Job {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		q.mu.Lock()
		if q.pending.Len() > 0 {
			job := heap.Pop(&q.pending).(*Job)
			q.running[job.ID] = job
			more := q.pending.Len() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			job.start()
			return job
		}
		q.mu.Unlock()

		select {
		case <-done:
			return nil
		case <-q.notify:
		}
	}
}

// forget drops job from the dedup indexes. Caller holds q.mu.
func (q *Queue) forget(job *Job) {
	delete(q.byID, job.ID)
	delete(q.byPath, job.Path)
	delete(q.running, job.ID)
}

func (q *Queue) complete(job *Job, state State, status book.BookStatus, err error) {
	job.finish(state, status, err)

	info := job.Info()
	q.mu.Lock()
	q.totals[state]++
	if state == StateFinished || state == StateCancelled {
		q.results[status]++
	}
	q.recent = append(q.recent, info)
	if over := len(q.recent) - q.historySize; over > 0 {
		q.recent = append(q.recent[:0:0], q.recent[over:]...)
	}
	q.mu.Unlock()

	close(job.done)
}

// Stats reports queue depth and totals.
type Stats struct {
	Concurrency int                     `json:"concurrency"`
	Pending     int                     `json:"pending"`
	Running     int                     `json:"running"`
	Enqueued    int                     `json:"enqueued"`
	Finished    int                     `json:"finished"`
	Cancelled   int                     `json:"cancelled"`
	Interrupted int                     `json:"interrupted"`
	ByStatus    map[book.BookStatus]int `json:"by_status"`
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byStatus := make(map[book.BookStatus]int, len(q.results))
	for k, v := range q.results {
		byStatus[k] = v
	}
	return Stats{
		Concurrency: q.concurrency,
		Pending:     q.pending.Len(),
		Running:     len(q.running),
		Enqueued:    q.totals[StateQueued],
		Finished:    q.totals[StateFinished],
		Cancelled:   q.totals[StateCancelled],
		Interrupted: q.totals[StateInterrupted],
		ByStatus:    byStatus,
	}
}

// Jobs returns running jobs followed by pending jobs in queue order.
func (q *Queue) Jobs() []Info {
	q.mu.Lock()
	running := make([]*Job, 0, len(q.running))
	for _, j := range q.running {
		running = append(running, j)
	}
	pending := make(jobHeap, len(q.pending))
	copy(pending, q.pending)
	q.mu.Unlock()

	sortBySeq(running)
	sortBySeq(pending)

	out := make([]Info, 0, len(running)+len(pending))
	for _, j := range running {
		out = append(out, j.Info())
	}
	for _, j := range pending {
		out = append(out, j.Info())
	}
	return out
}

// Recent returns finished jobs, oldest first.
func (q *Queue) Recent() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Info(nil), q.recent...)
}

// jobHeap implements heap.Interface ordered by enqueue sequence (FIFO).
type jobHeap []*Job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil // avoid memory leak
	job.index = -1
	*h = old[0 : n-1]
	return job
}

func sortBySeq(jobs []*Job) {
	slices.SortFunc(jobs, func(a, b *Job) int { return cmp.Compare(a.seq, b.seq) })
}
