package library

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/ingest"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/manifest"
)

type countRasterizer struct {
	pages int
	err   error
}

func (r countRasterizer) PageCount(context.Context, string) (int, error) {
	return r.pages, r.err
}

func (r countRasterizer) Render(context.Context, ingest.RenderRequest) ([]byte, error) {
	return nil, errors.New("not used")
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []*book.Book
}

func (s *recordingSink) Deliver(_ context.Context, b *book.Book) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, b.Snapshot())
	return []string{b.Stem() + ".txt"}, nil
}

type fixture struct {
	svc     *Service
	queue   *jobs.Queue
	store   *manifest.Store
	sink    *recordingSink
	cleared []string
	dir     string
}

func newFixture(t *testing.T, pages int) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := manifest.Open(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: store, sink: &recordingSink{}, dir: dir}
	f.svc = New(Config{
		Manifest:   store,
		Rasterizer: countRasterizer{pages: pages},
		Sink:       f.sink,
		Review:     true,
		ClearCache: func(id string) error {
			f.cleared = append(f.cleared, id)
			return nil
		},
		Logger: logger,
	})
	f.queue = jobs.NewQueue(jobs.Config{Logger: logger, Discarded: f.svc.Discarded})
	f.svc.cfg.Queue = f.queue
	return f
}

func (f *fixture) writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSubmit_NewBook(t *testing.T) {
	f := newFixture(t, 3)
	path := f.writeSource(t, "scan.pdf", "%PDF-1.7 three pages")
	ctx := context.Background()

	info, err := f.svc.Submit(ctx, path, SubmitOptions{Origin: book.OriginInbox})
	require.NoError(t, err)
	assert.Equal(t, jobs.StateQueued, info.State)
	assert.Equal(t, book.OriginInbox, info.Origin)
	assert.False(t, info.Review, "inbox books are never reviewed")

	rec, err := f.store.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Book.Pages, 3)
	assert.Equal(t, book.StatusProcessing, rec.Status)
	assert.True(t, f.queue.Known(rec.Book.SourcePath))
}

func TestSubmit_ManualUsesReviewDefault(t *testing.T) {
	f := newFixture(t, 1)
	path := f.writeSource(t, "a.pdf", "a")

	info, err := f.svc.Submit(context.Background(), path, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, book.OriginManual, info.Origin)
	assert.True(t, info.Review)

	off := false
	path = f.writeSource(t, "b.pdf", "b")
	info, err = f.svc.Submit(context.Background(), path, SubmitOptions{Review: &off})
	require.NoError(t, err)
	assert.False(t, info.Review)
}

func TestSubmit_DuplicateWhileQueued(t *testing.T) {
	f := newFixture(t, 2)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, path, SubmitOptions{})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, path, SubmitOptions{})
	assert.ErrorIs(t, err, jobs.ErrDuplicate)
}

func TestSubmit_InboxSkipsExportedBook(t *testing.T) {
	f := newFixture(t, 1)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	id, err := book.Identify(path)
	require.NoError(t, err)
	b := book.New(id.ID, id.Path, id.ContentSig, book.OriginInbox, 1)
	b.Pages[0].Status = book.PageStatusOcrDone
	b.Pages[0].Text = "done"
	require.NoError(t, f.store.Save(ctx, b))
	require.NoError(t, f.store.MarkExported(ctx, b.ID, time.Now(), nil))

	_, err = f.svc.Submit(ctx, path, SubmitOptions{Origin: book.OriginInbox})
	assert.ErrorIs(t, err, ErrAlreadyExported)
	assert.False(t, f.queue.Known(id.Path))

	// A manual submission reprocesses it anyway.
	info, err := f.svc.Submit(ctx, path, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, info.ID)
}

func TestSubmit_ResumesKnownBook(t *testing.T) {
	f := newFixture(t, 99)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	id, err := book.Identify(path)
	require.NoError(t, err)
	b := book.New(id.ID, id.Path, id.ContentSig, book.OriginInbox, 3)
	b.Pages[0].Status = book.PageStatusOcrDone
	b.Pages[0].Attempts = 1
	b.Pages[1].Status = book.PageStatusOcrPending
	b.Pages[1].Attempts = 2
	require.NoError(t, f.store.Save(ctx, b))

	info, err := f.svc.Submit(ctx, path, SubmitOptions{Origin: book.OriginInbox})
	require.NoError(t, err)

	job, ok := f.queue.Get(info.ID)
	require.True(t, ok)
	got := job.Book()
	require.Len(t, got.Pages, 3, "page count comes from the manifest, not a recount")
	assert.Equal(t, book.PageStatusOcrDone, got.Pages[0].Status)
	assert.Equal(t, 2, got.Pages[1].Attempts, "attempts survive a resume")
}

func TestSubmit_Restart(t *testing.T) {
	f := newFixture(t, 2)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	id, err := book.Identify(path)
	require.NoError(t, err)
	b := book.New(id.ID, id.Path, id.ContentSig, book.OriginManual, 2)
	b.Pages[0].Status = book.PageStatusOcrDone
	b.Pages[0].Attempts = 1
	b.Pages[0].ImageRef = "/cache/0.png"
	b.Pages[1].Status = book.PageStatusOcrFailed
	b.Pages[1].Attempts = 3
	require.NoError(t, f.store.Save(ctx, b))

	info, err := f.svc.Submit(ctx, path, SubmitOptions{Restart: true})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, f.cleared)

	job, ok := f.queue.Get(info.ID)
	require.True(t, ok)
	for _, p := range job.Book().Pages {
		assert.Equal(t, book.PageStatusPending, p.Status)
		assert.Zero(t, p.Attempts)
		assert.Empty(t, p.ImageRef)
	}
}

func TestSubmit_MissingFile(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.Submit(context.Background(), filepath.Join(f.dir, "absent.pdf"), SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, book.KindResource, book.Classify(err))
}

func TestCancel_PendingIsDelivered(t *testing.T) {
	f := newFixture(t, 2)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	info, err := f.svc.Submit(ctx, path, SubmitOptions{Origin: book.OriginInbox})
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, info.ID))

	rec, err := f.store.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusCancelled, rec.Status)
	assert.True(t, rec.Exported())
	require.Len(t, f.sink.delivered, 1)
	assert.Equal(t, book.StatusCancelled, f.sink.delivered[0].Status())

	assert.ErrorIs(t, f.svc.Cancel(ctx, info.ID), jobs.ErrNotFound)
}

func TestResume(t *testing.T) {
	f := newFixture(t, 2)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	info, err := f.svc.Submit(ctx, path, SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, info.ID))

	resumed, err := f.svc.Resume(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateQueued, resumed.State)

	job, ok := f.queue.Get(info.ID)
	require.True(t, ok)
	for _, p := range job.Book().Pages {
		assert.Equal(t, book.PageStatusPending, p.Status)
	}

	rec, err := f.store.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, rec.Exported(), "resuming clears the earlier export")
}

func TestResume_NothingToResume(t *testing.T) {
	f := newFixture(t, 1)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	id, err := book.Identify(path)
	require.NoError(t, err)
	b := book.New(id.ID, id.Path, id.ContentSig, book.OriginManual, 1)
	b.Pages[0].Status = book.PageStatusOcrDone
	require.NoError(t, f.store.Save(ctx, b))

	_, err = f.svc.Resume(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotResumable)

	_, err = f.svc.Resume(ctx, "unknown")
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestResume_RefusesActiveJob(t *testing.T) {
	f := newFixture(t, 1)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	info, err := f.svc.Submit(ctx, path, SubmitOptions{Origin: book.OriginInbox})
	require.NoError(t, err)

	// A stale cancelled and exported record for a book that is still queued.
	id, err := book.Identify(path)
	require.NoError(t, err)
	stale := book.New(id.ID, id.Path, id.ContentSig, book.OriginInbox, 1)
	stale.CancelRemaining()
	require.NoError(t, f.store.Save(ctx, stale))
	require.NoError(t, f.store.MarkExported(ctx, info.ID, time.Now(), nil))

	_, err = f.svc.Resume(ctx, info.ID)
	require.ErrorIs(t, err, jobs.ErrDuplicate)

	rec, err := f.store.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusCancelled, rec.Status, "a refused resume leaves the record alone")
	assert.True(t, rec.Exported())
	assert.Equal(t, book.PageStatusCancelled, rec.Book.Pages[0].Status)
}

func TestRestart_RefusesActiveJob(t *testing.T) {
	f := newFixture(t, 1)
	path := f.writeSource(t, "scan.pdf", "x")
	ctx := context.Background()

	info, err := f.svc.Submit(ctx, path, SubmitOptions{})
	require.NoError(t, err)

	_, err = f.svc.Restart(ctx, info.ID)
	assert.ErrorIs(t, err, jobs.ErrDuplicate)
}

func savedBook(t *testing.T, f *fixture, statuses ...book.PageStatus) *book.Book {
	t.Helper()
	path := f.writeSource(t, "scan.pdf", "x")
	id, err := book.Identify(path)
	require.NoError(t, err)
	b := book.New(id.ID, id.Path, id.ContentSig, book.OriginManual, len(statuses))
	for i, st := range statuses {
		b.Pages[i].Status = st
		b.Pages[i].Attempts = 1
		if st == book.PageStatusOcrDone {
			b.Pages[i].Text = "recognized"
		}
	}
	require.NoError(t, f.store.Save(context.Background(), b))
	return b
}

func TestEditPage_RedeliversTerminalBook(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	b := savedBook(t, f, book.PageStatusOcrDone, book.PageStatusOcrFailed)

	edit, err := f.svc.EditPage(ctx, b.ID, 2, "typed by hand")
	require.NoError(t, err)
	assert.Equal(t, book.StatusCompleted, edit.Status)
	assert.Equal(t, []string{"scan.txt"}, edit.Delivered)

	require.Len(t, f.sink.delivered, 1)
	assert.Equal(t, "typed by hand", f.sink.delivered[0].Pages[1].Text)

	rec, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusCompleted, rec.Status)
	assert.Equal(t, "typed by hand", rec.Book.Pages[1].Text)
	assert.Equal(t, "recognized", rec.Book.Pages[0].Text)
	assert.True(t, rec.Exported())
}

func TestEditPage_ProcessingBookIsNotDelivered(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	b := savedBook(t, f, book.PageStatusOcrDone, book.PageStatusPending)

	edit, err := f.svc.EditPage(ctx, b.ID, 1, "fixed")
	require.NoError(t, err)
	assert.Equal(t, book.StatusProcessing, edit.Status)
	assert.Empty(t, edit.Delivered)
	assert.Empty(t, f.sink.delivered)
}

func TestEditPage_Errors(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	b := savedBook(t, f, book.PageStatusOcrDone)

	_, err := f.svc.EditPage(ctx, b.ID, 2, "x")
	assert.ErrorIs(t, err, book.ErrPageNotFound)
	_, err = f.svc.EditPage(ctx, b.ID, 0, "x")
	assert.ErrorIs(t, err, book.ErrPageNotFound)
	_, err = f.svc.EditPage(ctx, "unknown", 1, "x")
	assert.ErrorIs(t, err, manifest.ErrNotFound)

	_, err = f.svc.Submit(ctx, b.SourcePath, SubmitOptions{Restart: true})
	require.NoError(t, err)
	_, err = f.svc.EditPage(ctx, b.ID, 1, "x")
	assert.ErrorIs(t, err, jobs.ErrDuplicate, "a queued book is owned by its job")
}

func TestRescanPage(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	b := savedBook(t, f, book.PageStatusOcrDone, book.PageStatusOcrFailed, book.PageStatusOcrDone)

	_, err := f.svc.RescanPage(ctx, b.ID, 9)
	assert.ErrorIs(t, err, book.ErrPageNotFound)
	assert.False(t, f.queue.Known(b.SourcePath))

	info, err := f.svc.RescanPage(ctx, b.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateQueued, info.State)
	assert.False(t, info.Review)

	job, ok := f.queue.Get(b.ID)
	require.True(t, ok)
	pages := job.Book().Pages
	assert.Equal(t, book.PageStatusOcrDone, pages[0].Status)
	assert.Equal(t, book.Page{Index: 1, Status: book.PageStatusPending}, pages[1])
	assert.Equal(t, "recognized", pages[2].Text)

	_, err = f.svc.RescanPage(ctx, b.ID, 2)
	assert.ErrorIs(t, err, jobs.ErrDuplicate)
}

func TestResumePending(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	present := f.writeSource(t, "present.pdf", "p")
	id, err := book.Identify(present)
	require.NoError(t, err)
	require.NoError(t, f.store.Save(ctx, book.New(id.ID, id.Path, id.ContentSig, book.OriginInbox, 2)))

	gone := f.writeSource(t, "gone.pdf", "g")
	goneID, err := book.Identify(gone)
	require.NoError(t, err)
	require.NoError(t, f.store.Save(ctx, book.New(goneID.ID, goneID.Path, goneID.ContentSig, book.OriginInbox, 1)))
	require.NoError(t, os.Remove(gone))

	manual := f.writeSource(t, "manual.pdf", "m")
	manualID, err := book.Identify(manual)
	require.NoError(t, err)
	require.NoError(t, f.store.Save(ctx, book.New(manualID.ID, manualID.Path, manualID.ContentSig, book.OriginManual, 1)))

	n, err := f.svc.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.queue.Known(id.Path))
	assert.False(t, f.queue.Known(goneID.Path))
	assert.False(t, f.queue.Known(manualID.Path), "manual books are not resumed automatically")
}
