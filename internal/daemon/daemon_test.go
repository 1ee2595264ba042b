package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/config"
	"github.com/jackzampolin/auralens/internal/home"
	"github.com/jackzampolin/auralens/internal/ingest"
	"github.com/jackzampolin/auralens/internal/library"
	"github.com/jackzampolin/auralens/internal/pipeline"
	"github.com/jackzampolin/auralens/internal/providers"
)

type pageRasterizer struct{ pages int }

func (r pageRasterizer) PageCount(context.Context, string) (int, error) {
	return r.pages, nil
}

func (r pageRasterizer) Render(_ context.Context, req ingest.RenderRequest) ([]byte, error) {
	return []byte(fmt.Sprintf("image-%d", req.PageIndex)), nil
}

type env struct {
	home     *home.Dir
	cfg      config.Config
	provider *providers.MockProvider
	src      string
}

func newEnv(t *testing.T, pages int) (*env, *Daemon) {
	t.Helper()
	h, err := home.New(t.TempDir())
	require.NoError(t, err)

	cfg := *config.DefaultConfig()
	cfg.VLM.RateLimit = 0
	cfg.VLM.Model = "test-model"
	cfg.Retry.Backoff = []time.Duration{time.Millisecond}
	cfg.Retry.MaxDelay = time.Millisecond

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "scan.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7 scan"), 0o644))

	e := &env{home: h, cfg: cfg, provider: providers.NewMockProvider(), src: src}
	return e, e.daemon(t, pageRasterizer{pages: pages})
}

func (e *env) daemon(t *testing.T, r ingest.Rasterizer) *Daemon {
	t.Helper()
	d, err := New(Options{
		Config:     e.cfg,
		Home:       e.home,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Provider:   e.provider,
		Rasterizer: r,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestProcess_ExportsBook(t *testing.T) {
	e, d := newEnv(t, 3)
	ctx := context.Background()

	info, err := d.Process(ctx, e.src, library.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, book.StatusCompleted, info.Status)

	out, err := os.ReadFile(filepath.Join(filepath.Dir(e.src), "scan.txt"))
	require.NoError(t, err)
	for n := 1; n <= 3; n++ {
		assert.Contains(t, string(out), fmt.Sprintf("page %d text", n))
	}

	rec, err := d.Store().Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusCompleted, rec.Status)
	assert.True(t, rec.Exported())
	assert.Equal(t, book.OriginManual, rec.Book.Origin)
}

func TestProcess_OutputTarget(t *testing.T) {
	e, d := newEnv(t, 1)
	target := filepath.Join(t.TempDir(), "custom.txt")

	_, err := d.Process(context.Background(), e.src, library.SubmitOptions{OutputTarget: target})
	require.NoError(t, err)

	out, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "page 1 text", string(out))
}

func TestProcess_RefusesWhileLocked(t *testing.T) {
	e, d := newEnv(t, 1)
	require.NoError(t, d.Lock())

	other := e.daemon(t, pageRasterizer{pages: 1})
	_, err := other.Process(context.Background(), e.src, library.SubmitOptions{})
	assert.ErrorIs(t, err, ErrLocked)
	assert.Zero(t, e.provider.Calls(1))
}

func TestProcess_InterruptExportsPartialBook(t *testing.T) {
	e, d := newEnv(t, 3)
	e.provider.Script(2, providers.MockStep{Text: "slow", Delay: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := d.Bus().Subscribe(64)
	defer sub.Close()
	go func() {
		for ev := range sub.C() {
			if ev.Type == pipeline.EventPageUpdated && ev.Page != nil &&
				ev.Page.Number() == 1 && ev.Page.Status == book.PageStatusOcrDone {
				cancel()
				return
			}
		}
	}()

	info, err := d.Process(ctx, e.src, library.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, book.StatusCancelled, info.Status)

	out, err := os.ReadFile(filepath.Join(filepath.Dir(e.src), "scan.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "page 1 text")
	assert.Contains(t, string(out), "Incomplete export")

	rec, err := d.Store().Get(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusCancelled, rec.Status)
}

func TestProcess_ResumesAfterInterrupt(t *testing.T) {
	e, d := newEnv(t, 2)
	ctx := context.Background()

	// Persist a book with page 1 done, as an interrupted run leaves it.
	id, err := book.Identify(e.src)
	require.NoError(t, err)
	b := book.New(id.ID, id.Path, id.ContentSig, book.OriginManual, 2)
	b.Pages[0].Status = book.PageStatusOcrDone
	b.Pages[0].Text = "kept"
	b.Pages[0].Attempts = 1
	require.NoError(t, d.Store().Save(ctx, b))

	info, err := d.Process(ctx, e.src, library.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, book.StatusCompleted, info.Status)
	assert.Zero(t, e.provider.Calls(1), "done pages are not recognized again")
	assert.Equal(t, 1, e.provider.Calls(2))

	rec, err := d.Store().Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.Book.Pages[0].Text)
}

func TestOnReady_SkipsExportedBook(t *testing.T) {
	e, d := newEnv(t, 1)
	ctx := context.Background()

	_, err := d.Process(ctx, e.src, library.SubmitOptions{})
	require.NoError(t, err)
	calls := e.provider.Calls(1)

	d.onReady(ctx, e.src)
	assert.False(t, d.Queue().Known(e.src))
	assert.Equal(t, 0, d.Queue().Stats().Pending)
	assert.Equal(t, calls, e.provider.Calls(1))
}
