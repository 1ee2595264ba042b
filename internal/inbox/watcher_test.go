package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInbox(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeInbox(t, dir, "book.pdf", "x")
	writeInbox(t, dir, "LOUD.PDF", "x")
	writeInbox(t, dir, ".hidden.pdf", "x")
	writeInbox(t, dir, "notes.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.pdf"), 0o755))

	files, err := Scan(dir, []string{".pdf"})
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
	}
	assert.ElementsMatch(t, []string{"book.pdf", "LOUD.PDF"}, names)

	_, err = Scan(filepath.Join(dir, "missing"), []string{".pdf"})
	assert.Error(t, err)
}

func TestWatcher_Poll(t *testing.T) {
	dir := t.TempDir()
	var ready []string
	known := map[string]bool{}

	w, err := NewWatcher(Config{Dir: dir, StablePolls: 2},
		func(p string) bool { return known[p] },
		func(_ context.Context, p string) { ready = append(ready, p) })
	require.NoError(t, err)
	ctx := context.Background()

	a := writeInbox(t, dir, "a.pdf", "first")
	b := writeInbox(t, dir, "b.pdf", "second")
	known[b] = true

	for i := 0; i < 3; i++ {
		w.Poll(ctx)
	}
	assert.Equal(t, []string{a}, ready, "queued paths are ignored")

	w.Poll(ctx)
	assert.Equal(t, []string{a}, ready, "ready fires once")
	assert.Equal(t, 1, w.Status().Reported)
	assert.Empty(t, w.Status().Error)
}

func TestWatcher_MissingDirectoryIsRetried(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "inbox")
	var ready []string
	w, err := NewWatcher(Config{Dir: dir}, nil, func(_ context.Context, p string) { ready = append(ready, p) })
	require.NoError(t, err)

	w.Poll(context.Background())
	assert.NotEmpty(t, w.Status().Error)

	require.NoError(t, os.Mkdir(dir, 0o755))
	path := writeInbox(t, dir, "late.pdf", "content")
	for i := 0; i < 3; i++ {
		w.Poll(context.Background())
	}
	assert.Empty(t, w.Status().Error)
	assert.Equal(t, []string{path}, ready)
}

func TestWatcher_Run(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 4)
	w, err := NewWatcher(Config{Dir: dir, PollInterval: 10 * time.Millisecond, StablePolls: 2}, nil,
		func(_ context.Context, p string) { got <- p })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.Run(ctx))
	}()

	path := writeInbox(t, dir, "scan.pdf", "pdf bytes")
	select {
	case p := <-got:
		assert.Equal(t, path, p)
	case <-time.After(2 * time.Second):
		t.Fatal("file never reported ready")
	}

	cancel()
	wg.Wait()
	assert.Empty(t, got, "no duplicate ready events")
}

func TestNewWatcher_RequiresDir(t *testing.T) {
	_, err := NewWatcher(Config{}, nil, nil)
	assert.Error(t, err)
}
