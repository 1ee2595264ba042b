package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultPollInterval = 2 * time.Second
)

// DefaultExtensions lists the file types picked up by default.
var DefaultExtensions = []string{".pdf"}

// Config configures a Watcher.
type Config struct {
	Dir          string
	PollInterval time.Duration
	StablePolls  int
	Extensions   []string // lower-case, with leading dot
	Logger       *slog.Logger
}

// KnownFunc reports whether a path already belongs to a queued job.
type KnownFunc func(path string) bool

// ReadyFunc receives each file that has stopped changing.
type ReadyFunc func(ctx context.Context, path string)

// Watcher polls a directory on a fixed interval and uses filesystem
// notifications, when available, to reset the stability streak of files
// that are still being written. It never reads file contents.
type Watcher struct {
	cfg      Config
	detector *Detector
	known    KnownFunc
	onReady  ReadyFunc
	logger   *slog.Logger

	mu       sync.Mutex
	dirError string
	lastPoll time.Time
	reported int
}

// NewWatcher creates a watcher. known may be nil.
func NewWatcher(cfg Config, known KnownFunc, onReady ReadyFunc) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("inbox directory is required")
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve inbox directory: %w", err)
	}
	cfg.Dir = abs
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if known == nil {
		known = func(string) bool { return false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		cfg:      cfg,
		detector: NewDetector(cfg.StablePolls),
		known:    known,
		onReady:  onReady,
		logger:   logger.With("component", "inbox", "dir", abs),
	}, nil
}

// Dir returns the absolute inbox directory.
func (w *Watcher) Dir() string {
	return w.cfg.Dir
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("inbox watcher started",
		"poll_interval", w.cfg.PollInterval,
		"stable_polls", w.detector.threshold,
		"extensions", w.cfg.Extensions)

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("filesystem notifications unavailable, polling only", "error", err)
	} else {
		defer notify.Close()
	}
	watching := false

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if notify != nil {
		events, errs = notify.Events, notify.Errors
	}

	w.Poll(ctx)
	for {
		if notify != nil && !watching {
			if err := notify.Add(w.cfg.Dir); err == nil {
				watching = true
				w.logger.Debug("watching inbox for changes")
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("inbox watcher stopped")
			return nil

		case <-ticker.C:
			w.Poll(ctx)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.detector.Touch(ev.Name)
			}
			if ev.Has(fsnotify.Remove) && ev.Name == w.cfg.Dir {
				watching = false
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("filesystem notification error", "error", err)
		}
	}
}

// Poll scans the directory once and dispatches ready files. Run calls it on
// every tick; it must not be called concurrently with Run.
func (w *Watcher) Poll(ctx context.Context) {
	files, err := Scan(w.cfg.Dir, w.cfg.Extensions)
	w.mu.Lock()
	w.lastPoll = time.Now()
	if err != nil {
		if w.dirError != err.Error() {
			w.logger.Warn("cannot read inbox directory, will retry", "error", err)
		}
		w.dirError = err.Error()
		w.mu.Unlock()
		return
	}
	if w.dirError != "" {
		w.logger.Info("inbox directory readable again")
	}
	w.dirError = ""
	w.mu.Unlock()

	for _, path := range w.detector.Observe(files) {
		if w.known(path) {
			w.logger.Debug("ready file already queued", "path", path)
			continue
		}
		w.mu.Lock()
		w.reported++
		w.mu.Unlock()
		w.logger.Info("file ready", "path", path)
		if w.onReady != nil {
			w.onReady(ctx, path)
		}
	}
}

// Status describes the watcher for status endpoints.
type Status struct {
	Dir      string    `json:"dir"`
	Error    string    `json:"error,omitempty"`
	LastPoll time.Time `json:"last_poll"`
	Reported int       `json:"reported"`
}

// Status returns the current watcher state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Dir:      w.cfg.Dir,
		Error:    w.dirError,
		LastPoll: w.lastPoll,
		Reported: w.reported,
	}
}

// Scan lists candidate files in dir: regular, non-hidden files whose
// extension is in exts (case-insensitive).
func Scan(dir string, exts []string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		if !hasExtension(name, exts) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed since ReadDir
		}
		files = append(files, FileInfo{
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range exts {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}
