package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the auralens home directory.
	DefaultDirName = ".auralens"

	// CacheDirName is the subdirectory for rendered page images.
	CacheDirName = "cache"

	// LogsDirName is the subdirectory for rotated log files.
	LogsDirName = "logs"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// ManifestFileName is the durable job manifest database.
	ManifestFileName = "manifest.db"

	// LockFileName guards against two daemons sharing one home.
	LockFileName = "auralens.lock"
)

// Dir represents the auralens home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.auralens).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return &Dir{path: abs}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// ManifestPath returns the path to the manifest database.
func (d *Dir) ManifestPath() string {
	return filepath.Join(d.path, ManifestFileName)
}

// LockPath returns the path to the daemon lock file.
func (d *Dir) LockPath() string {
	return filepath.Join(d.path, LockFileName)
}

// LogsDir returns the directory for log files.
func (d *Dir) LogsDir() string {
	return filepath.Join(d.path, LogsDirName)
}

// LogPath returns the default log file path.
func (d *Dir) LogPath() string {
	return filepath.Join(d.LogsDir(), "auralens.log")
}

// CacheDir returns the root of the page image cache.
func (d *Dir) CacheDir() string {
	return filepath.Join(d.path, CacheDirName)
}

// BookCacheDir returns the page image directory for a book.
func (d *Dir) BookCacheDir(bookID string) string {
	return filepath.Join(d.CacheDir(), bookID)
}

// PageImagePath returns the cached image path for a page.
// Page indexes are 0-based; file names are 1-based to match page numbers.
func (d *Dir) PageImagePath(bookID string, pageIndex int) string {
	return filepath.Join(d.BookCacheDir(bookID), fmt.Sprintf("page_%04d.jpg", pageIndex+1))
}

// EnsureBookCacheDir creates the page image directory for a book.
func (d *Dir) EnsureBookCacheDir(bookID string) error {
	return os.MkdirAll(d.BookCacheDir(bookID), 0o755)
}

// ClearBookCache removes every cached image of a book.
func (d *Dir) ClearBookCache(bookID string) error {
	return os.RemoveAll(d.BookCacheDir(bookID))
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.CacheDir(), d.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
