package ingest

import (
	"os"
	"path/filepath"

	"github.com/jackzampolin/auralens/internal/book"
)

// PathFunc maps a book and page index to a cache file path.
type PathFunc func(bookID string, pageIndex int) string

// PageCache stores rendered page images so a resumed book skips rendering.
type PageCache struct {
	path PathFunc
}

// NewPageCache creates a cache that stores images at the paths returned by fn.
func NewPageCache(fn PathFunc) *PageCache {
	return &PageCache{path: fn}
}

// Lookup returns the cached image reference for a page, if present.
func (c *PageCache) Lookup(bookID string, pageIndex int) (string, bool) {
	p := c.path(bookID, pageIndex)
	info, err := os.Stat(p)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return p, true
}

// Put writes a page image atomically and returns its reference.
func (c *PageCache) Put(bookID string, pageIndex int, data []byte) (string, error) {
	p := c.path(bookID, pageIndex)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", book.Resource("create page cache", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", book.Resource("write page cache", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", book.Resource("commit page cache", err)
	}
	return p, nil
}

// Load reads a cached image by reference.
func (c *PageCache) Load(ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, book.Resource("read page cache", err)
	}
	return data, nil
}

// Exists reports whether ref still points at a non-empty image.
func (c *PageCache) Exists(ref string) bool {
	if ref == "" {
		return false
	}
	info, err := os.Stat(ref)
	return err == nil && info.Size() > 0
}
