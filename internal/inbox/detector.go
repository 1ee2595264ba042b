// Package inbox watches a directory and reports files once they have
// stopped changing.
package inbox

import (
	"sort"
	"time"
)

// MinStablePolls is the smallest accepted stability threshold.
const MinStablePolls = 2

// FileInfo is one observation of a candidate file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Entry tracks a file that has not been reported yet.
type Entry struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mtime"`
	StableStreak int       `json:"stable_streak"`
}

type signature struct {
	size    int64
	modTime time.Time
}

// Detector turns successive directory listings into ready events. It does
// no I/O and is not safe for concurrent use.
type Detector struct {
	threshold int
	entries   map[string]*Entry
	reported  map[string]signature
}

// NewDetector creates a detector that reports a file after threshold
// consecutive unchanged observations. Values below MinStablePolls are raised.
func NewDetector(threshold int) *Detector {
	if threshold < MinStablePolls {
		threshold = MinStablePolls
	}
	return &Detector{
		threshold: threshold,
		entries:   make(map[string]*Entry),
		reported:  make(map[string]signature),
	}
}

// Observe feeds one listing and returns the paths that became ready, sorted.
// Each path is returned once; the same unchanged file is never reported
// again, while a modified or re-created file is tracked afresh. Empty files
// are tracked but never reported. Entries missing from files are dropped.
func (d *Detector) Observe(files []FileInfo) []string {
	present := make(map[string]struct{}, len(files))
	var ready []string

	for _, f := range files {
		present[f.Path] = struct{}{}
		sig := signature{size: f.Size, modTime: f.ModTime}

		if prev, ok := d.reported[f.Path]; ok {
			if prev.size == sig.size && prev.modTime.Equal(sig.modTime) {
				continue
			}
			delete(d.reported, f.Path)
		}

		e, ok := d.entries[f.Path]
		if !ok {
			d.entries[f.Path] = &Entry{Path: f.Path, Size: f.Size, ModTime: f.ModTime}
			continue
		}

		if e.Size == f.Size && e.ModTime.Equal(f.ModTime) && f.Size > 0 {
			e.StableStreak++
		} else {
			e.Size, e.ModTime, e.StableStreak = f.Size, f.ModTime, 0
		}

		if e.StableStreak >= d.threshold {
			ready = append(ready, f.Path)
			d.reported[f.Path] = sig
			delete(d.entries, f.Path)
		}
	}

	for path := range d.entries {
		if _, ok := present[path]; !ok {
			delete(d.entries, path)
		}
	}
	for path := range d.reported {
		if _, ok := present[path]; !ok {
			delete(d.reported, path)
		}
	}

	sort.Strings(ready)
	return ready
}

// Touch resets the streak of a tracked file, typically on a write
// notification between polls.
func (d *Detector) Touch(path string) {
	if e, ok := d.entries[path]; ok {
		e.StableStreak = 0
	}
}

// Forget drops everything known about path, so an unchanged file can be
// reported again.
func (d *Detector) Forget(path string) {
	delete(d.entries, path)
	delete(d.reported, path)
}

// Tracking returns the files still waiting to stabilize, sorted by path.
func (d *Detector) Tracking() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
