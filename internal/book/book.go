// Package book holds the Page/Book data model shared by every stage of the
// pipeline. Book status is never stored independently: it is always derived
// from the page statuses via Aggregate.
package book

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrPageNotFound is returned for a page index outside the book.
var ErrPageNotFound = errors.New("page not found")

// PageStatus is the position of a page in its processing lifecycle.
type PageStatus string

const (
	PageStatusPending       PageStatus = "pending"
	PageStatusExtracted     PageStatus = "extracted"
	PageStatusReviewPending PageStatus = "review_pending"
	PageStatusReviewed      PageStatus = "reviewed"
	PageStatusOcrPending    PageStatus = "ocr_pending"
	PageStatusOcrDone       PageStatus = "ocr_done"
	PageStatusRenderFailed  PageStatus = "render_failed"
	PageStatusOcrFailed     PageStatus = "ocr_failed"
	PageStatusCancelled     PageStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition occurs from s.
func (s PageStatus) IsTerminal() bool {
	switch s {
	case PageStatusOcrDone, PageStatusRenderFailed, PageStatusOcrFailed, PageStatusCancelled:
		return true
	}
	return false
}

// IsFailed reports whether s is a terminal failure.
func (s PageStatus) IsFailed() bool {
	return s == PageStatusRenderFailed || s == PageStatusOcrFailed
}

// IsValid reports whether s is a known page status.
func (s PageStatus) IsValid() bool {
	switch s {
	case PageStatusPending, PageStatusExtracted, PageStatusReviewPending, PageStatusReviewed,
		PageStatusOcrPending, PageStatusOcrDone, PageStatusRenderFailed, PageStatusOcrFailed,
		PageStatusCancelled:
		return true
	}
	return false
}

// Origin identifies which workflow created a book.
type Origin string

const (
	OriginManual Origin = "manual"
	OriginInbox  Origin = "inbox"
)

// Page is a single page of a book.
type Page struct {
	Index        int        `json:"index"`
	ImageRef     string     `json:"image_ref,omitempty"`
	Text         string     `json:"text,omitempty"`
	Status       PageStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    ErrorKind  `json:"last_error,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Number returns the 1-based page number used in user-facing output.
func (p Page) Number() int {
	return p.Index + 1
}

// Book is one source document moving through the pipeline.
type Book struct {
	ID           string    `json:"id"`
	SourcePath   string    `json:"source_path"`
	ContentSig   string    `json:"content_sig"`
	Origin       Origin    `json:"origin"`
	OutputTarget string    `json:"output_target,omitempty"`
	Pages        []Page    `json:"pages"`
	CreatedAt    time.Time `json:"created_at"`

	// SourceModTime is the source file's mtime when the book was identified.
	// Exports stamp it instead of re-reading the file.
	SourceModTime time.Time `json:"source_mod_time,omitempty"`
}

// New creates a book with count pending pages indexed 0..count-1.
func New(id, sourcePath, contentSig string, origin Origin, count int) *Book {
	b := &Book{
		ID:         id,
		SourcePath: sourcePath,
		ContentSig: contentSig,
		Origin:     origin,
		Pages:      make([]Page, count),
		CreatedAt:  time.Now().UTC(),
	}
	for i := range b.Pages {
		b.Pages[i] = Page{Index: i, Status: PageStatusPending}
	}
	return b
}

// Status derives the book status from its pages.
func (b *Book) Status() BookStatus {
	return Aggregate(b.Pages)
}

// Stem returns the source file name without its extension.
func (b *Book) Stem() string {
	base := filepath.Base(b.SourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Page returns a pointer to the page with the given index.
func (b *Book) Page(index int) (*Page, error) {
	if index < 0 || index >= len(b.Pages) {
		return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrPageNotFound, index, len(b.Pages))
	}
	return &b.Pages[index], nil
}

// Counts tallies pages by status.
func (b *Book) Counts() map[PageStatus]int {
	counts := make(map[PageStatus]int, len(b.Pages))
	for _, p := range b.Pages {
		counts[p.Status]++
	}
	return counts
}

// Done returns the number of pages in a terminal status.
func (b *Book) Done() int {
	n := 0
	for _, p := range b.Pages {
		if p.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// FailedPages returns the 1-based numbers of terminally failed pages.
func (b *Book) FailedPages() []int {
	var nums []int
	for _, p := range b.Pages {
		if p.Status.IsFailed() {
			nums = append(nums, p.Number())
		}
	}
	return nums
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (b *Book) Snapshot() *Book {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Pages = make([]Page, len(b.Pages))
	copy(cp.Pages, b.Pages)
	return &cp
}

// Validate checks the structural invariants of the page sequence.
func (b *Book) Validate() error {
	for i, p := range b.Pages {
		if p.Index != i {
			return fmt.Errorf("page at position %d has index %d", i, p.Index)
		}
		if !p.Status.IsValid() {
			return fmt.Errorf("page %d has unknown status %q", i, p.Status)
		}
		if p.Attempts < 0 {
			return fmt.Errorf("page %d has negative attempts", i)
		}
	}
	return nil
}

// ResumeFromCancel makes cancelled pages eligible for processing again.
// Attempts are preserved.
func (b *Book) ResumeFromCancel() int {
	n := 0
	for i := range b.Pages {
		if b.Pages[i].Status == PageStatusCancelled {
			b.Pages[i].Status = PageStatusPending
			b.Pages[i].LastError = ""
			b.Pages[i].ErrorMessage = ""
			n++
		}
	}
	return n
}

// Restart resets every page for a user-initiated full rerun. This is the only
// path that sets attempts back to zero.
func (b *Book) Restart() {
	for i := range b.Pages {
		b.Pages[i] = Page{Index: i, ImageRef: b.Pages[i].ImageRef, Status: PageStatusPending}
	}
}

// EditPage replaces a page's text with a user correction. The page becomes
// ocr_done whatever state it was in; attempts are kept.
func (b *Book) EditPage(index int, text string) error {
	p, err := b.Page(index)
	if err != nil {
		return err
	}
	p.Text = text
	p.Status = PageStatusOcrDone
	p.LastError = ""
	p.ErrorMessage = ""
	return nil
}

// ResetPage makes one page pending again with zero attempts, the single-page
// form of Restart.
func (b *Book) ResetPage(index int) error {
	p, err := b.Page(index)
	if err != nil {
		return err
	}
	*p = Page{Index: index, ImageRef: p.ImageRef, Status: PageStatusPending}
	return nil
}

// CancelRemaining marks every non-terminal page cancelled and returns how many
// pages changed.
func (b *Book) CancelRemaining() int {
	n := 0
	for i := range b.Pages {
		if !b.Pages[i].Status.IsTerminal() {
			b.Pages[i].Status = PageStatusCancelled
			b.Pages[i].LastError = KindCancelled
			n++
		}
	}
	return n
}

// FailRemaining marks every non-terminal page failed with err. Pages that were
// never extracted become render failures, the rest OCR failures.
func (b *Book) FailRemaining(err error) int {
	kind := Classify(err)
	n := 0
	for i := range b.Pages {
		p := &b.Pages[i]
		if p.Status.IsTerminal() {
			continue
		}
		if p.Status == PageStatusPending {
			p.Status = PageStatusRenderFailed
		} else {
			p.Status = PageStatusOcrFailed
		}
		p.LastError = kind
		p.ErrorMessage = err.Error()
		n++
	}
	return n
}
