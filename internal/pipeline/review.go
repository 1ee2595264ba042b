package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jackzampolin/auralens/internal/book"
)

// ErrReviewAborted is returned by a Reviewer to cancel the whole book.
var ErrReviewAborted = errors.New("review aborted")

// Reviewer approves an extracted page before it is sent to OCR.
// Returning ErrReviewAborted cancels the book.
type Reviewer interface {
	Review(ctx context.Context, b *book.Book, page book.Page) error
}

// AutoApprove approves every page.
type AutoApprove struct{}

func (AutoApprove) Review(context.Context, *book.Book, book.Page) error { return nil }

// ReviewFunc adapts a function to the Reviewer interface.
type ReviewFunc func(ctx context.Context, b *book.Book, page book.Page) error

func (f ReviewFunc) Review(ctx context.Context, b *book.Book, page book.Page) error {
	return f(ctx, b, page)
}

// TerminalReviewer asks on a terminal whether each rendered page may be
// sent to OCR. An empty line or "y" approves; "q" or end of input aborts.
type TerminalReviewer struct {
	out io.Writer

	once  sync.Once
	lines chan string
	in    io.Reader
}

// NewTerminalReviewer creates a reviewer reading answers from in.
func NewTerminalReviewer(in io.Reader, out io.Writer) *TerminalReviewer {
	return &TerminalReviewer{in: in, out: out}
}

func (r *TerminalReviewer) start() {
	r.lines = make(chan string)
	go func() {
		defer close(r.lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
	}()
}

// Review prints the page image path and waits for an answer.
func (r *TerminalReviewer) Review(ctx context.Context, b *book.Book, page book.Page) error {
	r.once.Do(r.start)

	for {
		fmt.Fprintf(r.out, "Page %d/%d rendered: %s\nSend to OCR? [Y/q] ", page.Number(), len(b.Pages), page.ImageRef)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-r.lines:
			if !ok {
				return ErrReviewAborted
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "", "y", "yes":
				return nil
			case "q", "quit", "abort", "n", "no":
				return ErrReviewAborted
			}
			fmt.Fprintln(r.out, "Please answer y or q.")
		}
	}
}
