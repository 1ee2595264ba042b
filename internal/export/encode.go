package export

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/epub"
)

const (
	textSeparator     = "\n\n--- Page %d ---\n\n"
	markdownSeparator = "\n\n---\n\n"
)

// sortedPages returns b's pages ordered by index, whatever order they were
// stored or completed in.
func sortedPages(b *book.Book) []book.Page {
	pages := slices.Clone(b.Pages)
	slices.SortFunc(pages, func(x, y book.Page) int { return x.Index - y.Index })
	return pages
}

// placeholder stands in for a page without recognized text.
func placeholder(p book.Page) string {
	switch p.Status {
	case book.PageStatusRenderFailed:
		return fmt.Sprintf("[Page %d: could not be rendered]", p.Number())
	case book.PageStatusOcrFailed:
		return fmt.Sprintf("[Page %d: text recognition failed]", p.Number())
	default:
		return fmt.Sprintf("[Page %d: not processed]", p.Number())
	}
}

// pageText returns the recognized text or a placeholder.
func pageText(p book.Page) (string, bool) {
	if p.Status == book.PageStatusOcrDone {
		return p.Text, true
	}
	return placeholder(p), false
}

// IncompleteNote describes what is missing from a book that did not
// complete. It is empty for completed books.
func IncompleteNote(b *book.Book) string {
	if b.Status() == book.StatusCompleted {
		return ""
	}
	var failed, skipped []string
	for _, p := range sortedPages(b) {
		switch {
		case p.Status.IsFailed():
			failed = append(failed, strconv.Itoa(p.Number()))
		case p.Status != book.PageStatusOcrDone:
			skipped = append(skipped, strconv.Itoa(p.Number()))
		}
	}

	var parts []string
	if len(failed) > 0 {
		parts = append(parts, "failed pages "+strings.Join(failed, ", "))
	}
	if len(skipped) > 0 {
		parts = append(parts, "unprocessed pages "+strings.Join(skipped, ", "))
	}
	if len(parts) == 0 {
		return "Incomplete export"
	}
	return "Incomplete export: " + strings.Join(parts, "; ")
}

// EncodeText joins page texts with numbered separators. A single-page book
// is just its text.
func EncodeText(b *book.Book) string {
	var sb strings.Builder
	if note := IncompleteNote(b); note != "" {
		sb.WriteString("[" + note + "]\n\n")
	}
	for i, p := range sortedPages(b) {
		if i > 0 {
			fmt.Fprintf(&sb, textSeparator, p.Number())
		}
		text, _ := pageText(p)
		sb.WriteString(text)
	}
	return sb.String()
}

// EncodeMarkdown joins page texts with horizontal rules.
func EncodeMarkdown(b *book.Book) string {
	var parts []string
	for _, p := range sortedPages(b) {
		text, ok := pageText(p)
		if !ok {
			text = "*" + text + "*"
		}
		parts = append(parts, text)
	}
	body := strings.Join(parts, markdownSeparator)
	if note := IncompleteNote(b); note != "" {
		return "> **" + note + "**\n\n" + body
	}
	return body
}

// EncodeEPUB builds an EPUB with one chapter per page. The modification
// stamp comes from the source file so re-exports are byte-identical.
func EncodeEPUB(b *book.Book, author string) ([]byte, error) {
	var chapters []epub.Chapter
	if note := IncompleteNote(b); note != "" {
		chapters = append(chapters, epub.Chapter{
			ID:    "notice",
			Title: "Incomplete export",
			Text:  note + ".",
			Note:  true,
		})
	}
	for _, p := range sortedPages(b) {
		text, ok := pageText(p)
		if !ok {
			text = "*" + text + "*"
		}
		chapters = append(chapters, epub.Chapter{
			ID:    fmt.Sprintf("page_%04d", p.Number()),
			Title: fmt.Sprintf("Page %d", p.Number()),
			Text:  text,
		})
	}

	buf, err := epub.NewBuilder(epub.Book{
		ID:       b.ID,
		Title:    b.Stem(),
		Author:   author,
		Modified: sourceModTime(b),
	}, chapters).BuildToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sourceModTime is the mtime recorded when the book was identified, so the
// same book always encodes to the same bytes.
func sourceModTime(b *book.Book) time.Time {
	if !b.SourceModTime.IsZero() {
		return b.SourceModTime
	}
	return b.CreatedAt
}
