// Package export delivers finished books to disk as text, markdown or EPUB.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/auralens/internal/book"
)

// Format is an output encoding.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatEPUB     Format = "epub"
)

// Formats lists every supported format.
var Formats = []Format{FormatText, FormatMarkdown, FormatEPUB}

// Ext returns the file extension for f, with leading dot.
func (f Format) Ext() string {
	switch f {
	case FormatMarkdown:
		return ".md"
	case FormatEPUB:
		return ".epub"
	default:
		return ".txt"
	}
}

// ParseFormat validates a format name. File extensions are accepted too.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "text", "txt":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "epub":
		return FormatEPUB, nil
	}
	return "", fmt.Errorf("unknown export format %q (want text, markdown or epub)", s)
}

// ParseFormats validates a list of format names, dropping duplicates.
func ParseFormats(names []string) ([]Format, error) {
	var out []Format
	seen := map[Format]bool{}
	for _, n := range names {
		f, err := ParseFormat(n)
		if err != nil {
			return nil, err
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one export format is required")
	}
	return out, nil
}

// FilesystemError reports a failed write. It is a resource error.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// Kind implements book.Kinded.
func (e *FilesystemError) Kind() book.ErrorKind { return book.KindResource }

// Config configures a Sink.
type Config struct {
	Outbox  string   // empty: next to the source file
	Formats []Format // default text
	Author  string   // EPUB creator
	Logger  *slog.Logger
}

// Sink writes terminal books. Delivery is idempotent: the same book always
// encodes to the same bytes, and an unchanged file is left untouched.
type Sink struct {
	cfg    Config
	logger *slog.Logger
}

// NewSink creates a sink.
func NewSink(cfg Config) *Sink {
	if len(cfg.Formats) == 0 {
		cfg.Formats = []Format{FormatText}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{cfg: cfg, logger: logger.With("component", "export")}
}

// Formats returns the configured formats.
func (s *Sink) Formats() []Format {
	return s.cfg.Formats
}

// Path resolves where format f of b is written: the book's output target,
// else the outbox, else the source file's directory.
func (s *Sink) Path(b *book.Book, f Format) string {
	if t := b.OutputTarget; t != "" {
		if len(s.cfg.Formats) == 1 {
			return t
		}
		return strings.TrimSuffix(t, filepath.Ext(t)) + f.Ext()
	}
	dir := s.cfg.Outbox
	if dir == "" {
		dir = filepath.Dir(b.SourcePath)
	}
	return filepath.Join(dir, b.Stem()+f.Ext())
}

// Deliver writes every configured format and returns the paths written. A
// book without a single recognized page produces no output.
func (s *Sink) Deliver(ctx context.Context, b *book.Book) ([]string, error) {
	if b == nil {
		return nil, errors.New("deliver: nil book")
	}
	status := b.Status()
	if !status.IsTerminal() {
		return nil, fmt.Errorf("deliver %s: book is still %s", b.ID, status)
	}
	if b.Counts()[book.PageStatusOcrDone] == 0 {
		s.logger.Warn("nothing to export, no page was recognized",
			"book_id", b.ID, "status", status)
		return nil, nil
	}

	var paths []string
	for _, f := range s.cfg.Formats {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		data, err := s.encode(b, f)
		if err != nil {
			return paths, fmt.Errorf("encode %s: %w", f, err)
		}
		path := s.Path(b, f)
		written, err := writeFileAtomic(path, data)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
		s.logger.Info("exported book",
			"book_id", b.ID,
			"format", f,
			"path", path,
			"status", status,
			"bytes", len(data),
			"unchanged", !written)
	}
	return paths, nil
}

func (s *Sink) encode(b *book.Book, f Format) ([]byte, error) {
	switch f {
	case FormatText:
		return []byte(EncodeText(b)), nil
	case FormatMarkdown:
		return []byte(EncodeMarkdown(b)), nil
	case FormatEPUB:
		return EncodeEPUB(b, s.cfg.Author)
	}
	return nil, fmt.Errorf("unsupported format %q", f)
}

// writeFileAtomic replaces path with data via a temp file and rename. It
// reports false when the file already held exactly data.
func writeFileAtomic(path string, data []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, &FilesystemError{Op: "create directory", Path: filepath.Dir(path), Err: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return false, &FilesystemError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, &FilesystemError{Op: "rename", Path: path, Err: err}
	}
	return true, nil
}
