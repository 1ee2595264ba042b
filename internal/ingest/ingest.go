// Package ingest turns source documents into books and rasterizes their
// pages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/imageutil"
)

func init() {
	// pdfcpu otherwise writes a config directory under the user's home.
	api.DisableConfigDir()
}

// CorruptDocumentError means the document could not be parsed or rendered.
type CorruptDocumentError struct {
	Path string
	Err  error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("corrupt document %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *CorruptDocumentError) Unwrap() error        { return e.Err }
func (e *CorruptDocumentError) Kind() book.ErrorKind { return book.KindContent }

// UnsupportedFormatError means the document type cannot be rasterized.
type UnsupportedFormatError struct {
	Path string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported document format: %s", filepath.Base(e.Path))
}

func (e *UnsupportedFormatError) Kind() book.ErrorKind { return book.KindContent }

// RenderRequest asks for one page bitmap.
type RenderRequest struct {
	SourcePath string
	PageIndex  int // 0-based
	DPI        int
}

// Rasterizer renders document pages to images.
type Rasterizer interface {
	PageCount(ctx context.Context, path string) (int, error)
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// PDFRasterizer counts pages with pdfcpu and renders them with pdftoppm
// (poppler-utils), downscaling the result for the vision model.
type PDFRasterizer struct {
	Command     string // pdftoppm binary, default "pdftoppm"
	MaxPixels   int
	JPEGQuality int
}

// PageCount returns the number of pages in a PDF.
func (r *PDFRasterizer) PageCount(ctx context.Context, path string) (int, error) {
	if err := checkFormat(path); err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, book.Resource("open source", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(f, conf)
	if err != nil {
		return 0, &CorruptDocumentError{Path: path, Err: err}
	}
	if n == 0 {
		return 0, &CorruptDocumentError{Path: path, Err: errors.New("document has no pages")}
	}
	return n, ctx.Err()
}

// Render rasterizes one page and returns it as JPEG bytes within MaxPixels.
func (r *PDFRasterizer) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	if err := checkFormat(req.SourcePath); err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.SourcePath); err != nil {
		return nil, book.Resource("stat source", err)
	}

	tmpDir, err := os.MkdirTemp("", "auralens-page-*")
	if err != nil {
		return nil, book.Resource("create temp dir", err)
	}
	defer os.RemoveAll(tmpDir)

	command := r.Command
	if command == "" {
		command = "pdftoppm"
	}
	dpi := req.DPI
	if dpi <= 0 {
		dpi = 150
	}

	// -singlefile writes <prefix>.png without a page-number suffix.
	prefix := filepath.Join(tmpDir, "page")
	page := strconv.Itoa(req.PageIndex + 1)
	cmd := exec.CommandContext(ctx, command,
		"-png",
		"-f", page,
		"-l", page,
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		req.SourcePath,
		prefix,
	)
	output, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, book.Resource("find "+command, err)
		}
		return nil, &CorruptDocumentError{
			Path: req.SourcePath,
			Err:  fmt.Errorf("pdftoppm page %s: %w (output: %s)", page, err, strings.TrimSpace(string(output))),
		}
	}

	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, &CorruptDocumentError{Path: req.SourcePath, Err: fmt.Errorf("pdftoppm produced no image for page %s", page)}
	}

	jpeg, err := imageutil.Prepare(data, r.MaxPixels, r.JPEGQuality)
	if err != nil {
		return nil, &CorruptDocumentError{Path: req.SourcePath, Err: err}
	}
	return jpeg, nil
}

func checkFormat(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return &UnsupportedFormatError{Path: path}
	}
	return nil
}

// Open identifies the document at path and builds a book with one pending
// page per document page. A document whose pages cannot be counted becomes a
// single render_failed page so the failure is visible on the book itself.
// Only resource errors (missing or unreadable file) are returned.
func Open(ctx context.Context, r Rasterizer, path string, origin book.Origin) (*book.Book, error) {
	id, err := book.Identify(path)
	if err != nil {
		return nil, err
	}

	count, err := r.PageCount(ctx, id.Path)
	if err != nil {
		if kind := book.Classify(err); kind == book.KindResource || kind == book.KindCancelled {
			return nil, err
		}
		b := book.New(id.ID, id.Path, id.ContentSig, origin, 1)
		b.SourceModTime = id.ModTime
		b.Pages[0].Status = book.PageStatusRenderFailed
		b.Pages[0].LastError = book.Classify(err)
		b.Pages[0].ErrorMessage = err.Error()
		return b, nil
	}

	b := book.New(id.ID, id.Path, id.ContentSig, origin, count)
	b.SourceModTime = id.ModTime
	return b, nil
}
