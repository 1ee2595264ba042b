// Package epub provides ePub 3.0 generation from recognized page text.
//
// Output is deterministic: the same book and chapters always produce the
// same bytes, so re-exporting an unchanged book does not rewrite content.
package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"time"
)

// Book contains the metadata needed for epub generation.
type Book struct {
	ID       string // becomes urn:uuid:<ID>
	Title    string
	Author   string
	Language string    // ISO 639-1 code, default "en"
	Modified time.Time // dcterms:modified; callers pass a stable time
}

// Chapter is one content document. Text is markdown.
type Chapter struct {
	ID    string // unique, used for file names (e.g., "page_0001")
	Title string
	Text  string
	Note  bool // rendered with the note style, e.g. an incompleteness notice
}

// Builder creates ePub 3.0 files.
type Builder struct {
	book     Book
	chapters []Chapter
}

// NewBuilder creates a new epub builder.
func NewBuilder(book Book, chapters []Chapter) *Builder {
	return &Builder{
		book:     book,
		chapters: chapters,
	}
}

// WriteTo writes the epub to a writer.
func (b *Builder) WriteTo(w io.Writer) error {
	if len(b.chapters) == 0 {
		return fmt.Errorf("epub needs at least one chapter")
	}

	zw := zip.NewWriter(w)

	// mimetype must be first and stored uncompressed
	if err := writeEntry(zw, "mimetype", zip.Store, []byte("application/epub+zip")); err != nil {
		return err
	}

	files := []struct {
		name    string
		content string
	}{
		{"META-INF/container.xml", containerXML},
		{"OEBPS/content.opf", b.generatePackage()},
		{"OEBPS/nav.xhtml", b.generateNavigation()},
		{"OEBPS/toc.ncx", b.generateNCX()},
		{"OEBPS/styles/style.css", defaultStylesheet},
	}
	for _, f := range files {
		if err := writeEntry(zw, f.name, zip.Deflate, []byte(f.content)); err != nil {
			return err
		}
	}

	for _, ch := range b.chapters {
		content, err := b.generateChapterXHTML(ch)
		if err != nil {
			return fmt.Errorf("failed to render chapter %s: %w", ch.ID, err)
		}
		if err := writeEntry(zw, "OEBPS/chapters/"+ch.ID+".xhtml", zip.Deflate, []byte(content)); err != nil {
			return err
		}
	}

	return zw.Close()
}

// BuildToBuffer generates the epub and returns it as a byte buffer.
func (b *Builder) BuildToBuffer() (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	if err := b.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeEntry adds one file with a zero timestamp so archives are stable.
func writeEntry(zw *zip.Writer, name string, method uint16, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (b *Builder) identifier() string {
	return "urn:uuid:" + b.book.ID
}

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const defaultStylesheet = `/* Auralens ePub Stylesheet */

body {
  font-family: Georgia, "Times New Roman", serif;
  font-size: 1em;
  line-height: 1.6;
  margin: 1em;
}

h1, h2, h3, h4, h5, h6 {
  font-family: "Helvetica Neue", Helvetica, Arial, sans-serif;
  font-weight: bold;
  margin-top: 1.5em;
  margin-bottom: 0.5em;
}

h1.page-title {
  font-size: 0.9em;
  color: #777;
  text-transform: uppercase;
  letter-spacing: 0.1em;
  border-bottom: 1px solid #ccc;
}

p {
  margin: 0.5em 0;
}

blockquote {
  margin: 1em 2em;
  font-style: italic;
  border-left: 3px solid #ccc;
  padding-left: 1em;
}

pre, code {
  font-family: Menlo, Consolas, monospace;
  font-size: 0.9em;
}

table {
  border-collapse: collapse;
}

.note {
  font-size: 0.9em;
  border: 1px solid #c99;
  padding: 0.5em 1em;
}
`
