package epub

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *Builder {
	return NewBuilder(
		Book{
			ID:       "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			Title:    "Field Notes & Sketches",
			Modified: time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
		},
		[]Chapter{
			{ID: "page_0001", Title: "Page 1", Text: "# Heading\n\nFirst **bold** paragraph."},
			{ID: "page_0002", Title: "Page 2", Text: "x < y and <script>alert(1)</script>"},
		},
	)
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	files := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = string(content)
	}
	return files
}

func TestBuilder_Layout(t *testing.T) {
	buf, err := testBuilder().BuildToBuffer()
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)
	assert.Equal(t, "mimetype", zr.File[0].Name)
	assert.Equal(t, zip.Store, zr.File[0].Method)

	files := readZip(t, buf.Bytes())
	assert.Equal(t, "application/epub+zip", files["mimetype"])
	for _, name := range []string{
		"META-INF/container.xml",
		"OEBPS/content.opf",
		"OEBPS/nav.xhtml",
		"OEBPS/toc.ncx",
		"OEBPS/styles/style.css",
		"OEBPS/chapters/page_0001.xhtml",
		"OEBPS/chapters/page_0002.xhtml",
	} {
		assert.Contains(t, files, name)
	}

	opf := files["OEBPS/content.opf"]
	assert.Contains(t, opf, "urn:uuid:6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Contains(t, opf, "<dc:title>Field Notes &amp; Sketches</dc:title>")
	assert.Contains(t, opf, "2024-02-03T04:05:06Z")
	assert.Less(t, strings.Index(opf, `idref="page_0001"`), strings.Index(opf, `idref="page_0002"`))

	assert.Contains(t, files["OEBPS/nav.xhtml"], ">Page 2</a>")
}

func TestBuilder_ChapterMarkup(t *testing.T) {
	buf, err := testBuilder().BuildToBuffer()
	require.NoError(t, err)
	files := readZip(t, buf.Bytes())

	first := files["OEBPS/chapters/page_0001.xhtml"]
	assert.Contains(t, first, "<h1>Heading</h1>")
	assert.Contains(t, first, "<strong>bold</strong>")

	second := files["OEBPS/chapters/page_0002.xhtml"]
	assert.Contains(t, second, "x &lt; y")
	assert.NotContains(t, second, "<script>")
}

func TestBuilder_Deterministic(t *testing.T) {
	a, err := testBuilder().BuildToBuffer()
	require.NoError(t, err)
	b, err := testBuilder().BuildToBuffer()
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestBuilder_NoChapters(t *testing.T) {
	_, err := NewBuilder(Book{ID: "x"}, nil).BuildToBuffer()
	assert.Error(t, err)
}
