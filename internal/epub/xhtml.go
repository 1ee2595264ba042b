package epub

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdown renders page text. Raw HTML in the source is omitted (goldmark's
// default) so OCR output can never inject markup into the package.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Table, extension.Strikethrough),
	goldmark.WithRendererOptions(html.WithXHTML()),
)

// generateChapterXHTML converts a chapter's markdown to an XHTML document.
func (b *Builder) generateChapterXHTML(ch Chapter) (string, error) {
	var sb strings.Builder

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml">
<head>
  <title>`)
	sb.WriteString(escapeXML(ch.Title))
	sb.WriteString(`</title>
  <link rel="stylesheet" type="text/css" href="../styles/style.css"/>
</head>
<body>
`)
	if ch.Note {
		sb.WriteString("<div class=\"note\">\n")
	}
	sb.WriteString("<h1 class=\"page-title\">")
	sb.WriteString(escapeXML(ch.Title))
	sb.WriteString("</h1>\n")

	body, err := markdownToXHTML(ch.Text)
	if err != nil {
		return "", err
	}
	sb.WriteString(body)

	if ch.Note {
		sb.WriteString("</div>\n")
	}
	sb.WriteString("</body>\n</html>\n")

	return sb.String(), nil
}

// markdownToXHTML converts markdown text to an XHTML fragment.
func markdownToXHTML(md string) (string, error) {
	if strings.TrimSpace(md) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
