// Package htmlconv projects documents to editor HTML and back.
package htmlconv

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"reportdesk/internal/docx"
)

// ImageSink receives document images during HTML projection and returns
// the URL the HTML should reference.
type ImageSink interface {
	Store(name string, data []byte) (string, error)
}

// DirSink writes images into a directory under generated names and
// serves them below URLPrefix.
type DirSink struct {
	Dir       string
	URLPrefix string
}

func (s DirSink) Store(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".png"
	}
	generated := strings.ReplaceAll(uuid.NewString(), "-", "") + ext
	if err := os.WriteFile(filepath.Join(s.Dir, generated), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return s.URLPrefix + generated, nil
}

// discardSink keeps the projection going when no image storage is
// wanted; images become empty sources.
type discardSink struct{}

func (discardSink) Store(string, []byte) (string, error) { return "", nil }

// ToHTML renders the document as editor HTML. Headings become h1..h6,
// run emphasis becomes strong/em/u, tables become plain bordered
// tables, and images are routed through the sink. Empty paragraphs are
// dropped. Per-image failures are downgraded to warnings.
func ToHTML(doc *docx.Document, sink ImageSink) (string, []string, error) {
	if sink == nil {
		sink = discardSink{}
	}
	var out strings.Builder
	var warnings []string
	for _, node := range doc.Nodes {
		switch n := node.(type) {
		case *docx.Paragraph:
			renderParagraph(&out, doc, n, sink, &warnings)
		case *docx.Table:
			renderTable(&out, n)
		}
	}
	return out.String(), warnings, nil
}

func renderParagraph(out *strings.Builder, doc *docx.Document, p *docx.Paragraph, sink ImageSink, warnings *[]string) {
	text := strings.TrimSpace(p.Text())
	if text != "" {
		level := docx.HeadingLevel(p.StyleName)
		if level == 0 {
			level = docx.HeadingLevel(p.StyleID)
		}
		if level > 0 {
			tag := fmt.Sprintf("h%d", min(level, 6))
			out.WriteString("<" + tag + ">" + html.EscapeString(text) + "</" + tag + ">")
		} else {
			out.WriteString("<p>")
			for _, r := range p.Runs {
				renderRun(out, r)
			}
			out.WriteString("</p>")
		}
	}
	for _, name := range p.Images {
		data, ok := doc.Media[name]
		if !ok {
			*warnings = append(*warnings, "missing media part "+name)
			continue
		}
		src, err := sink.Store(name, data)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("store image %s: %v", name, err))
			continue
		}
		fmt.Fprintf(out, `<p><img src="%s" alt="%s"/></p>`, html.EscapeString(src), html.EscapeString(name))
	}
}

func renderRun(out *strings.Builder, r docx.Run) {
	if r.Text == "" {
		return
	}
	text := strings.ReplaceAll(html.EscapeString(r.Text), "\n", "<br/>")
	if r.Bold {
		text = "<strong>" + text + "</strong>"
	}
	if r.Italic {
		text = "<em>" + text + "</em>"
	}
	if r.Underline {
		text = "<u>" + text + "</u>"
	}
	out.WriteString(text)
}

func renderTable(out *strings.Builder, t *docx.Table) {
	if len(t.Rows) == 0 {
		return
	}
	out.WriteString(`<table border="1">`)
	for _, row := range t.Rows {
		out.WriteString("<tr>")
		for _, cell := range row {
			out.WriteString("<td>" + strings.ReplaceAll(html.EscapeString(cell), "\n", "<br/>") + "</td>")
		}
		out.WriteString("</tr>")
	}
	out.WriteString("</table>")
}
