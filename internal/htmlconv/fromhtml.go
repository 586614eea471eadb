package htmlconv

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"

	"reportdesk/internal/docx"
	"reportdesk/internal/paths"
)

// Options controls the HTML to document projection.
type Options struct {
	// ResolveImage maps an img src to a readable local file. Sources it
	// rejects are skipped with a warning.
	ResolveImage func(src string) (string, bool)
	// MaxImageWidth caps inserted images, in EMU. Defaults to the
	// printable page width.
	MaxImageWidth int64
}

// EditorImageResolver resolves editor image URLs below urlPrefix to
// files under dir, decoding percent-encoded segments. Paths escaping
// dir are rejected.
func EditorImageResolver(urlPrefix, dir string) func(string) (string, bool) {
	return func(src string) (string, bool) {
		if !strings.HasPrefix(src, urlPrefix) {
			return "", false
		}
		decoded, err := url.PathUnescape(strings.TrimPrefix(src, urlPrefix))
		if err != nil {
			return "", false
		}
		resolved := filepath.Join(dir, filepath.FromSlash(decoded))
		if !paths.Inside(resolved, dir) {
			return "", false
		}
		return resolved, true
	}
}

var (
	numberedHeading = regexp.MustCompile(`^\s*(\d+(?:\.\d+)*)[\.、．\s]\s*\S`)
	chineseHeading  = regexp.MustCompile(`^\s*[一二三四五六七八九十百千]+[、.．]\s*\S`)
)

// promotedHeadingLevel recognizes body paragraphs that carry manual
// chapter numbering, e.g. "1.2 网络结构" or "一、概述", and returns the
// heading level to restyle them with.
func promotedHeadingLevel(text string) int {
	if len([]rune(text)) > 100 {
		return 0
	}
	if m := numberedHeading.FindStringSubmatch(text); m != nil {
		level := strings.Count(m[1], ".") + 1
		if level > 9 {
			level = 9
		}
		return level
	}
	if chineseHeading.MatchString(text) {
		return 1
	}
	return 0
}

// FromHTML converts editor HTML into a document package. Unresolvable
// images are skipped with warnings rather than failing the save.
func FromHTML(content string, opts Options) ([]byte, []string, error) {
	if opts.MaxImageWidth <= 0 {
		opts.MaxImageWidth = docx.PrintableWidth
	}
	root, err := xhtml.Parse(strings.NewReader(content))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	conv := &converter{builder: docx.NewBuilder(), opts: opts}
	conv.walk(findBody(root))
	data, err := conv.builder.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return data, append(conv.warnings, conv.builder.Warnings()...), nil
}

type converter struct {
	builder  *docx.Builder
	opts     Options
	warnings []string
	images   int
}

func findBody(n *xhtml.Node) *xhtml.Node {
	if n.Type == xhtml.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if body := findBody(c); body != nil {
			return body
		}
	}
	return nil
}

func (c *converter) walk(n *xhtml.Node) {
	if n == nil {
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xhtml.ElementNode {
			if child.Type == xhtml.TextNode {
				if text := strings.TrimSpace(child.Data); text != "" {
					c.builder.AddParagraph(&docx.Paragraph{Runs: []docx.Run{{Text: text}}})
				}
			}
			continue
		}
		switch child.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(child.Data[1] - '0')
			text := strings.TrimSpace(nodeText(child))
			if text != "" {
				c.builder.AddHeading(text, level)
			}
			c.collectImages(child)
		case "p", "li", "blockquote", "pre":
			c.block(child)
		case "table":
			c.table(child)
		case "img":
			c.image(child)
		case "div", "section", "article", "ul", "ol", "figure", "span":
			c.walk(child)
		default:
			c.walk(child)
		}
	}
}

// block converts one paragraph-like element: inline formatting becomes
// runs, embedded images follow as their own paragraphs, and manually
// numbered paragraphs are promoted to real headings.
func (c *converter) block(n *xhtml.Node) {
	var runs []docx.Run
	collectRuns(n, inlineState{}, &runs)
	text := strings.TrimSpace(runText(runs))
	if text != "" {
		if level := promotedHeadingLevel(text); level > 0 {
			c.builder.AddHeading(text, level)
		} else {
			c.builder.AddParagraph(&docx.Paragraph{Runs: runs})
		}
	}
	c.collectImages(n)
}

// table recreates a table element as row/column cell text. Images
// inside cells are lifted out as their own paragraphs after the table.
func (c *converter) table(n *xhtml.Node) {
	var rows [][]string
	var visit func(*xhtml.Node)
	visit = func(n *xhtml.Node) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != xhtml.ElementNode {
				continue
			}
			if child.Data == "tr" {
				var row []string
				for cell := child.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == xhtml.ElementNode && (cell.Data == "td" || cell.Data == "th") {
						row = append(row, strings.TrimSpace(nodeText(cell)))
					}
				}
				rows = append(rows, row)
				continue
			}
			visit(child)
		}
	}
	visit(n)
	if len(rows) > 0 {
		c.builder.AddTable(&docx.Table{Rows: rows})
	}
	c.collectImages(n)
}

func runText(runs []docx.Run) string {
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

type inlineState struct {
	bold      bool
	italic    bool
	underline bool
}

func collectRuns(n *xhtml.Node, state inlineState, runs *[]docx.Run) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case xhtml.TextNode:
			if child.Data == "" {
				continue
			}
			*runs = append(*runs, docx.Run{
				Text:      child.Data,
				Bold:      state.bold,
				Italic:    state.italic,
				Underline: state.underline,
			})
		case xhtml.ElementNode:
			next := state
			switch child.Data {
			case "strong", "b":
				next.bold = true
			case "em", "i":
				next.italic = true
			case "u", "ins":
				next.underline = true
			case "br":
				*runs = append(*runs, docx.Run{Text: "\n"})
				continue
			case "img", "table":
				continue
			}
			collectRuns(child, next, runs)
		}
	}
}

func nodeText(n *xhtml.Node) string {
	var b strings.Builder
	var visit func(*xhtml.Node)
	visit = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func (c *converter) collectImages(n *xhtml.Node) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xhtml.ElementNode && child.Data == "img" {
			c.image(child)
			continue
		}
		c.collectImages(child)
	}
}

func (c *converter) image(n *xhtml.Node) {
	src := attr(n, "src")
	if src == "" {
		return
	}
	if c.opts.ResolveImage == nil {
		c.warnings = append(c.warnings, "image skipped, no resolver: "+src)
		return
	}
	localPath, ok := c.opts.ResolveImage(src)
	if !ok {
		c.warnings = append(c.warnings, "image source not resolvable: "+src)
		return
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		c.warnings = append(c.warnings, fmt.Sprintf("image unreadable: %s: %v", src, err))
		return
	}
	c.images++
	name := filepath.Base(localPath)
	c.builder.AddImage(fmt.Sprintf("%03d_%s", c.images, name), data, c.opts.MaxImageWidth)
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
