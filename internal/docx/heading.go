package docx

import (
	"fmt"
	"strconv"
	"strings"
)

// headingMarkers are the per-level substrings that identify a heading
// style by name, covering English and Chinese Word builds.
var headingMarkers = func() [10][]string {
	var m [10][]string
	for level := 1; level <= 9; level++ {
		n := strconv.Itoa(level)
		m[level] = []string{
			"heading " + n,
			"标题 " + n,
			"heading" + n,
			"title" + n,
			"标题" + n,
		}
	}
	return m
}()

// HeadingLevel returns 1..9 when the style name marks a heading of that
// level, 0 otherwise. Matching is case-insensitive substring matching,
// so localized variants like "heading 2 Char" still resolve.
func HeadingLevel(styleName string) int {
	if styleName == "" {
		return 0
	}
	name := strings.ToLower(styleName)
	for level := 1; level <= 9; level++ {
		for _, marker := range headingMarkers[level] {
			if strings.Contains(name, marker) {
				return level
			}
		}
	}
	return 0
}

// paragraphHeadingLevel resolves the level from the style name, falling
// back to the style id when the name is unknown.
func paragraphHeadingLevel(p *Paragraph) int {
	if level := HeadingLevel(p.StyleName); level > 0 {
		return level
	}
	return HeadingLevel(p.StyleID)
}

// Numbering produces dotted chapter numbers from a stream of heading
// levels. Entering level N increments its counter and discards all
// deeper counters.
type Numbering struct {
	counters [10]int
}

// Next advances the counters for a heading at the given level and
// returns the dotted number, e.g. "2.1.3".
func (n *Numbering) Next(level int) string {
	if level < 1 {
		level = 1
	}
	if level > 9 {
		level = 9
	}
	n.counters[level]++
	for deeper := level + 1; deeper <= 9; deeper++ {
		n.counters[deeper] = 0
	}
	parts := make([]string, 0, level)
	for l := 1; l <= level; l++ {
		parts = append(parts, strconv.Itoa(n.counters[l]))
	}
	return strings.Join(parts, ".")
}

// Chapter is one heading-bounded slice of the document. Nodes[Start:End]
// is the chapter's content including its heading paragraph.
type Chapter struct {
	Level     int
	Title     string
	Numbering string
	Start     int
	End       int
}

// DetectChapters finds the heading-bounded chapters. A styled paragraph
// only starts a chapter when its text is non-empty and no longer than
// titleLimit runes; overlong "headings" are treated as mis-styled body
// text. Content before the first heading is not part of any chapter.
func DetectChapters(doc *Document, titleLimit int) []Chapter {
	if titleLimit <= 0 {
		titleLimit = 100
	}
	var chapters []Chapter
	var numbering Numbering
	for i, node := range doc.Nodes {
		p, ok := node.(*Paragraph)
		if !ok {
			continue
		}
		level := paragraphHeadingLevel(p)
		if level == 0 {
			continue
		}
		title := strings.TrimSpace(p.Text())
		if title == "" || len([]rune(title)) > titleLimit {
			continue
		}
		if n := len(chapters); n > 0 {
			chapters[n-1].End = i
		}
		chapters = append(chapters, Chapter{
			Level:     level,
			Title:     title,
			Numbering: numbering.Next(level),
			Start:     i,
		})
	}
	if n := len(chapters); n > 0 {
		chapters[n-1].End = len(doc.Nodes)
	}
	return chapters
}

// OutlineEntry is one heading of a quick structure scan.
type OutlineEntry struct {
	Level     int    `json:"level"`
	Numbering string `json:"numbering"`
	Title     string `json:"title"`
}

// ScanOutline returns the numbered heading list without splitting.
func ScanOutline(doc *Document, titleLimit int) []OutlineEntry {
	chapters := DetectChapters(doc, titleLimit)
	outline := make([]OutlineEntry, 0, len(chapters))
	for _, ch := range chapters {
		outline = append(outline, OutlineEntry{Level: ch.Level, Numbering: ch.Numbering, Title: ch.Title})
	}
	return outline
}

// ChapterFileName is the per-chapter document name, title sanitized by
// the caller beforehand.
func ChapterFileName(numbering, title string) string {
	return fmt.Sprintf("%s %s.docx", numbering, title)
}
