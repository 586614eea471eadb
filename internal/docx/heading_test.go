package docx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadingLevel(t *testing.T) {
	cases := map[string]int{
		"heading 1":      1,
		"Heading 2":      2,
		"HEADING 3 Char": 3,
		"标题 1":           1,
		"标题2":            2,
		"heading4":       4,
		"Title5":         5,
		"Normal":         0,
		"正文":             0,
		"":               0,
	}
	for name, want := range cases {
		require.Equal(t, want, HeadingLevel(name), "style %q", name)
	}
}

func TestNumberingCounters(t *testing.T) {
	var n Numbering
	require.Equal(t, "1", n.Next(1))
	require.Equal(t, "1.1", n.Next(2))
	require.Equal(t, "1.2", n.Next(2))
	require.Equal(t, "1.2.1", n.Next(3))
	require.Equal(t, "2", n.Next(1))
	// Deeper counters restart after returning to a shallower level.
	require.Equal(t, "2.1", n.Next(2))
}

func outlineDocument(t *testing.T) *Document {
	t.Helper()
	b := NewBuilder()
	b.AddParagraph(&Paragraph{Runs: []Run{{Text: "封面说明"}}})
	b.AddHeading("概述", 1)
	b.AddParagraph(&Paragraph{Runs: []Run{{Text: "概述正文。"}}})
	b.AddHeading("网络结构", 2)
	b.AddParagraph(&Paragraph{Runs: []Run{{Text: "结构正文。"}}})
	b.AddTable(&Table{Rows: [][]string{{"a", "b"}}})
	b.AddHeading("结论", 1)
	b.AddParagraph(&Paragraph{Runs: []Run{{Text: "结论正文。"}}})
	return parseBuilt(t, b)
}

func TestDetectChaptersPartition(t *testing.T) {
	doc := outlineDocument(t)
	chapters := DetectChapters(doc, 100)
	require.Len(t, chapters, 3)

	require.Equal(t, "1", chapters[0].Numbering)
	require.Equal(t, "概述", chapters[0].Title)
	require.Equal(t, 1, chapters[0].Level)
	require.Equal(t, "1.1", chapters[1].Numbering)
	require.Equal(t, "网络结构", chapters[1].Title)
	require.Equal(t, "2", chapters[2].Numbering)

	// The chapters cover everything after the preamble exactly once.
	require.Equal(t, 1, chapters[0].Start)
	for i := 1; i < len(chapters); i++ {
		require.Equal(t, chapters[i-1].End, chapters[i].Start)
	}
	require.Equal(t, len(doc.Nodes), chapters[2].End)
}

func TestDetectChaptersSkipsOverlongTitles(t *testing.T) {
	b := NewBuilder()
	b.AddHeading(strings.Repeat("标", 120), 1)
	b.AddParagraph(&Paragraph{Runs: []Run{{Text: "正文"}}})
	b.AddHeading("真正的章节", 1)
	doc := parseBuilt(t, b)

	chapters := DetectChapters(doc, 100)
	require.Len(t, chapters, 1)
	require.Equal(t, "真正的章节", chapters[0].Title)
	require.Equal(t, "1", chapters[0].Numbering)
}

func TestScanOutline(t *testing.T) {
	doc := outlineDocument(t)
	outline := ScanOutline(doc, 100)
	require.Equal(t, []OutlineEntry{
		{Level: 1, Numbering: "1", Title: "概述"},
		{Level: 2, Numbering: "1.1", Title: "网络结构"},
		{Level: 1, Numbering: "2", Title: "结论"},
	}, outline)
}
