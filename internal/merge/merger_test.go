package merge

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"reportdesk/internal/docx"
	"reportdesk/internal/models"
	"reportdesk/internal/models/modelstest"
	"reportdesk/internal/paths"
)

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	root := t.TempDir()
	return paths.Layout{
		ReportRoot:      filepath.Join(root, "report"),
		MergeRoot:       filepath.Join(root, "report_merge"),
		EditorImageRoot: filepath.Join(root, "editor_image"),
	}
}

func chapterBytes(t *testing.T, heading, body string) []byte {
	t.Helper()
	b := docx.NewBuilder()
	b.AddHeading(heading, 1)
	b.AddParagraph(&docx.Paragraph{Runs: []docx.Run{{Text: body}}})
	data, err := b.Bytes()
	require.NoError(t, err)
	return data
}

// seedReport creates a report with chapter rows whose files are written
// only for the titles listed in withFiles.
func seedReport(t *testing.T, store *models.Store, layout paths.Layout, owner *int64, titles []string, withFiles map[string]bool) models.Report {
	t.Helper()
	ctx := context.Background()

	dir := layout.ReportDir(owner, "巡检报告", "三月巡检")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var report models.Report
	require.NoError(t, store.WithTx(ctx, func(tx *sql.Tx) error {
		typeID, err := store.GetOrCreateTypeTx(ctx, tx, "巡检报告", owner)
		if err != nil {
			return err
		}
		report = models.Report{TypeID: typeID, ReportName: "三月巡检", UserID: owner, StorageDir: "三月巡检"}
		if err := store.CreateReportTx(ctx, tx, &report); err != nil {
			return err
		}
		for i, title := range titles {
			filePath := filepath.Join(dir, title+".docx")
			if withFiles == nil || withFiles[title] {
				if err := os.WriteFile(filePath, chapterBytes(t, title, title+"的正文。"), 0o644); err != nil {
					return err
				}
			}
			row := models.CatalogueRow{
				TypeID: typeID, ReportNameID: report.ID,
				CatalogueName: title, Level: 1, SortOrder: i + 1, FileName: filePath,
			}
			if err := store.InsertCatalogueTx(ctx, tx, &row); err != nil {
				return err
			}
		}
		return nil
	}))
	report.TypeName = "巡检报告"
	return report
}

func paragraphTexts(t *testing.T, filePath string) []string {
	t.Helper()
	doc, err := docx.OpenFile(filePath)
	require.NoError(t, err)
	var texts []string
	for _, node := range doc.Nodes {
		if p, ok := node.(*docx.Paragraph); ok {
			if text := p.Text(); text != "" {
				texts = append(texts, text)
			}
		}
	}
	return texts
}

func TestMergeCombinesChaptersInOrder(t *testing.T) {
	store := modelstest.NewStore(t)
	layout := testLayout(t)
	m := New(store, layout, zerolog.Nop())
	seedReport(t, store, layout, nil, []string{"1 概述", "2 详情", "3 结论"}, nil)

	result, err := m.Merge(context.Background(), "巡检报告", "三月巡检", nil)
	require.NoError(t, err)
	require.Equal(t, 3, result.Merged)
	require.Empty(t, result.Skipped)
	require.Equal(t, filepath.Join(layout.MergeRoot, "巡检报告", "三月巡检.docx"), result.OutputPath)

	texts := paragraphTexts(t, result.OutputPath)
	require.Equal(t, []string{
		"1 概述", "1 概述的正文。",
		"2 详情", "2 详情的正文。",
		"3 结论", "3 结论的正文。",
	}, texts)

	record, err := store.GetMergedRecord(context.Background(), result.Record.ReportNameID, nil)
	require.NoError(t, err)
	require.Equal(t, result.OutputPath, record.FilePath)

	// The merged HTML view sits next to the document.
	require.NotEmpty(t, result.HTMLPath)
	html, err := os.ReadFile(result.HTMLPath)
	require.NoError(t, err)
	require.Contains(t, string(html), "1 概述")
	require.Contains(t, string(html), "3 结论的正文。")
}

func TestMergeSkipsMissingChapterFiles(t *testing.T) {
	store := modelstest.NewStore(t)
	layout := testLayout(t)
	m := New(store, layout, zerolog.Nop())
	seedReport(t, store, layout, nil, []string{"1 概述", "2 详情", "3 结论"},
		map[string]bool{"1 概述": true, "3 结论": true})

	result, err := m.Merge(context.Background(), "巡检报告", "三月巡检", nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.Merged)
	require.Equal(t, []string{"2 详情"}, result.Skipped)

	texts := paragraphTexts(t, result.OutputPath)
	require.NotContains(t, texts, "2 详情")
}

func TestMergeFailsWithoutAnySource(t *testing.T) {
	store := modelstest.NewStore(t)
	layout := testLayout(t)
	m := New(store, layout, zerolog.Nop())
	seedReport(t, store, layout, nil, []string{"1 概述"}, map[string]bool{})

	_, err := m.Merge(context.Background(), "巡检报告", "三月巡检", nil)
	require.ErrorIs(t, err, models.ErrNoSourceFiles)

	_, err = m.Merge(context.Background(), "巡检报告", "没有这份", nil)
	require.ErrorIs(t, err, models.ErrReportNotFound)
}

func TestRemergeUpdatesSameRecord(t *testing.T) {
	store := modelstest.NewStore(t)
	layout := testLayout(t)
	m := New(store, layout, zerolog.Nop())
	owner := int64(7)
	seedReport(t, store, layout, &owner, []string{"1 概述", "2 结论"}, nil)

	first, err := m.Merge(context.Background(), "巡检报告", "三月巡检", &owner)
	require.NoError(t, err)
	second, err := m.Merge(context.Background(), "巡检报告", "三月巡检", &owner)
	require.NoError(t, err)

	require.Equal(t, first.Record.ID, second.Record.ID)
	require.Equal(t, first.OutputPath, second.OutputPath)
	require.Equal(t, filepath.Join(layout.MergeRoot, "7", "巡检报告", "三月巡检.docx"), second.OutputPath)
}

func TestSortRowsNaturalFallback(t *testing.T) {
	rows := []models.CatalogueRow{
		{CatalogueName: "10 总结", SortOrder: 0},
		{CatalogueName: "2 详情", SortOrder: 0},
		{CatalogueName: "1 概述", SortOrder: 0},
		{CatalogueName: "1.2 范围", SortOrder: 0},
		{CatalogueName: "1.10 边界", SortOrder: 0},
	}
	sortRows(rows)
	var names []string
	for _, row := range rows {
		names = append(names, row.CatalogueName)
	}
	require.Equal(t, []string{"1 概述", "1.2 范围", "1.10 边界", "2 详情", "10 总结"}, names)

	// Real sort_order wins over the numbering prefix.
	rows = []models.CatalogueRow{
		{CatalogueName: "2 后写的", SortOrder: 1},
		{CatalogueName: "1 先写的", SortOrder: 2},
	}
	sortRows(rows)
	require.Equal(t, "2 后写的", rows[0].CatalogueName)
}
