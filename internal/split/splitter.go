// Package split turns an uploaded document into per-chapter files and
// catalogue rows.
package split

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"reportdesk/internal/docx"
	"reportdesk/internal/htmlconv"
	"reportdesk/internal/models"
	"reportdesk/internal/ooxml"
	"reportdesk/internal/paths"
)

// Progress receives splitting milestones as a percentage and a short
// human-readable message.
type Progress func(percent int, message string)

func nopProgress(int, string) {}

// Options tunes the splitter.
type Options struct {
	// TitleLengthLimit is the heading sanity threshold in runes;
	// longer styled paragraphs are treated as body text. Default 100.
	TitleLengthLimit int
	// ImageMaxWidth caps re-inserted images, in EMU. Default 6 inches.
	ImageMaxWidth int64
}

// Result describes a finished split.
type Result struct {
	Report   models.Report
	Rows     []models.CatalogueRow
	Outline  []docx.OutlineEntry
	Warnings []string
}

// Splitter runs the decomposition pipeline.
type Splitter struct {
	store  *models.Store
	layout paths.Layout
	log    zerolog.Logger
	opts   Options
}

func New(store *models.Store, layout paths.Layout, log zerolog.Logger, opts Options) *Splitter {
	if opts.TitleLengthLimit <= 0 {
		opts.TitleLengthLimit = 100
	}
	if opts.ImageMaxWidth <= 0 {
		opts.ImageMaxWidth = docx.DefaultImageWidth
	}
	return &Splitter{store: store, layout: layout, log: log, opts: opts}
}

// Scan returns the numbered outline of a document without splitting it.
func Scan(srcPath string, titleLimit int) ([]docx.OutlineEntry, error) {
	doc, err := docx.OpenFile(srcPath)
	if err != nil {
		return nil, err
	}
	return docx.ScanOutline(doc, titleLimit), nil
}

// Split decomposes the document at srcPath into chapter files under the
// report's storage directory and records the catalogue in one
// transaction. A duplicate report is rejected before any file is
// written. Chapter files written before a database failure stay on
// disk; the caller owns their cleanup.
func (s *Splitter) Split(ctx context.Context, srcPath, typeName, reportName string, owner *int64, progress Progress) (*Result, error) {
	if progress == nil {
		progress = nopProgress
	}
	progress(5, "validating document")
	if err := ooxml.ValidatePackage(srcPath); err != nil {
		return nil, err
	}

	exists, err := s.store.ReportExists(ctx, typeName, reportName, owner)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, models.ErrDuplicateReport
	}

	progress(10, "reading document")
	doc, err := docx.OpenFile(srcPath)
	if err != nil {
		return nil, err
	}
	result := &Result{Warnings: doc.Warnings}

	progress(15, "analyzing structure")
	chapters := docx.DetectChapters(doc, s.opts.TitleLengthLimit)
	if len(chapters) == 0 {
		return nil, models.ErrNoChapters
	}
	result.Outline = docx.ScanOutline(doc, s.opts.TitleLengthLimit)

	storageDir := paths.SanitizeDirName(reportName)
	reportDir := s.layout.ReportDir(owner, paths.SanitizeDirName(typeName), storageDir)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	progress(20, "writing chapters")
	type pendingRow struct {
		row   models.CatalogueRow
		level int
	}
	var pending []pendingRow
	for i, chapter := range chapters {
		filePath, warnings, err := s.writeChapter(doc, chapter, reportDir)
		if err != nil {
			return nil, err
		}
		result.Warnings = append(result.Warnings, warnings...)

		title := chapter.Numbering + " " + chapter.Title
		if runes := []rune(title); len(runes) > 250 {
			title = string(runes[:250])
		}
		pending = append(pending, pendingRow{
			row: models.CatalogueRow{
				CatalogueName: title,
				Level:         chapter.Level,
				SortOrder:     i + 1,
				FileName:      filePath,
			},
			level: chapter.Level,
		})
		progress(20+(i+1)*70/len(chapters), fmt.Sprintf("chapter %d/%d", i+1, len(chapters)))
	}

	progress(92, "saving catalogue")
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		typeID, err := s.store.GetOrCreateTypeTx(ctx, tx, typeName, owner)
		if err != nil {
			return err
		}
		report := models.Report{
			TypeID:     typeID,
			TypeName:   typeName,
			ReportName: reportName,
			UserID:     owner,
			StorageDir: storageDir,
		}
		if err := s.store.CreateReportTx(ctx, tx, &report); err != nil {
			return err
		}
		result.Report = report

		// Nearest preceding shallower chapter becomes the parent.
		type frame struct {
			level int
			id    int64
		}
		var stack []frame
		for i := range pending {
			p := &pending[i]
			for len(stack) > 0 && stack[len(stack)-1].level >= p.level {
				stack = stack[:len(stack)-1]
			}
			p.row.TypeID = typeID
			p.row.ReportNameID = report.ID
			if len(stack) > 0 {
				p.row.ParentID = stack[len(stack)-1].id
			}
			if err := s.store.InsertCatalogueTx(ctx, tx, &p.row); err != nil {
				return err
			}
			stack = append(stack, frame{level: p.level, id: p.row.ID})
			result.Rows = append(result.Rows, p.row)
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("report", reportName).Msg("catalogue persistence failed, chapter files left on disk")
		return nil, err
	}

	progress(96, "generating previews")
	s.writePreviews(result, owner, typeName)

	progress(100, "done")
	return result, nil
}

// writeChapter builds one chapter document and returns its path.
func (s *Splitter) writeChapter(doc *docx.Document, chapter docx.Chapter, reportDir string) (string, []string, error) {
	b := docx.NewBuilder()
	for i := chapter.Start; i < chapter.End; i++ {
		switch n := doc.Nodes[i].(type) {
		case *docx.Paragraph:
			if i == chapter.Start {
				b.AddParagraph(numberedHeading(n, chapter.Numbering))
			} else {
				b.AddParagraph(n)
			}
			for _, name := range n.Images {
				data, ok := doc.Media[name]
				if !ok {
					continue
				}
				b.AddImage(name, data, s.opts.ImageMaxWidth)
			}
		case *docx.Table:
			b.AddTable(n)
		}
	}
	data, err := b.Bytes()
	if err != nil {
		return "", nil, err
	}
	fileName := docx.ChapterFileName(chapter.Numbering, paths.SanitizeName(chapter.Title, 50))
	filePath := filepath.Join(reportDir, fileName)
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("write chapter: %w", err)
	}
	return filePath, b.Warnings(), nil
}

// numberedHeading clones the heading paragraph with the chapter number
// prefixed to its first run.
func numberedHeading(p *docx.Paragraph, numbering string) *docx.Paragraph {
	clone := *p
	clone.Runs = append([]docx.Run(nil), p.Runs...)
	prefix := numbering + " "
	if len(clone.Runs) == 0 {
		clone.Runs = []docx.Run{{Text: prefix}}
		return &clone
	}
	for i := range clone.Runs {
		if strings.TrimSpace(clone.Runs[i].Text) != "" {
			clone.Runs[i].Text = prefix + clone.Runs[i].Text
			return &clone
		}
	}
	clone.Runs[0].Text = prefix + clone.Runs[0].Text
	return &clone
}

// writePreviews renders per-chapter HTML next to the chapter files.
// Failures are logged, never fatal: the catalogue is already committed.
func (s *Splitter) writePreviews(result *Result, owner *int64, typeName string) {
	typeDir := paths.SanitizeDirName(typeName)
	imageDir := s.layout.ChapterImageDir(owner, typeDir, result.Report.StorageDir)
	urlPrefix := s.layout.ChapterImageURLPrefix(owner, typeDir, result.Report.StorageDir)
	sink := htmlconv.DirSink{Dir: imageDir, URLPrefix: urlPrefix}
	for _, row := range result.Rows {
		doc, err := docx.OpenFile(row.FileName)
		if err != nil {
			s.log.Warn().Err(err).Str("chapter", row.CatalogueName).Msg("preview skipped")
			continue
		}
		html, warnings, err := htmlconv.ToHTML(doc, sink)
		if err != nil {
			s.log.Warn().Err(err).Str("chapter", row.CatalogueName).Msg("preview failed")
			continue
		}
		result.Warnings = append(result.Warnings, warnings...)
		htmlPath := strings.TrimSuffix(row.FileName, ".docx") + ".html"
		if err := os.WriteFile(htmlPath, []byte(html), 0o644); err != nil {
			s.log.Warn().Err(err).Str("chapter", row.CatalogueName).Msg("preview write failed")
		}
	}
}
