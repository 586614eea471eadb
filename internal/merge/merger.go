// Package merge recomposes a report's chapter files into one document.
package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"reportdesk/internal/docx"
	"reportdesk/internal/htmlconv"
	"reportdesk/internal/models"
	"reportdesk/internal/ooxml"
	"reportdesk/internal/paths"
)

// Result describes a finished merge.
type Result struct {
	Record     models.MergedRecord
	OutputPath string
	HTMLPath   string
	Merged     int
	Skipped    []string
}

// Merger builds merged report documents.
type Merger struct {
	store  *models.Store
	layout paths.Layout
	log    zerolog.Logger
}

func New(store *models.Store, layout paths.Layout, log zerolog.Logger) *Merger {
	return &Merger{store: store, layout: layout, log: log}
}

// Merge composes the report's chapters, in catalogue order, into
// {merge_root}/{owner}/{type}/{report}.docx and upserts the merged
// record. Missing chapter files are skipped with a warning; resolving
// none of them fails with ErrNoSourceFiles. Re-merging overwrites the
// previous output and updates the same record.
func (m *Merger) Merge(ctx context.Context, typeName, reportName string, owner *int64) (*Result, error) {
	report, err := m.store.FindReport(ctx, typeName, reportName, owner)
	if err != nil {
		return nil, err
	}
	rows, err := m.store.ListCatalogue(ctx, report.ID)
	if err != nil {
		return nil, err
	}
	sortRows(rows)

	result := &Result{}
	var files []string
	for _, row := range rows {
		filePath, ok := m.resolveChapterFile(report, row)
		if !ok {
			m.log.Warn().Str("chapter", row.CatalogueName).Str("file", row.FileName).Msg("chapter file missing, skipped")
			result.Skipped = append(result.Skipped, row.CatalogueName)
			continue
		}
		files = append(files, filePath)
	}
	if len(files) == 0 {
		return nil, models.ErrNoSourceFiles
	}

	base, err := ooxml.OpenFile(files[0])
	if err != nil {
		return nil, err
	}
	composer, err := docx.NewComposer(base)
	if err != nil {
		return nil, err
	}
	for _, filePath := range files[1:] {
		pkg, err := ooxml.OpenFile(filePath)
		if err != nil {
			m.log.Warn().Err(err).Str("file", filePath).Msg("chapter unreadable, skipped")
			result.Skipped = append(result.Skipped, filepath.Base(filePath))
			continue
		}
		if err := composer.Append(pkg); err != nil {
			return nil, fmt.Errorf("append chapter %s: %w", filepath.Base(filePath), err)
		}
	}
	merged, err := composer.Bytes()
	if err != nil {
		return nil, err
	}
	result.Merged = composer.Appended() + 1

	typeDir := paths.SanitizeDirName(typeName)
	mergedName := paths.SanitizeDirName(report.ReportName)
	outputPath := m.layout.MergedFile(owner, typeDir, mergedName)
	if err := paths.WriteFileAtomic(outputPath, merged); err != nil {
		return nil, fmt.Errorf("write merged document: %w", err)
	}
	result.OutputPath = outputPath

	record := models.MergedRecord{
		TypeID:       report.TypeID,
		ReportNameID: report.ID,
		MergedName:   report.ReportName,
		FilePath:     outputPath,
		UserID:       owner,
	}
	if err := m.store.UpsertMergedRecord(ctx, &record); err != nil {
		return nil, err
	}
	result.Record = record

	// The merged HTML view is best effort: the document itself is the
	// deliverable.
	result.HTMLPath = m.writeMergedHTML(report, typeName, files, outputPath, owner)
	return result, nil
}

var leadingNumber = regexp.MustCompile(`^([\d.]+)`)

// naturalKey parses the dotted numbering prefix for ordering, so
// "10 总结" sorts after "2 详情".
func naturalKey(name string) []int {
	m := leadingNumber.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	var key []int
	for _, part := range strings.Split(m[1], ".") {
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return key
		}
		key = append(key, n)
	}
	return key
}

func compareNatural(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// sortRows orders by sort_order, breaking ties (legacy rows without
// meaningful order) by the natural numbering in the chapter title.
func sortRows(rows []models.CatalogueRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SortOrder != rows[j].SortOrder {
			return rows[i].SortOrder < rows[j].SortOrder
		}
		return compareNatural(naturalKey(rows[i].CatalogueName), naturalKey(rows[j].CatalogueName)) < 0
	})
}

// resolveChapterFile trusts the stored absolute path first, then
// re-derives it from the basename under the report's private and
// public storage directories.
func (m *Merger) resolveChapterFile(report models.Report, row models.CatalogueRow) (string, bool) {
	if fileReadable(row.FileName) {
		return row.FileName, true
	}
	basename := filepath.Base(row.FileName)
	typeDir := paths.SanitizeDirName(report.TypeName)
	scopes := []*int64{report.UserID}
	if report.UserID != nil {
		scopes = append(scopes, nil)
	}
	for _, scope := range scopes {
		candidate := filepath.Join(m.layout.ReportDir(scope, typeDir, report.StorageDir), basename)
		if fileReadable(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileReadable(filePath string) bool {
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

// writeMergedHTML builds the merged HTML view, reusing cached chapter
// HTML when present and converting fresh otherwise. Chapter image
// references are re-pointed (and the files copied) into the merged
// report's image directory.
func (m *Merger) writeMergedHTML(report models.Report, typeName string, files []string, outputPath string, owner *int64) string {
	typeDir := paths.SanitizeDirName(typeName)
	chapterPrefix := m.layout.ChapterImageURLPrefix(report.UserID, typeDir, report.StorageDir)
	chapterDir := m.layout.ChapterImageDir(report.UserID, typeDir, report.StorageDir)
	mergedPrefix := m.layout.ImageURLPrefix(paths.KindMerge, owner, typeName, report.ReportName)
	mergedDir := m.layout.ImageDir(paths.KindMerge, owner, typeName, report.ReportName)
	rewrite := htmlconv.CopyImageRewriter(chapterPrefix, chapterDir, mergedPrefix, mergedDir)

	var fragments []string
	for _, filePath := range files {
		cached := strings.TrimSuffix(filePath, ".docx") + ".html"
		if data, err := os.ReadFile(cached); err == nil {
			fragments = append(fragments, string(data))
			continue
		}
		doc, err := docx.OpenFile(filePath)
		if err != nil {
			m.log.Warn().Err(err).Str("file", filePath).Msg("merged html: chapter unreadable")
			continue
		}
		sink := htmlconv.DirSink{Dir: mergedDir, URLPrefix: mergedPrefix}
		fragment, _, err := htmlconv.ToHTML(doc, sink)
		if err != nil {
			cerr := &models.ConversionError{Artifact: filepath.Base(filePath), Err: err}
			m.log.Warn().Err(cerr).Msg("merged html: conversion failed")
			continue
		}
		fragments = append(fragments, fragment)
	}
	combined, err := htmlconv.CombineHTML(fragments, rewrite)
	if err != nil {
		m.log.Warn().Err(err).Msg("merged html: combine failed")
		return ""
	}
	htmlPath := strings.TrimSuffix(outputPath, ".docx") + ".html"
	if err := os.WriteFile(htmlPath, []byte(combined), 0o644); err != nil {
		m.log.Warn().Err(err).Msg("merged html: write failed")
		return ""
	}
	return htmlPath
}
