package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the store and the pipeline services.
// Callers branch with errors.Is instead of matching message text.
var (
	// ErrDuplicateReport means a report with the same type, name and owner
	// already exists. Raised before any file is written.
	ErrDuplicateReport = errors.New("report already exists")

	// ErrReportNotFound means the requested report (or type) does not exist
	// within the caller's visibility scope.
	ErrReportNotFound = errors.New("report not found")

	// ErrChapterNotFound means a catalogue row could not be located.
	ErrChapterNotFound = errors.New("chapter not found")

	// ErrNoChapters means structure analysis found no usable headings, so
	// the document cannot be split.
	ErrNoChapters = errors.New("no chapter headings detected")

	// ErrNoSourceFiles means a merge resolved zero readable chapter files.
	ErrNoSourceFiles = errors.New("no source files to merge")
)

// MalformedPackageError reports a file that is not a valid document
// package. The reason is safe to show to the uploader.
type MalformedPackageError struct {
	Reason string
}

func (e *MalformedPackageError) Error() string {
	return "malformed document package: " + e.Reason
}

// ConversionError wraps a per-artifact conversion failure that was
// isolated rather than aborting the batch.
type ConversionError struct {
	Artifact string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s: %v", e.Artifact, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// ReportType is a user- or globally-scoped report category.
type ReportType struct {
	ID       int64  `json:"id"`
	TypeName string `json:"type_name"`
	// UserID is nil for public types.
	UserID *int64 `json:"user_id,omitempty"`
}

// Report is one report under a type. StorageDir is the sanitized
// directory segment its chapter files live under.
type Report struct {
	ID         int64     `json:"id"`
	TypeID     int64     `json:"type_id"`
	TypeName   string    `json:"type_name,omitempty"`
	ReportName string    `json:"report_name"`
	UserID     *int64    `json:"user_id,omitempty"`
	StorageDir string    `json:"storage_dir"`
	CreatedAt  time.Time `json:"created_at"`
}

// CatalogueRow is one chapter node of a report's catalogue tree.
// ParentID 0 marks a root chapter. FileName stores the absolute path of
// the chapter's document file.
type CatalogueRow struct {
	ID            int64  `json:"id"`
	TypeID        int64  `json:"type_id"`
	ReportNameID  int64  `json:"report_name_id"`
	CatalogueName string `json:"catalogue_name"`
	Level         int    `json:"level"`
	SortOrder     int    `json:"sort_order"`
	ParentID      int64  `json:"parent_id"`
	FileName      string `json:"file_name"`
}

// MergedRecord tracks the merged output document of a report. At most
// one live row exists per (report, owner); re-merging updates it.
type MergedRecord struct {
	ID           int64     `json:"id"`
	TypeID       int64     `json:"type_id"`
	ReportNameID int64     `json:"report_name_id"`
	MergedName   string    `json:"merged_name"`
	FilePath     string    `json:"file_path"`
	UserID       *int64    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CatalogueNode is a CatalogueRow with its children attached, as served
// to catalogue-tree consumers.
type CatalogueNode struct {
	CatalogueRow
	Children []*CatalogueNode `json:"children,omitempty"`
}

// BuildTree assembles parent-linked rows into a forest ordered by
// sort_order at every level. Rows whose parent is missing are promoted
// to roots rather than dropped.
func BuildTree(rows []CatalogueRow) []*CatalogueNode {
	byID := make(map[int64]*CatalogueNode, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &CatalogueNode{CatalogueRow: rows[i]}
	}
	var roots []*CatalogueNode
	for _, row := range rows {
		node := byID[row.ID]
		if row.ParentID != 0 {
			if parent, ok := byID[row.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots
}
