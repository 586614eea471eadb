package paths

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind distinguishes the two image scopes under the editor image root.
type Kind string

const (
	KindReport Kind = "report"
	KindMerge  Kind = "report_merge"
)

// Layout resolves every filesystem location and URL prefix the pipeline
// uses. Public (unowned) resources omit the owner segment.
type Layout struct {
	ReportRoot      string
	MergeRoot       string
	EditorImageRoot string
}

func ownerSegment(owner *int64) string {
	if owner == nil {
		return ""
	}
	return strconv.FormatInt(*owner, 10)
}

// UserReportDir returns {report_root}[/{owner}].
func (l Layout) UserReportDir(owner *int64) string {
	return filepath.Join(l.ReportRoot, ownerSegment(owner))
}

// ReportDir returns the directory holding one report's chapter files.
func (l Layout) ReportDir(owner *int64, typeName, storageDir string) string {
	return filepath.Join(l.UserReportDir(owner), typeName, storageDir)
}

// UserMergeDir returns {merge_root}[/{owner}].
func (l Layout) UserMergeDir(owner *int64) string {
	return filepath.Join(l.MergeRoot, ownerSegment(owner))
}

// MergedFile returns the flat path of a report's merged document.
func (l Layout) MergedFile(owner *int64, typeName, reportName string) string {
	return filepath.Join(l.UserMergeDir(owner), typeName, reportName+".docx")
}

// ImageDir returns the preview-image directory scoped by source kind,
// owner, type and report so images from different reports never collide.
func (l Layout) ImageDir(kind Kind, owner *int64, typeName, reportName string) string {
	return filepath.Join(l.EditorImageRoot, string(kind), ownerSegment(owner), typeName, reportName)
}

// ImageURLPrefix returns the URL prefix under which ImageDir is served.
// Path segments are percent-encoded since titles may contain non-ASCII.
func (l Layout) ImageURLPrefix(kind Kind, owner *int64, typeName, reportName string) string {
	parts := []string{string(kind)}
	if owner != nil {
		parts = append(parts, strconv.FormatInt(*owner, 10))
	}
	parts = append(parts, url.PathEscape(typeName), url.PathEscape(reportName))
	return "/editor_images/" + strings.Join(parts, "/") + "/"
}

// ChapterImageDir is the images/ folder next to a report's chapter files,
// used by the split-time HTML previews.
func (l Layout) ChapterImageDir(owner *int64, typeName, storageDir string) string {
	return filepath.Join(l.ReportDir(owner, typeName, storageDir), "images")
}

// ChapterImageURLPrefix serves ChapterImageDir under /report_files.
func (l Layout) ChapterImageURLPrefix(owner *int64, typeName, storageDir string) string {
	parts := []string{}
	if owner != nil {
		parts = append(parts, strconv.FormatInt(*owner, 10))
	}
	parts = append(parts, url.PathEscape(typeName), url.PathEscape(storageDir), "images")
	return "/report_files/" + strings.Join(parts, "/") + "/"
}

// Inside reports whether path resolves under one of the given roots,
// guarding against traversal segments in caller-supplied names.
func Inside(path string, roots ...string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	illegalChars = regexp.MustCompile(`[\\/:*?"<>|]`)
	spaceRuns    = regexp.MustCompile(`\s+`)
)

var reservedNames = func() map[string]bool {
	m := map[string]bool{"CON": true, "PRN": true, "AUX": true, "NUL": true}
	for i := 1; i < 10; i++ {
		m[fmt.Sprintf("COM%d", i)] = true
		m[fmt.Sprintf("LPT%d", i)] = true
	}
	return m
}()

// SanitizeName converts arbitrary user input into a filesystem-safe name
// (without extension): NFKC normalization, control characters stripped,
// reserved characters replaced, whitespace collapsed, trailing dots and
// spaces removed, OS device names escaped, length capped.
func SanitizeName(name string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = 150
	}
	name = norm.NFKC.String(name)
	name = controlChars.ReplaceAllString(name, "")
	name = illegalChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(spaceRuns.ReplaceAllString(name, " "))
	name = strings.TrimRight(name, " .")
	if name == "" {
		return "untitled"
	}
	if reservedNames[strings.ToUpper(name)] {
		name = "_" + name
	}
	runes := []rune(name)
	if len(runes) > maxLength {
		name = string(runes[:maxLength])
		name = strings.TrimRight(name, " .")
		if name == "" {
			return "untitled"
		}
	}
	return name
}

// SanitizeDirName applies SanitizeName with the shorter cap used for the
// type and report directory segments.
func SanitizeDirName(name string) string {
	return SanitizeName(name, 100)
}

// WriteFileAtomic replaces dst by writing to a temp file in the same
// directory and renaming over the target.
func WriteFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
