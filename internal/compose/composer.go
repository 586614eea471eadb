// Package compose builds a new report from a caller-supplied chapter
// tree, creating fresh chapters and copying imported ones.
package compose

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"reportdesk/internal/docx"
	"reportdesk/internal/models"
	"reportdesk/internal/paths"
)

// Tree limits. The tree arrives as untrusted JSON, so traversal uses an
// explicit work stack and hard bounds instead of recursion.
const (
	MaxDepth = 9
	MaxNodes = 1000
)

var (
	ErrTreeTooDeep  = errors.New("catalogue tree exceeds maximum depth")
	ErrTooManyNodes = errors.New("catalogue tree exceeds maximum node count")
)

// Node is one requested chapter. Children order is the sibling order.
type Node struct {
	Title    string     `json:"title"`
	Children []*Node    `json:"children,omitempty"`
	Import   *ImportRef `json:"import,omitempty"`
}

// ImportRef points at an existing chapter whose file should be copied.
type ImportRef struct {
	OriginID     int64  `json:"origin_id,omitempty"`
	OriginType   string `json:"origin_type,omitempty"`
	OriginReport string `json:"origin_report,omitempty"`
	OriginTitle  string `json:"origin_title,omitempty"`
}

// Request describes the report to compose.
type Request struct {
	TypeName   string
	ReportName string
	Owner      *int64
	Nodes      []*Node
}

// Result describes the composed report. CreatedFiles lists every
// chapter file written, for asynchronous preview generation.
type Result struct {
	Report       models.Report
	Rows         []models.CatalogueRow
	CreatedFiles []string
	Warnings     []string
}

// Composer assembles catalogue trees into reports.
type Composer struct {
	store  *models.Store
	layout paths.Layout
	log    zerolog.Logger
}

func New(store *models.Store, layout paths.Layout, log zerolog.Logger) *Composer {
	return &Composer{store: store, layout: layout, log: log}
}

// Compose validates the tree, rejects duplicates before any I/O, and
// writes chapters depth-first in sibling order. Missing import sources
// degrade to placeholder chapters with a warning.
func (c *Composer) Compose(ctx context.Context, req Request) (*Result, error) {
	if err := validateTree(req.Nodes); err != nil {
		return nil, err
	}
	exists, err := c.store.ReportExists(ctx, req.TypeName, req.ReportName, req.Owner)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, models.ErrDuplicateReport
	}

	storageDir := paths.SanitizeDirName(req.ReportName)
	reportDir := c.layout.ReportDir(req.Owner, paths.SanitizeDirName(req.TypeName), storageDir)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	result := &Result{}
	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		typeID, err := c.store.GetOrCreateTypeTx(ctx, tx, req.TypeName, req.Owner)
		if err != nil {
			return err
		}
		report := models.Report{
			TypeID:     typeID,
			TypeName:   req.TypeName,
			ReportName: req.ReportName,
			UserID:     req.Owner,
			StorageDir: storageDir,
		}
		if err := c.store.CreateReportTx(ctx, tx, &report); err != nil {
			return err
		}
		result.Report = report
		return c.writeTree(ctx, tx, req, &report, reportDir, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validateTree bounds depth and node count with a work stack.
func validateTree(nodes []*Node) error {
	type frame struct {
		node  *Node
		depth int
	}
	var stack []frame
	for _, n := range nodes {
		stack = append(stack, frame{n, 1})
	}
	count := 0
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node == nil {
			continue
		}
		if f.depth > MaxDepth {
			return ErrTreeTooDeep
		}
		if count++; count > MaxNodes {
			return ErrTooManyNodes
		}
		for _, child := range f.node.Children {
			stack = append(stack, frame{child, f.depth + 1})
		}
	}
	return nil
}

// writeTree walks the tree pre-order with an explicit stack, assigning
// dotted numbering from the ancestor chain and sibling position.
func (c *Composer) writeTree(ctx context.Context, tx *sql.Tx, req Request, report *models.Report, reportDir string, result *Result) error {
	type frame struct {
		node     *Node
		level    int
		parentID int64
		prefix   string
		sibling  int
	}
	var stack []frame
	for i := len(req.Nodes) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: req.Nodes[i], level: 1, sibling: i + 1})
	}
	sortOrder := 0
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node == nil {
			continue
		}
		numbering := strconv.Itoa(f.sibling)
		if f.prefix != "" {
			numbering = f.prefix + "." + numbering
		}
		sortOrder++

		filePath, warning, err := c.writeChapter(ctx, f.node, req.Owner, numbering, f.level, reportDir)
		if err != nil {
			return err
		}
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}

		title := numbering + " " + strings.TrimSpace(f.node.Title)
		if runes := []rune(title); len(runes) > 250 {
			title = string(runes[:250])
		}
		row := models.CatalogueRow{
			TypeID:        report.TypeID,
			ReportNameID:  report.ID,
			CatalogueName: title,
			Level:         f.level,
			SortOrder:     sortOrder,
			ParentID:      f.parentID,
			FileName:      filePath,
		}
		if err := c.store.InsertCatalogueTx(ctx, tx, &row); err != nil {
			return err
		}
		result.Rows = append(result.Rows, row)
		result.CreatedFiles = append(result.CreatedFiles, filePath)

		for i := len(f.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{
				node:     f.node.Children[i],
				level:    f.level + 1,
				parentID: row.ID,
				prefix:   numbering,
				sibling:  i + 1,
			})
		}
	}
	return nil
}

// writeChapter produces the chapter file: a copy of the import source
// when one resolves, otherwise a fresh heading document. A placeholder
// document stands in for unresolvable sources.
func (c *Composer) writeChapter(ctx context.Context, node *Node, owner *int64, numbering string, level int, reportDir string) (string, string, error) {
	fileName := fmt.Sprintf("%s %s.docx", numbering, paths.SanitizeName(node.Title, 150))
	filePath := filepath.Join(reportDir, fileName)

	if node.Import != nil {
		if src, ok := c.resolveSource(ctx, node.Import, owner); ok {
			if err := copyPreservingTimes(src, filePath); err != nil {
				return "", "", fmt.Errorf("copy chapter source: %w", err)
			}
			return filePath, "", nil
		}
		data, err := placeholderDocument(numbering, node.Title, level)
		if err != nil {
			return "", "", err
		}
		if err := os.WriteFile(filePath, data, 0o644); err != nil {
			return "", "", fmt.Errorf("write placeholder chapter: %w", err)
		}
		c.log.Warn().Str("title", node.Title).Msg("import source missing, placeholder chapter created")
		return filePath, fmt.Sprintf("source for %q not found, placeholder created", node.Title), nil
	}

	b := docx.NewBuilder()
	b.AddHeading(numbering+" "+strings.TrimSpace(node.Title), level)
	data, err := b.Bytes()
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write chapter: %w", err)
	}
	return filePath, "", nil
}

var numberingPrefix = regexp.MustCompile(`^[\d.]+\s*`)

// resolveSource finds the import's file: by catalogue id, then by
// (type, report, title) visible to the owner, then by re-deriving the
// path from the basename under the private and public trees.
func (c *Composer) resolveSource(ctx context.Context, ref *ImportRef, owner *int64) (string, bool) {
	var basename string
	if ref.OriginID != 0 {
		if row, err := c.store.GetCatalogueByID(ctx, ref.OriginID); err == nil {
			if fileReadable(row.FileName) {
				return row.FileName, true
			}
			basename = filepath.Base(row.FileName)
		}
	}
	if basename == "" && ref.OriginTitle != "" && ref.OriginType != "" && ref.OriginReport != "" {
		titles := []string{ref.OriginTitle}
		if cleaned := numberingPrefix.ReplaceAllString(ref.OriginTitle, ""); cleaned != ref.OriginTitle {
			titles = append(titles, cleaned)
		}
		for _, title := range titles {
			row, err := c.store.FindCatalogueByTitle(ctx, ref.OriginType, ref.OriginReport, title, owner)
			if err != nil {
				continue
			}
			if fileReadable(row.FileName) {
				return row.FileName, true
			}
			basename = filepath.Base(row.FileName)
			break
		}
	}
	if basename != "" && ref.OriginType != "" && ref.OriginReport != "" {
		typeDir := paths.SanitizeDirName(ref.OriginType)
		reportDir := paths.SanitizeDirName(ref.OriginReport)
		scopes := []*int64{owner, nil}
		if owner == nil {
			scopes = scopes[1:]
		}
		for _, scope := range scopes {
			candidate := filepath.Join(c.layout.ReportDir(scope, typeDir, reportDir), basename)
			if fileReadable(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

func fileReadable(filePath string) bool {
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

// placeholderDocument marks a chapter whose source disappeared.
func placeholderDocument(numbering, title string, level int) ([]byte, error) {
	b := docx.NewBuilder()
	b.AddHeading(numbering+" "+strings.TrimSpace(title), level)
	b.AddParagraph(&docx.Paragraph{Runs: []docx.Run{{Text: "（源文件缺失）"}}})
	return b.Bytes()
}

// copyPreservingTimes copies the file and keeps its modification time,
// so a copied chapter keeps the provenance of its source.
func copyPreservingTimes(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
