package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"reportdesk/internal/compose"
	"reportdesk/internal/merge"
	"reportdesk/internal/middleware"
	"reportdesk/internal/models"
	"reportdesk/internal/paths"
	"reportdesk/internal/split"
	"reportdesk/internal/tasks"
	"reportdesk/internal/xlsx"
)

func (s *Server) abortWithError(c *gin.Context, err error) {
	var malformed *models.MalformedPackageError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrDuplicateReport):
		status = http.StatusConflict
	case errors.Is(err, models.ErrReportNotFound), errors.Is(err, models.ErrChapterNotFound):
		status = http.StatusNotFound
	case errors.As(err, &malformed),
		errors.Is(err, models.ErrNoChapters),
		errors.Is(err, models.ErrNoSourceFiles),
		errors.Is(err, compose.ErrTreeTooDeep),
		errors.Is(err, compose.ErrTooManyNodes):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.Log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// saveUpload stores the multipart document under the upload spool and
// returns its path. Only .docx uploads are accepted.
func (s *Server) saveUpload(c *gin.Context) (string, bool) {
	file, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return "", false
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".docx") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unsupported_file_type"})
		return "", false
	}
	if err := os.MkdirAll(s.Cfg.Storage.UploadDir, 0o755); err != nil {
		s.abortWithError(c, err)
		return "", false
	}
	name := time.Now().UTC().Format("20060102150405") + "_" + uuid.NewString()[:8] + ".docx"
	dst := filepath.Join(s.Cfg.Storage.UploadDir, name)
	if err := writeMultipartFile(file, dst); err != nil {
		s.abortWithError(c, err)
		return "", false
	}
	return dst, true
}

// handleSplitUpload accepts the document and runs the split as a
// background task; the client polls /tasks/:id for progress.
func (s *Server) handleSplitUpload(c *gin.Context) {
	typeName := strings.TrimSpace(c.PostForm("type_name"))
	reportName := strings.TrimSpace(c.PostForm("report_name"))
	if typeName == "" || reportName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type_name and report_name are required"})
		return
	}
	src, ok := s.saveUpload(c)
	if !ok {
		return
	}
	owner := middleware.OwnerFromContext(c)

	taskID := s.Tasks.Submit(context.Background(), owner, func(ctx context.Context, h *tasks.Handle) (any, error) {
		defer os.Remove(src)
		result, err := s.Splitter.Split(ctx, src, typeName, reportName, owner, h.SetProgress)
		if err != nil {
			return nil, err
		}
		h.SetStructure(result.Outline)
		return gin.H{
			"report_id":   result.Report.ID,
			"type_name":   result.Report.TypeName,
			"report_name": result.Report.ReportName,
			"chapters":    len(result.Rows),
			"warnings":    result.Warnings,
		}, nil
	})
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// handleScan returns the document outline without creating a report.
func (s *Server) handleScan(c *gin.Context) {
	src, ok := s.saveUpload(c)
	if !ok {
		return
	}
	defer os.Remove(src)

	outline, err := split.Scan(src, s.Cfg.TitleLengthLimit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outline": outline})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	owner := middleware.OwnerFromContext(c)
	task, ok := s.Tasks.Get(c.Param("id"), owner)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "task_not_found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

type composeRequest struct {
	TypeName   string          `json:"type_name"`
	ReportName string          `json:"report_name"`
	Nodes      []*compose.Node `json:"nodes"`
}

func (s *Server) handleCompose(c *gin.Context) {
	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if strings.TrimSpace(req.TypeName) == "" || strings.TrimSpace(req.ReportName) == "" || len(req.Nodes) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type_name, report_name and nodes are required"})
		return
	}
	result, err := s.Composer.Compose(c.Request.Context(), compose.Request{
		TypeName:   strings.TrimSpace(req.TypeName),
		ReportName: strings.TrimSpace(req.ReportName),
		Owner:      middleware.OwnerFromContext(c),
		Nodes:      req.Nodes,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"report_id": result.Report.ID,
		"catalogue": models.BuildTree(result.Rows),
		"warnings":  result.Warnings,
	})
}

type mergeRequest struct {
	TypeName   string `json:"type_name"`
	ReportName string `json:"report_name"`
}

// handleMerge runs the merge inline by default; ?async=1 moves it onto
// the task pool and returns a pollable task id instead.
func (s *Server) handleMerge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	typeName := strings.TrimSpace(req.TypeName)
	reportName := strings.TrimSpace(req.ReportName)
	owner := middleware.OwnerFromContext(c)

	if c.Query("async") == "1" {
		taskID := s.Tasks.Submit(context.Background(), owner, func(ctx context.Context, h *tasks.Handle) (any, error) {
			result, err := s.Merger.Merge(ctx, typeName, reportName, owner)
			if err != nil {
				return nil, err
			}
			return mergeResponse(result), nil
		})
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
		return
	}

	result, err := s.Merger.Merge(c.Request.Context(), typeName, reportName, owner)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, mergeResponse(result))
}

func mergeResponse(result *merge.Result) gin.H {
	return gin.H{
		"merged_id": result.Record.ID,
		"file_path": result.OutputPath,
		"html_path": result.HTMLPath,
		"chapters":  result.Merged,
		"skipped":   result.Skipped,
	}
}

func (s *Server) handleListTypes(c *gin.Context) {
	types, err := s.Store.ListTypes(c.Request.Context(), middleware.OwnerFromContext(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": types})
}

func (s *Server) handleListReports(c *gin.Context) {
	typeName := strings.TrimSpace(c.Query("type"))
	if typeName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	reports, err := s.Store.ListReports(c.Request.Context(), typeName, middleware.OwnerFromContext(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": reports})
}

// loadVisibleReport fetches the report by path id, hiding reports owned
// by somebody else.
func (s *Server) loadVisibleReport(c *gin.Context) (models.Report, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_report_id"})
		return models.Report{}, false
	}
	report, err := s.Store.GetReportByID(c.Request.Context(), id)
	if err != nil {
		s.abortWithError(c, err)
		return models.Report{}, false
	}
	owner := middleware.OwnerFromContext(c)
	if report.UserID != nil && (owner == nil || *owner != *report.UserID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": models.ErrReportNotFound.Error()})
		return models.Report{}, false
	}
	return report, true
}

func (s *Server) handleCatalogue(c *gin.Context) {
	report, ok := s.loadVisibleReport(c)
	if !ok {
		return
	}
	rows, err := s.Store.ListCatalogue(c.Request.Context(), report.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "catalogue": models.BuildTree(rows)})
}

func (s *Server) handleOutline(c *gin.Context) {
	report, ok := s.loadVisibleReport(c)
	if !ok {
		return
	}
	rows, err := s.Store.ListCatalogue(c.Request.Context(), report.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	data, err := xlsx.Outline(report.ReportName, rows)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	filename := url.PathEscape(paths.SanitizeName(report.ReportName, 100) + ".xlsx")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (s *Server) handleMergedRecord(c *gin.Context) {
	report, ok := s.loadVisibleReport(c)
	if !ok {
		return
	}
	record, err := s.Store.GetMergedRecord(c.Request.Context(), report.ID, middleware.OwnerFromContext(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleDeleteReport removes the catalogue, the merged record and every
// file the report owns. Only the exact scope that created the report
// may delete it.
func (s *Server) handleDeleteReport(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_report_id"})
		return
	}
	report, err := s.Store.GetReportByID(c.Request.Context(), id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	owner := middleware.OwnerFromContext(c)
	if !sameScope(report.UserID, owner) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": models.ErrReportNotFound.Error()})
		return
	}

	err = s.Store.WithTx(c.Request.Context(), func(tx *sql.Tx) error {
		return s.Store.DeleteReportTx(c.Request.Context(), tx, report.ID)
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	s.removeReportFiles(report)
	c.Status(http.StatusNoContent)
}

// removeReportFiles deletes the report's storage, merged output and
// preview images. Failures are logged; the database rows are already
// gone.
func (s *Server) removeReportFiles(report models.Report) {
	typeDir := paths.SanitizeDirName(report.TypeName)
	mergedName := paths.SanitizeDirName(report.ReportName)
	mergedFile := s.Layout.MergedFile(report.UserID, typeDir, mergedName)
	targets := []string{
		s.Layout.ReportDir(report.UserID, typeDir, report.StorageDir),
		mergedFile,
		strings.TrimSuffix(mergedFile, ".docx") + ".html",
		s.Layout.ImageDir(paths.KindReport, report.UserID, report.TypeName, report.ReportName),
		s.Layout.ImageDir(paths.KindMerge, report.UserID, report.TypeName, report.ReportName),
	}
	roots := []string{s.Layout.ReportRoot, s.Layout.MergeRoot, s.Layout.EditorImageRoot}
	for _, target := range targets {
		if !paths.Inside(target, roots...) {
			s.Log.Warn().Str("path", target).Msg("refusing to delete outside storage roots")
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			s.Log.Warn().Err(err).Str("path", target).Msg("report file cleanup failed")
		}
	}
}

func sameScope(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
