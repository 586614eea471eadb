package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"reportdesk/internal/docx"
	"reportdesk/internal/htmlconv"
	"reportdesk/internal/middleware"
	"reportdesk/internal/models"
	"reportdesk/internal/paths"
)

// loadVisibleChapter resolves the chapter and its report, hiding
// chapters of reports owned by somebody else.
func (s *Server) loadVisibleChapter(c *gin.Context) (models.CatalogueRow, models.Report, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_chapter_id"})
		return models.CatalogueRow{}, models.Report{}, false
	}
	row, err := s.Store.GetCatalogueByID(c.Request.Context(), id)
	if err != nil {
		s.abortWithError(c, err)
		return models.CatalogueRow{}, models.Report{}, false
	}
	report, err := s.Store.GetReportByID(c.Request.Context(), row.ReportNameID)
	if err != nil {
		s.abortWithError(c, err)
		return models.CatalogueRow{}, models.Report{}, false
	}
	owner := middleware.OwnerFromContext(c)
	if report.UserID != nil && (owner == nil || *owner != *report.UserID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": models.ErrChapterNotFound.Error()})
		return models.CatalogueRow{}, models.Report{}, false
	}
	return row, report, true
}

func (s *Server) chapterImageSink(report models.Report) (htmlconv.DirSink, string) {
	typeDir := paths.SanitizeDirName(report.TypeName)
	prefix := s.Layout.ChapterImageURLPrefix(report.UserID, typeDir, report.StorageDir)
	return htmlconv.DirSink{
		Dir:       s.Layout.ChapterImageDir(report.UserID, typeDir, report.StorageDir),
		URLPrefix: prefix,
	}, prefix
}

// handleChapterContent serves the chapter as editor HTML, preferring
// the cached preview. The cache is rebuilt when absent, when the client
// forces a refresh, or when its image links point at a stale prefix
// (reports moved between scopes keep their old previews around).
func (s *Server) handleChapterContent(c *gin.Context) {
	row, report, ok := s.loadVisibleChapter(c)
	if !ok {
		return
	}
	sink, prefix := s.chapterImageSink(report)
	cachedPath := strings.TrimSuffix(row.FileName, ".docx") + ".html"

	if c.Query("refresh") != "1" {
		if data, err := os.ReadFile(cachedPath); err == nil {
			content := string(data)
			if !strings.Contains(content, "<img ") || strings.Contains(content, prefix) {
				c.JSON(http.StatusOK, gin.H{"chapter_id": row.ID, "content": content})
				return
			}
		}
	}

	doc, err := docx.OpenFile(row.FileName)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	content, warnings, err := htmlconv.ToHTML(doc, sink)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := os.WriteFile(cachedPath, []byte(content), 0o644); err != nil {
		s.Log.Warn().Err(err).Str("chapter", row.CatalogueName).Msg("preview cache write failed")
	}
	c.JSON(http.StatusOK, gin.H{"chapter_id": row.ID, "content": content, "warnings": warnings})
}

type saveContentRequest struct {
	Content string `json:"content"`
}

// handleSaveChapter converts the editor HTML back into the chapter
// document, resolving image links against the editor upload and chapter
// preview directories.
func (s *Server) handleSaveChapter(c *gin.Context) {
	row, report, ok := s.loadVisibleChapter(c)
	if !ok {
		return
	}
	var req saveContentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	sink, chapterPrefix := s.chapterImageSink(report)
	editorPrefix := s.Layout.ImageURLPrefix(paths.KindReport, report.UserID, report.TypeName, report.ReportName)
	editorDir := s.Layout.ImageDir(paths.KindReport, report.UserID, report.TypeName, report.ReportName)
	resolvers := []func(string) (string, bool){
		htmlconv.EditorImageResolver(editorPrefix, editorDir),
		htmlconv.EditorImageResolver(chapterPrefix, sink.Dir),
	}
	resolve := func(src string) (string, bool) {
		for _, r := range resolvers {
			if path, ok := r(src); ok {
				return path, true
			}
		}
		return "", false
	}

	data, warnings, err := htmlconv.FromHTML(req.Content, htmlconv.Options{ResolveImage: resolve})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := paths.WriteFileAtomic(row.FileName, data); err != nil {
		s.abortWithError(c, err)
		return
	}

	// Refresh the cached preview from what was actually saved.
	cachedPath := strings.TrimSuffix(row.FileName, ".docx") + ".html"
	if doc, err := docx.OpenFile(row.FileName); err == nil {
		if content, _, err := htmlconv.ToHTML(doc, sink); err == nil {
			if err := os.WriteFile(cachedPath, []byte(content), 0o644); err != nil {
				s.Log.Warn().Err(err).Str("chapter", row.CatalogueName).Msg("preview cache write failed")
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"chapter_id": row.ID, "warnings": warnings})
}

var editorImageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
}

// handleUploadEditorImage stores an image pasted into the editor and
// returns the URL to embed.
func (s *Server) handleUploadEditorImage(c *gin.Context) {
	typeName := strings.TrimSpace(c.PostForm("type_name"))
	reportName := strings.TrimSpace(c.PostForm("report_name"))
	if typeName == "" || reportName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type_name and report_name are required"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !editorImageExts[ext] {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unsupported_image_type"})
		return
	}

	owner := middleware.OwnerFromContext(c)
	dir := s.Layout.ImageDir(paths.KindReport, owner, typeName, reportName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.abortWithError(c, err)
		return
	}
	name := time.Now().UTC().Format("20060102150405") + "_" + uuid.NewString()[:8] + ext
	if err := writeMultipartFile(file, filepath.Join(dir, name)); err != nil {
		s.abortWithError(c, err)
		return
	}
	prefix := s.Layout.ImageURLPrefix(paths.KindReport, owner, typeName, reportName)
	c.JSON(http.StatusCreated, gin.H{"url": prefix + url.PathEscape(name)})
}
