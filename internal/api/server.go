// Package api exposes the report pipeline over HTTP.
package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"reportdesk/internal/compose"
	"reportdesk/internal/config"
	"reportdesk/internal/merge"
	"reportdesk/internal/middleware"
	"reportdesk/internal/models"
	"reportdesk/internal/paths"
	"reportdesk/internal/split"
	"reportdesk/internal/tasks"
)

// Server wires handlers to the store, the filesystem layout and the
// document services.
type Server struct {
	DB       *sql.DB
	Store    *models.Store
	Layout   paths.Layout
	Cfg      *config.Config
	Tasks    *tasks.Manager
	Splitter *split.Splitter
	Composer *compose.Composer
	Merger   *merge.Merger
	Log      zerolog.Logger
}

func NewServer(db *sql.DB, store *models.Store, layout paths.Layout, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{
		DB:     db,
		Store:  store,
		Layout: layout,
		Cfg:    cfg,
		Tasks:  tasks.NewManager(cfg.MaxConcurrentSplits, log),
		Splitter: split.New(store, layout, log, split.Options{
			TitleLengthLimit: cfg.TitleLengthLimit,
		}),
		Composer: compose.New(store, layout, log),
		Merger:   merge.New(store, layout, log),
		Log:      log,
	}
}

// NewRouter builds the gin engine with all routes and static mounts.
func (s *Server) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger(), middleware.CORS())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes attaches handlers to the gin engine.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	// Chapter previews and editor images are served straight from disk.
	router.Static("/report_files", s.Layout.ReportRoot)
	router.Static("/editor_images", s.Layout.EditorImageRoot)

	api := router.Group("/api/v1")
	api.Use(middleware.Owner())
	{
		api.POST("/reports/split", s.handleSplitUpload)
		api.POST("/reports/scan", s.handleScan)
		api.GET("/tasks/:id", s.handleTaskStatus)

		api.POST("/reports/compose", s.handleCompose)
		api.POST("/reports/merge", s.handleMerge)

		api.GET("/types", s.handleListTypes)
		api.GET("/reports", s.handleListReports)
		api.GET("/reports/:id/catalogue", s.handleCatalogue)
		api.GET("/reports/:id/outline.xlsx", s.handleOutline)
		api.GET("/reports/:id/merged", s.handleMergedRecord)
		api.DELETE("/reports/:id", s.handleDeleteReport)

		api.GET("/chapters/:id/content", s.handleChapterContent)
		api.PUT("/chapters/:id/content", s.handleSaveChapter)
		api.POST("/editor-images", s.handleUploadEditorImage)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	payload := gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if s.DB != nil {
		if err := s.DB.PingContext(c.Request.Context()); err != nil {
			payload["database"] = gin.H{"status": "unavailable", "error": err.Error()}
		} else {
			payload["database"] = gin.H{"status": "ok"}
		}
	}
	c.JSON(http.StatusOK, payload)
}
