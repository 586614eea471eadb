package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"reportdesk/internal/api"
	"reportdesk/internal/config"
	"reportdesk/internal/db"
	"reportdesk/internal/models"
	"reportdesk/internal/paths"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration load failed")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatal().Err(err).Msg("storage directory setup failed")
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema setup failed")
	}

	layout := paths.Layout{
		ReportRoot:      cfg.Storage.ReportRoot,
		MergeRoot:       cfg.Storage.MergeRoot,
		EditorImageRoot: cfg.Storage.EditorImageRoot,
	}
	server := api.NewServer(pool, models.NewStore(pool), layout, &cfg, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}
