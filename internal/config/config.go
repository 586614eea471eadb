package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config carries the runtime settings for the report service.
type Config struct {
	Port int `yaml:"port"`

	Database Database `yaml:"database"`
	Storage  Storage  `yaml:"storage"`

	// MaxConcurrentSplits caps how many document splits run at once; further
	// uploads queue behind a worker slot.
	MaxConcurrentSplits int `yaml:"max_concurrent_splits"`

	// TitleLengthLimit is the heading sanity threshold: styled paragraphs
	// whose text is longer are treated as body text during chapter detection.
	TitleLengthLimit int `yaml:"title_length_limit"`
}

// Database holds the relational store connection settings.
type Database struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Storage holds the filesystem roots shared by the pipeline components.
type Storage struct {
	ReportRoot      string `yaml:"report_root"`
	MergeRoot       string `yaml:"merge_root"`
	EditorImageRoot string `yaml:"editor_image_root"`
	UploadDir       string `yaml:"upload_dir"`
}

// Load reads the optional YAML config file and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if cfg.MaxConcurrentSplits <= 0 {
		cfg.MaxConcurrentSplits = 20
	}
	if cfg.TitleLengthLimit <= 0 {
		cfg.TitleLengthLimit = 100
	}
	return cfg, nil
}

func defaults() Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return Config{
		Port: 8080,
		Database: Database{
			Host:     "localhost",
			Port:     "5432",
			Name:     "reportdesk",
			User:     "postgres",
			Password: "postgres",
		},
		Storage: Storage{
			ReportRoot:      filepath.Join(root, "report"),
			MergeRoot:       filepath.Join(root, "report_merge"),
			EditorImageRoot: filepath.Join(root, "editor_image"),
			UploadDir:       filepath.Join(root, "temp_uploads"),
		},
		MaxConcurrentSplits: 20,
		TitleLengthLimit:    100,
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	cfg.Database.Host = getenv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getenv("DB_PORT", cfg.Database.Port)
	cfg.Database.Name = getenv("DB_NAME", cfg.Database.Name)
	cfg.Database.User = getenv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getenv("DB_PASS", cfg.Database.Password)
	cfg.Storage.ReportRoot = getenv("REPORT_DIR", cfg.Storage.ReportRoot)
	cfg.Storage.MergeRoot = getenv("MERGE_DIR", cfg.Storage.MergeRoot)
	cfg.Storage.EditorImageRoot = getenv("EDITOR_IMAGE_DIR", cfg.Storage.EditorImageRoot)
	cfg.Storage.UploadDir = getenv("UPLOAD_DIR", cfg.Storage.UploadDir)
	if v := os.Getenv("MAX_CONCURRENT_SPLITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentSplits = n
		}
	}
}

// EnsureDirectories creates the storage roots if they are missing.
func (c Config) EnsureDirectories() error {
	for _, dir := range []string{
		c.Storage.ReportRoot,
		c.Storage.MergeRoot,
		c.Storage.EditorImageRoot,
		c.Storage.UploadDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
