// Package config loads application settings from config.yml and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Grading  GradingConfig  `mapstructure:"grading"`
	Database DatabaseConfig `mapstructure:"database"`
	History  HistoryConfig  `mapstructure:"history"`
}

// BackendConfig describes the grading backend
type BackendConfig struct {
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// UploadConfig tunes the upload queue
type UploadConfig struct {
	MaxFileSizeMB int           `mapstructure:"max_file_size_mb"`
	AllowedTypes  []string      `mapstructure:"allowed_types"`
	MinTimeout    time.Duration `mapstructure:"min_timeout"`
	TimeoutPerMB  time.Duration `mapstructure:"timeout_per_mb"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	DisplayExpiry time.Duration `mapstructure:"display_expiry"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// GradingConfig tunes the submission status monitor
type GradingConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	CompletionGrace time.Duration `mapstructure:"completion_grace"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
}

// DatabaseConfig selects the history database
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// HistoryConfig controls retention of submission history
type HistoryConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	PruneCron     string `mapstructure:"prune_cron"`
}

// DefaultAllowedTypes lists the media types accepted for homework uploads
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"image/heic",
	"application/pdf",
}

// Load reads config.yml from the working directory or the user config
// directory. GRADEASSIST_ prefixed environment variables override file values,
// e.g. GRADEASSIST_BACKEND_URL overrides backend.url.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "gradeassist"))
	}
	return load(v)
}

// LoadFile reads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("GRADEASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.request_timeout", 30*time.Second)

	v.SetDefault("upload.max_file_size_mb", 50)
	v.SetDefault("upload.allowed_types", DefaultAllowedTypes)
	v.SetDefault("upload.min_timeout", 60*time.Second)
	v.SetDefault("upload.timeout_per_mb", 30*time.Second)
	v.SetDefault("upload.dedup_window", 3*time.Second)
	v.SetDefault("upload.display_expiry", 5*time.Second)
	v.SetDefault("upload.max_concurrent", 4)

	v.SetDefault("grading.poll_interval", 3*time.Second)
	v.SetDefault("grading.poll_timeout", 5*time.Minute)
	v.SetDefault("grading.completion_grace", 5*time.Second)
	v.SetDefault("grading.dedup_window", 3*time.Second)

	v.SetDefault("database.url", "sqlite://./gradeassist.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("history.retention_days", 30)
	v.SetDefault("history.prune_cron", "0 3 * * *")
}

// Validate rejects settings the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Upload.MaxFileSizeMB <= 0 {
		return fmt.Errorf("upload.max_file_size_mb must be positive, got %d", c.Upload.MaxFileSizeMB)
	}
	if len(c.Upload.AllowedTypes) == 0 {
		return errors.New("upload.allowed_types must not be empty")
	}
	if c.Upload.MinTimeout <= 0 {
		return errors.New("upload.min_timeout must be positive")
	}
	if c.Upload.MaxConcurrent <= 0 {
		return fmt.Errorf("upload.max_concurrent must be positive, got %d", c.Upload.MaxConcurrent)
	}
	for key, d := range map[string]time.Duration{
		"backend.request_timeout":  c.Backend.RequestTimeout,
		"upload.timeout_per_mb":    c.Upload.TimeoutPerMB,
		"upload.dedup_window":      c.Upload.DedupWindow,
		"upload.display_expiry":    c.Upload.DisplayExpiry,
		"grading.completion_grace": c.Grading.CompletionGrace,
		"grading.dedup_window":     c.Grading.DedupWindow,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", key, d)
		}
	}
	if c.Grading.PollInterval <= 0 {
		return errors.New("grading.poll_interval must be positive")
	}
	if c.Grading.PollTimeout < c.Grading.PollInterval {
		return fmt.Errorf("grading.poll_timeout (%v) must not be shorter than grading.poll_interval (%v)",
			c.Grading.PollTimeout, c.Grading.PollInterval)
	}
	return nil
}

// MaxFileSizeBytes returns the upload size limit in bytes
func (c UploadConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// Retention returns how long submission history is kept
func (c HistoryConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
