package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.Upload.MinTimeout)
	assert.Equal(t, 30*time.Second, cfg.Upload.TimeoutPerMB)
	assert.Equal(t, 3*time.Second, cfg.Upload.DedupWindow)
	assert.Equal(t, 3*time.Second, cfg.Grading.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Grading.PollTimeout)
	assert.Equal(t, DefaultAllowedTypes, cfg.Upload.AllowedTypes)
	assert.Equal(t, int64(50<<20), cfg.Upload.MaxFileSizeBytes())
	assert.Equal(t, "0 3 * * *", cfg.History.PruneCron)
	assert.Equal(t, 30*24*time.Hour, cfg.History.Retention())
	assert.Equal(t, "sqlite://./gradeassist.db", cfg.Database.URL)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
backend:
  url: https://grader.example.com
  request_timeout: 10s
upload:
  max_file_size_mb: 20
  allowed_types: [image/png]
grading:
  poll_interval: 2s
  poll_timeout: 1m
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://grader.example.com", cfg.Backend.URL)
	assert.Equal(t, 10*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, 20, cfg.Upload.MaxFileSizeMB)
	assert.Equal(t, []string{"image/png"}, cfg.Upload.AllowedTypes)
	assert.Equal(t, 2*time.Second, cfg.Grading.PollInterval)
	assert.Equal(t, time.Minute, cfg.Grading.PollTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Upload.MaxConcurrent)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GRADEASSIST_BACKEND_URL", "http://10.0.0.5:9000")
	t.Setenv("GRADEASSIST_UPLOAD_MAX_CONCURRENT", "8")

	cfg, err := LoadFile(writeConfig(t, "backend:\n  url: http://ignored\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5:9000", cfg.Backend.URL)
	assert.Equal(t, 8, cfg.Upload.MaxConcurrent)
}

func TestValidate(t *testing.T) {
	t.Run("Should reject non-positive concurrency", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, "upload:\n  max_concurrent: 0\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upload.max_concurrent")
	})

	t.Run("Should reject poll timeout shorter than interval", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, "grading:\n  poll_interval: 10s\n  poll_timeout: 5s\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "grading.poll_timeout")
	})

	t.Run("Should reject negative durations", func(t *testing.T) {
		tests := []struct {
			name string
			yml  string
			key  string
		}{
			{name: "Timeout per MB", yml: "upload:\n  timeout_per_mb: -30s\n", key: "upload.timeout_per_mb"},
			{name: "Upload dedup window", yml: "upload:\n  dedup_window: -1s\n", key: "upload.dedup_window"},
			{name: "Display expiry", yml: "upload:\n  display_expiry: -5s\n", key: "upload.display_expiry"},
			{name: "Completion grace", yml: "grading:\n  completion_grace: -5s\n", key: "grading.completion_grace"},
			{name: "Grading dedup window", yml: "grading:\n  dedup_window: -3s\n", key: "grading.dedup_window"},
			{name: "Request timeout", yml: "backend:\n  request_timeout: -1s\n", key: "backend.request_timeout"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := LoadFile(writeConfig(t, tt.yml))
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.key)
			})
		}
	})

	t.Run("Should allow zero windows", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, "upload:\n  dedup_window: 0s\n  display_expiry: 0s\n"))
		assert.NoError(t, err)
	})

	t.Run("Should reject empty backend url", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, "backend:\n  url: \"\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend.url")
	})
}
