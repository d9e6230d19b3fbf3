// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"spool/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.StagingPath = filepath.Join(base, "staging")
	cfg.LibraryMoviesPath = filepath.Join(base, "movies")
	cfg.LibraryTVPath = filepath.Join(base, "tv")
	cfg.LogPath = filepath.Join(base, "logs")
	cfg.DatabasePath = filepath.Join(base, "spool.db")
	cfg.APIBind = "127.0.0.1:0"
	cfg.TMDBAPIKey = "test"

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithDrives overrides the watched optical drives.
func WithDrives(drives ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.OpticalDrives = drives
	}
}
