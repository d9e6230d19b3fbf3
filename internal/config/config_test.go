package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"spool/internal/config"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	cfg := config.Default()

	if cfg.APIBind != "127.0.0.1:7733" {
		t.Errorf("api_bind = %q", cfg.APIBind)
	}
	if len(cfg.OpticalDrives) != 1 || cfg.OpticalDrives[0] != "/dev/sr0" {
		t.Errorf("optical_drives = %v", cfg.OpticalDrives)
	}
	if cfg.MaxConcurrentMatches != 2 {
		t.Errorf("max_concurrent_matches = %d", cfg.MaxConcurrentMatches)
	}
	if cfg.MatchConfidenceThreshold != 0.7 {
		t.Errorf("match_confidence_threshold = %v", cfg.MatchConfidenceThreshold)
	}
	if cfg.AnalystMovieMinDuration != 4800 {
		t.Errorf("analyst_movie_min_duration = %v", cfg.AnalystMovieMinDuration)
	}
	if cfg.AnalystTVMinDuration != 1080 || cfg.AnalystTVMaxDuration != 4200 {
		t.Errorf("tv duration window = [%v, %v]", cfg.AnalystTVMinDuration, cfg.AnalystTVMaxDuration)
	}
	if cfg.AnalystTVDurationVariance != 120 {
		t.Errorf("analyst_tv_duration_variance = %v", cfg.AnalystTVDurationVariance)
	}
	if cfg.AnalystTVMinClusterSize != 3 {
		t.Errorf("analyst_tv_min_cluster_size = %d", cfg.AnalystTVMinClusterSize)
	}
	if cfg.AnalystMovieDominance != 0.6 {
		t.Errorf("analyst_movie_dominance_threshold = %v", cfg.AnalystMovieDominance)
	}
	if cfg.ConflictResolutionDefault != "rename" {
		t.Errorf("conflict_resolution_default = %q", cfg.ConflictResolutionDefault)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
staging_path = "` + dir + `/staging"
api_bind = "0.0.0.0:8000"
optical_drives = ["/dev/sr0", "/dev/sr1"]
max_concurrent_matches = 4
log_format = "json"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBind != "0.0.0.0:8000" {
		t.Errorf("api_bind = %q", cfg.APIBind)
	}
	if len(cfg.OpticalDrives) != 2 {
		t.Errorf("optical_drives = %v", cfg.OpticalDrives)
	}
	if cfg.MaxConcurrentMatches != 4 {
		t.Errorf("max_concurrent_matches = %d", cfg.MaxConcurrentMatches)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log_format = %q", cfg.LogFormat)
	}
	// Untouched fields keep their defaults.
	if cfg.MatchConfidenceThreshold != 0.7 {
		t.Errorf("match_confidence_threshold = %v", cfg.MatchConfidenceThreshold)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBind != "127.0.0.1:7733" {
		t.Errorf("api_bind = %q", cfg.APIBind)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero matches", func(c *config.Config) { c.MaxConcurrentMatches = 0 }, "max_concurrent_matches"},
		{"no drives", func(c *config.Config) { c.OpticalDrives = nil }, "optical_drives"},
		{"bad threshold", func(c *config.Config) { c.MatchConfidenceThreshold = 1.5 }, "match_confidence_threshold"},
		{"bad policy", func(c *config.Config) { c.ConflictResolutionDefault = "panic" }, "conflict_resolution_default"},
		{"bad format", func(c *config.Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %s", err, tc.want)
			}
		})
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	written, err := config.WriteSample(path)
	if err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if written != path {
		t.Errorf("written path = %q", written)
	}

	// The sample must itself be loadable.
	if _, err := config.Load(path); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}

	if _, err := config.WriteSample(path); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := config.ExpandPath("~/media/tv")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if got != filepath.Join(home, "media/tv") {
		t.Errorf("ExpandPath = %q", got)
	}
}
