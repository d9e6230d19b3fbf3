// Package config loads and validates daemon configuration.
//
// Configuration lives in a TOML file; the same struct round-trips through
// the API as JSON and is persisted in the app_config table so edits made
// over HTTP survive restarts. The file seeds defaults on first run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultPath is where the daemon looks when no --config flag is given.
const DefaultPath = "~/.config/spool/config.toml"

// Config is the full runtime settings surface. Keys match the JSON payload
// of GET/PUT /config.
type Config struct {
	StagingPath       string `toml:"staging_path" json:"staging_path"`
	LibraryMoviesPath string `toml:"library_movies_path" json:"library_movies_path"`
	LibraryTVPath     string `toml:"library_tv_path" json:"library_tv_path"`
	LogPath           string `toml:"log_path" json:"log_path"`
	DatabasePath      string `toml:"database_path" json:"database_path"`

	APIBind       string   `toml:"api_bind" json:"api_bind"`
	OpticalDrives []string `toml:"optical_drives" json:"optical_drives"`

	MakeMKVPath string `toml:"makemkv_path" json:"makemkv_path"`
	FFmpegPath  string `toml:"ffmpeg_path" json:"ffmpeg_path"`
	FFprobePath string `toml:"ffprobe_path" json:"ffprobe_path"`
	MatcherPath string `toml:"matcher_path" json:"matcher_path"`
	MakeMKVKey  string `toml:"makemkv_key" json:"makemkv_key"`

	TMDBAPIKey   string `toml:"tmdb_api_key" json:"tmdb_api_key"`
	TMDBBaseURL  string `toml:"tmdb_base_url" json:"tmdb_base_url"`
	TMDBLanguage string `toml:"tmdb_language" json:"tmdb_language"`

	MaxConcurrentMatches     int     `toml:"max_concurrent_matches" json:"max_concurrent_matches"`
	MatchConfidenceThreshold float64 `toml:"match_confidence_threshold" json:"match_confidence_threshold"`
	SubtitleWaitTimeout      float64 `toml:"subtitle_wait_timeout" json:"subtitle_wait_timeout"`
	SubtitleSourceURL        string  `toml:"subtitle_source_url" json:"subtitle_source_url"`

	RippingFilePollInterval float64 `toml:"ripping_file_poll_interval" json:"ripping_file_poll_interval"`
	RippingStabilityChecks  int     `toml:"ripping_stability_checks" json:"ripping_stability_checks"`
	RippingFileReadyTimeout float64 `toml:"ripping_file_ready_timeout" json:"ripping_file_ready_timeout"`

	SentinelPollInterval float64 `toml:"sentinel_poll_interval" json:"sentinel_poll_interval"`

	AnalystMovieMinDuration   float64 `toml:"analyst_movie_min_duration" json:"analyst_movie_min_duration"`
	AnalystTVMinDuration      float64 `toml:"analyst_tv_min_duration" json:"analyst_tv_min_duration"`
	AnalystTVMaxDuration      float64 `toml:"analyst_tv_max_duration" json:"analyst_tv_max_duration"`
	AnalystTVDurationVariance float64 `toml:"analyst_tv_duration_variance" json:"analyst_tv_duration_variance"`
	AnalystTVMinClusterSize   int     `toml:"analyst_tv_min_cluster_size" json:"analyst_tv_min_cluster_size"`
	AnalystMovieDominance     float64 `toml:"analyst_movie_dominance_threshold" json:"analyst_movie_dominance_threshold"`

	ConflictResolutionDefault string `toml:"conflict_resolution_default" json:"conflict_resolution_default"`

	NtfyTopic          string  `toml:"ntfy_topic" json:"ntfy_topic"`
	NtfyRequestTimeout float64 `toml:"ntfy_request_timeout" json:"ntfy_request_timeout"`

	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`

	TranscodingEnabled bool `toml:"transcoding_enabled" json:"transcoding_enabled"`
	SetupComplete      bool `toml:"setup_complete" json:"setup_complete"`
}

// Default returns the baseline configuration.
func Default() *Config {
	dataDir := "~/.local/share/spool"
	return &Config{
		StagingPath:       filepath.Join(dataDir, "staging"),
		LibraryMoviesPath: "~/media/movies",
		LibraryTVPath:     "~/media/tv",
		LogPath:           filepath.Join(dataDir, "logs"),
		DatabasePath:      filepath.Join(dataDir, "spool.db"),

		APIBind:       "127.0.0.1:7733",
		OpticalDrives: []string{"/dev/sr0"},

		MakeMKVPath: "makemkvcon",
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		MatcherPath: "spool-matcher",

		TMDBBaseURL:  "https://api.themoviedb.org/3",
		TMDBLanguage: "en-US",

		MaxConcurrentMatches:     2,
		MatchConfidenceThreshold: 0.7,
		SubtitleWaitTimeout:      300,

		RippingFilePollInterval: 5,
		RippingStabilityChecks:  2,
		RippingFileReadyTimeout: 600,

		SentinelPollInterval: 2,

		AnalystMovieMinDuration:   4800,
		AnalystTVMinDuration:      1080,
		AnalystTVMaxDuration:      4200,
		AnalystTVDurationVariance: 120,
		AnalystTVMinClusterSize:   3,
		AnalystMovieDominance:     0.6,

		ConflictResolutionDefault: "rename",

		NtfyRequestTimeout: 10,

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads the TOML file at path, applies defaults for absent keys, and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", expanded, err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", expanded, err)
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize expands ~ in every path-valued field and trims whitespace.
func (c *Config) Normalize() error {
	fields := []*string{
		&c.StagingPath, &c.LibraryMoviesPath, &c.LibraryTVPath,
		&c.LogPath, &c.DatabasePath,
	}
	for _, field := range fields {
		expanded, err := ExpandPath(strings.TrimSpace(*field))
		if err != nil {
			return err
		}
		*field = expanded
	}
	c.APIBind = strings.TrimSpace(c.APIBind)
	c.ConflictResolutionDefault = strings.ToLower(strings.TrimSpace(c.ConflictResolutionDefault))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.StagingPath == "" {
		problems = append(problems, "staging_path must be set")
	}
	if c.LibraryMoviesPath == "" {
		problems = append(problems, "library_movies_path must be set")
	}
	if c.LibraryTVPath == "" {
		problems = append(problems, "library_tv_path must be set")
	}
	if c.DatabasePath == "" {
		problems = append(problems, "database_path must be set")
	}
	if len(c.OpticalDrives) == 0 {
		problems = append(problems, "optical_drives must list at least one device")
	}
	if c.MaxConcurrentMatches < 1 {
		problems = append(problems, "max_concurrent_matches must be >= 1")
	}
	if c.MatchConfidenceThreshold <= 0 || c.MatchConfidenceThreshold > 1 {
		problems = append(problems, "match_confidence_threshold must be in (0, 1]")
	}
	if c.RippingStabilityChecks < 1 {
		problems = append(problems, "ripping_stability_checks must be >= 1")
	}
	if c.RippingFilePollInterval <= 0 {
		problems = append(problems, "ripping_file_poll_interval must be positive")
	}
	if c.SentinelPollInterval <= 0 {
		problems = append(problems, "sentinel_poll_interval must be positive")
	}
	switch c.ConflictResolutionDefault {
	case "ask", "overwrite", "rename", "skip":
	default:
		problems = append(problems, fmt.Sprintf("conflict_resolution_default %q is not one of ask, overwrite, rename, skip", c.ConflictResolutionDefault))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not one of console, json", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.StagingPath,
		c.LibraryMoviesPath,
		c.LibraryTVPath,
		c.LogPath,
		filepath.Dir(c.DatabasePath),
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath resolves a leading ~ against the current user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
