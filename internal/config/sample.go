package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed sample_config.toml
var sampleConfig []byte

// WriteSample writes the annotated sample config to path. It refuses to
// overwrite an existing file.
func WriteSample(path string) (string, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(expanded); err == nil {
		return "", fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, sampleConfig, 0o644); err != nil {
		return "", fmt.Errorf("write sample config: %w", err)
	}
	return expanded, nil
}
