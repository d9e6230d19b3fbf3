// Package fileready waits for ripped files to be fully written.
package fileready

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"spool/internal/logging"
	"spool/internal/services"
)

// SizeThreshold is the fraction of the expected size a file must reach.
// Container overhead estimates from disc scans run a few percent high, so
// a completed rip can legitimately land below 100%.
const SizeThreshold = 0.85

// Gate polls a file until its size is stable and the handle is releasable.
type Gate struct {
	pollInterval    time.Duration
	stabilityChecks int
	defaultTimeout  time.Duration
	logger          *slog.Logger
}

// New constructs a gate. pollInterval and timeout are in seconds.
func New(pollInterval float64, stabilityChecks int, timeout float64, logger *slog.Logger) *Gate {
	if pollInterval <= 0 {
		pollInterval = 5
	}
	if stabilityChecks < 1 {
		stabilityChecks = 2
	}
	if timeout <= 0 {
		timeout = 600
	}
	return &Gate{
		pollInterval:    time.Duration(pollInterval * float64(time.Second)),
		stabilityChecks: stabilityChecks,
		defaultTimeout:  time.Duration(timeout * float64(time.Second)),
		logger:          logging.Component(logger, "fileready"),
	}
}

// Timeout derives the wait budget for a file of expectedBytes: large rips
// get two seconds per MiB, never less than the configured default.
func (g *Gate) Timeout(expectedBytes int64) time.Duration {
	derived := time.Duration(expectedBytes/(1<<20)) * 2 * time.Second
	if derived < g.defaultTimeout {
		return g.defaultTimeout
	}
	return derived
}

// Wait blocks until path is ready: size unchanged for the configured number
// of consecutive polls, at least SizeThreshold of expectedBytes, and
// openable for reading. onProgress receives percent values capped at 99.
func (g *Gate) Wait(ctx context.Context, path string, expectedBytes int64, onProgress func(percent float64)) error {
	deadline := time.Now().Add(g.Timeout(expectedBytes))

	var lastSize int64 = -1
	stable := 0

	for {
		if time.Now().After(deadline) {
			return services.Wrap(services.ErrTimeout, "fileready", "wait",
				fmt.Sprintf("file %s not ready within %s", path, g.Timeout(expectedBytes)), nil)
		}

		size := int64(0)
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}

		if onProgress != nil && expectedBytes > 0 {
			percent := float64(size) / float64(expectedBytes) * 100
			if percent > 99 {
				percent = 99
			}
			onProgress(percent)
		}

		if size > 0 && size == lastSize {
			stable++
		} else {
			stable = 0
		}
		lastSize = size

		if stable >= g.stabilityChecks && meetsThreshold(size, expectedBytes) {
			if err := openable(path); err == nil {
				g.logger.Debug("file ready",
					logging.String("path", path),
					logging.Int64("bytes", size))
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

func meetsThreshold(size, expected int64) bool {
	if expected <= 0 {
		return size > 0
	}
	return float64(size) >= float64(expected)*SizeThreshold
}

// openable guards against the ripper still holding an exclusive handle on
// platforms where that matters.
func openable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
