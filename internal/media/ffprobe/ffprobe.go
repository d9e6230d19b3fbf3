// Package ffprobe reads media metadata via the ffprobe binary.
package ffprobe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"spool/internal/services"
)

const probeTimeout = 10 * time.Second

// Runner abstracts ffprobe invocation for tests.
type Runner interface {
	Output(ctx context.Context, binary string, args []string) (string, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, binary string, args []string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, args...).Output()
	return string(out), err
}

// Prober reports stream durations.
type Prober struct {
	binary string
	runner Runner
}

func New(binary string) *Prober {
	return &Prober{binary: binary, runner: execRunner{}}
}

// NewWithRunner builds a prober with an injected runner for tests.
func NewWithRunner(binary string, runner Runner) *Prober {
	return &Prober{binary: binary, runner: runner}
}

// Duration returns the container duration of path in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	out, err := p.runner.Output(probeCtx, p.binary, args)
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return 0, services.Wrap(services.ErrTimeout, "ffprobe", "duration", "probe timed out", err)
		}
		return 0, services.Wrap(services.ErrExternalTool, "ffprobe", "duration", "probe failed", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, services.Wrap(services.ErrExternalTool, "ffprobe", "duration", "unparsable probe output", err)
	}
	return seconds, nil
}
