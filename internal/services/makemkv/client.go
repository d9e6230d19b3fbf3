// Package makemkv drives the MakeMKV CLI in robot mode.
package makemkv

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"spool/internal/services"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(string)) error
}

const scanTimeout = 120 * time.Second

// Client wraps MakeMKV CLI interactions.
type Client struct {
	binary string
	exec   Executor
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(executor Executor) Option {
	return func(c *Client) {
		if executor != nil {
			c.exec = executor
		}
	}
}

// New constructs a MakeMKV client.
func New(binary string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "makemkv", "new", "binary required", nil)
	}
	client := &Client{binary: binary, exec: commandExecutor{}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Scan identifies the disc in drive and returns its titles.
func (c *Client) Scan(ctx context.Context, drive string) (*DiscInfo, error) {
	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	parser := newScanParser()
	args := []string{"-r", "info", "dev:" + drive}
	if err := c.exec.Run(scanCtx, c.binary, args, parser.feed); err != nil {
		if scanCtx.Err() == context.DeadlineExceeded {
			return nil, services.Wrap(services.ErrTimeout, "makemkv", "scan", "disc scan timed out", err)
		}
		return nil, services.Wrap(services.ErrExternalTool, "makemkv", "scan", "disc scan failed", err)
	}

	info := parser.result()
	if len(info.Titles) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "makemkv", "scan", "no titles detected on disc", nil)
	}
	return info, nil
}

// Rip extracts titles from the disc into outDir. A nil titleIndex rips all
// titles in one invocation; otherwise exactly the given title. Parsed
// progress and completion events stream through onEvent.
func (c *Client) Rip(ctx context.Context, drive, outDir string, titleIndex *int, onEvent func(Event)) error {
	if outDir == "" {
		return services.Wrap(services.ErrValidation, "makemkv", "rip", "output directory required", nil)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return services.Wrap(services.ErrExternalTool, "makemkv", "rip", "create output directory", err)
	}

	selector := "all"
	if titleIndex != nil {
		selector = strconv.Itoa(*titleIndex)
	}
	args := []string{"-r", "--progress=-same", "mkv", "dev:" + drive, selector, outDir}

	err := c.exec.Run(ctx, c.binary, args, func(line string) {
		if onEvent == nil {
			return
		}
		if event, ok := ParseRipLine(line); ok {
			onEvent(event)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrExternalTool, "makemkv", "rip", "ripper exited abnormally", err)
	}
	return nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() { scanErr = err })
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("read output: %w", scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait %s: %w", binary, err)
	}
	return nil
}
