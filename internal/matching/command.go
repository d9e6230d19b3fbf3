package matching

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"spool/internal/logging"
	"spool/internal/services"
	"spool/internal/store"
)

// CommandRunner executes the matcher binary and streams its stdout lines.
type CommandRunner interface {
	Run(ctx context.Context, binary string, args []string, onLine func(string)) error
}

// CommandMatcher adapts an external fingerprint-matcher binary to the
// EpisodeMatcher interface. The binary receives the file, series, and
// season on its command line and reports over stdout as JSON lines:
//
//	{"type":"progress","percent":40,"standings":[{"episode":"S01E02","score":0.61}]}
//	{"type":"result","episode":"S01E03","confidence":0.85,...}
//	{"type":"error","message":"..."}
//
// A result with an empty episode means the matcher found no candidate.
type CommandMatcher struct {
	binary string
	runner CommandRunner
	logger *slog.Logger
}

// CommandMatcherOption customizes construction.
type CommandMatcherOption func(*CommandMatcher)

// WithCommandRunner replaces the process runner, for tests.
func WithCommandRunner(runner CommandRunner) CommandMatcherOption {
	return func(m *CommandMatcher) { m.runner = runner }
}

func NewCommandMatcher(binary string, logger *slog.Logger, opts ...CommandMatcherOption) *CommandMatcher {
	m := &CommandMatcher{
		binary: binary,
		runner: execRunner{logger: logging.Component(logger, "matcher")},
		logger: logging.Component(logger, "matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type matcherLine struct {
	Type         string           `json:"type"`
	Percent      float64          `json:"percent"`
	Standings    []Candidate      `json:"standings"`
	Message      string           `json:"message"`
	Episode      string           `json:"episode"`
	Confidence   float64          `json:"confidence"`
	Score        float64          `json:"score"`
	VoteCount    int              `json:"vote_count"`
	FileCoverage float64          `json:"file_coverage"`
	ScoreGap     float64          `json:"score_gap"`
	RunnerUps    []store.RunnerUp `json:"runner_ups"`
}

func (m *CommandMatcher) IdentifyEpisode(ctx context.Context, filePath, series string, season int, onProgress func(Progress)) (*MatchResult, error) {
	args := []string{
		"--series", series,
		"--season", strconv.Itoa(season),
		"--json",
		filePath,
	}

	var (
		result     *MatchResult
		toolErrMsg string
	)
	err := m.runner.Run(ctx, m.binary, args, func(line string) {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			return
		}
		var parsed matcherLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			m.logger.Debug("unparseable matcher line", logging.String("line", line))
			return
		}
		switch parsed.Type {
		case "progress":
			if onProgress != nil {
				onProgress(Progress{Percent: parsed.Percent, Standings: parsed.Standings})
			}
		case "result":
			result = &MatchResult{
				Episode:      strings.ToUpper(parsed.Episode),
				Confidence:   parsed.Confidence,
				Score:        parsed.Score,
				VoteCount:    parsed.VoteCount,
				FileCoverage: parsed.FileCoverage,
				ScoreGap:     parsed.ScoreGap,
				RunnerUps:    parsed.RunnerUps,
			}
		case "error":
			toolErrMsg = parsed.Message
		}
	})
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "matcher", "identify", "matcher process failed", err)
	}
	if toolErrMsg != "" {
		return nil, services.Wrap(services.ErrExternalTool, "matcher", "identify", toolErrMsg, nil)
	}
	if result == nil {
		return nil, services.Wrap(services.ErrExternalTool, "matcher", "identify", "matcher produced no result", nil)
	}
	return result, nil
}

// execRunner runs the matcher as a child process, scanning stdout for the
// protocol and logging stderr.
type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.logger.Debug("matcher stderr", logging.String("line", scanner.Text()))
		}
	}()

	wg.Wait()
	return cmd.Wait()
}
