// Package matching schedules episode matching and resolves assignment
// conflicts.
//
// The pool bounds matcher concurrency with a FIFO semaphore so tasks run in
// submission order, decoupled from rip order. A task consumes a worker slot
// only for the matcher invocation itself; subtitle waits, file readiness,
// and the duration filter happen outside the slot.
package matching

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"spool/internal/bus"
	"spool/internal/fileready"
	"spool/internal/logging"
	"spool/internal/organizer"
	"spool/internal/state"
	"spool/internal/store"
	"spool/internal/subtitles"
)

// MatchResult is what the external episode matcher returns. RunnerUps must
// be ranked by score for cascading conflict reassignment to work.
type MatchResult struct {
	Episode      string
	Confidence   float64
	Score        float64
	VoteCount    int
	FileCoverage float64
	ScoreGap     float64
	RunnerUps    []store.RunnerUp
}

// Candidate is one interim standing entry.
type Candidate struct {
	Episode string  `json:"episode"`
	Score   float64 `json:"score"`
}

// Progress carries interim matcher state: percent and the current top-5
// candidates by score.
type Progress struct {
	Percent   float64
	Standings []Candidate
}

// EpisodeMatcher identifies which episode a ripped file contains.
type EpisodeMatcher interface {
	IdentifyEpisode(ctx context.Context, filePath, series string, season int, onProgress func(Progress)) (*MatchResult, error)
}

// RuntimeProvider returns the expected episode runtimes (seconds) for a
// season; the daemon wires this to the metadata client.
type RuntimeProvider interface {
	SeasonRuntimes(ctx context.Context, show string, season int) ([]float64, error)
}

// DurationProber reports a ripped file's container duration, used when the
// disc scan carried none.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// TitleProgress is the bus payload for per-title matcher progress.
type TitleProgress struct {
	JobID     int64       `json:"job_id"`
	TitleID   int64       `json:"title_id"`
	Stage     string      `json:"stage"`
	Percent   float64     `json:"percent"`
	Standings []Candidate `json:"standings,omitempty"`
}

// durationFilterWindow is how far a title's duration may sit from the
// nearest expected episode runtime before it is treated as an extra.
const durationFilterWindow = 5 * time.Minute

// Pool runs match tasks with bounded concurrency.
type Pool struct {
	store     *store.Store
	machine   *state.Machine
	bus       *bus.Bus
	subtitles *subtitles.Coordinator
	gate      *fileready.Gate
	organizer *organizer.Organizer
	matcher   EpisodeMatcher
	runtimes  RuntimeProvider
	prober    DurationProber
	logger    *slog.Logger

	sem                 *semaphore.Weighted
	confidenceThreshold float64
	subtitleWait        time.Duration

	// onSettled is invoked after every task so the orchestrator can check
	// job completion.
	onSettled func(ctx context.Context, jobID int64)

	mu      sync.Mutex
	cancels map[int64]map[int64]context.CancelFunc
	wg      sync.WaitGroup

	extrasMu      sync.Mutex
	extrasOrdinal map[int64]int
}

// Config bundles pool construction parameters.
type Config struct {
	MaxConcurrent       int
	ConfidenceThreshold float64
	SubtitleWaitSeconds float64
}

func NewPool(st *store.Store, machine *state.Machine, b *bus.Bus, subs *subtitles.Coordinator, gate *fileready.Gate, org *organizer.Organizer, matcher EpisodeMatcher, runtimes RuntimeProvider, prober DurationProber, cfg Config, logger *slog.Logger) *Pool {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 2
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.SubtitleWaitSeconds <= 0 {
		cfg.SubtitleWaitSeconds = 300
	}
	return &Pool{
		store:               st,
		machine:             machine,
		bus:                 b,
		subtitles:           subs,
		gate:                gate,
		organizer:           org,
		matcher:             matcher,
		runtimes:            runtimes,
		prober:              prober,
		logger:              logging.Component(logger, "matching"),
		sem:                 semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		confidenceThreshold: cfg.ConfidenceThreshold,
		subtitleWait:        time.Duration(cfg.SubtitleWaitSeconds * float64(time.Second)),
		cancels:             make(map[int64]map[int64]context.CancelFunc),
		extrasOrdinal:       make(map[int64]int),
	}
}

// SetCompletionCheck registers the orchestrator's completion hook.
func (p *Pool) SetCompletionCheck(fn func(ctx context.Context, jobID int64)) {
	p.onSettled = fn
}

// Submit schedules a match task for a ripped title.
func (p *Pool) Submit(ctx context.Context, jobID, titleID int64, filePath string) {
	taskCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.cancels[jobID] == nil {
		p.cancels[jobID] = make(map[int64]context.CancelFunc)
	}
	p.cancels[jobID][titleID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.removeCancel(jobID, titleID)
		defer cancel()
		p.run(taskCtx, jobID, titleID, filePath)
	}()
}

// CancelJob cancels every in-flight task for jobID. Idempotent.
func (p *Pool) CancelJob(jobID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.cancels[jobID] {
		cancel()
	}
	delete(p.cancels, jobID)
}

// Wait blocks until all submitted tasks have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) removeCancel(jobID, titleID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.cancels[jobID]; m != nil {
		delete(m, titleID)
		if len(m) == 0 {
			delete(p.cancels, jobID)
		}
	}
}

func (p *Pool) run(ctx context.Context, jobID, titleID int64, filePath string) {
	logger := p.logger.With(
		logging.Int64(logging.FieldJobID, jobID),
		logging.Int64(logging.FieldTitleID, titleID))

	// The orchestrator must learn about every task outcome, even panics in
	// the matcher adapter.
	settled := false
	finish := func() {
		if !settled && p.onSettled != nil {
			settled = true
			p.onSettled(context.WithoutCancel(ctx), jobID)
		}
	}
	defer finish()

	job, title, err := p.load(ctx, jobID, titleID)
	if err != nil || job == nil || title == nil {
		logger.Warn("match task could not load entities", logging.Error(err))
		return
	}

	// 1-2. Subtitle gate.
	status := p.subtitles.Wait(ctx, jobID, p.subtitleWait)
	if status == store.SubtitleFailed {
		p.failToReview(ctx, titleID, "subtitle_download_failed", "reference subtitles unavailable")
		return
	}
	if ctx.Err() != nil {
		p.failToReview(ctx, titleID, "matching_cancelled", ctx.Err().Error())
		return
	}

	// 3. File readiness.
	err = p.gate.Wait(ctx, filePath, title.ExpectedBytes, func(percent float64) {
		p.bus.Publish(bus.EventTitleUpdate, TitleProgress{
			JobID:   jobID,
			TitleID: titleID,
			Stage:   "waiting_for_file",
			Percent: percent,
		})
	})
	if err != nil {
		logger.Warn("file never became ready", logging.Error(err))
		p.machine.TransitionTitle(ctx, titleID, store.TitleFailed, "ripped file never became ready")
		return
	}

	// 4. Duration filter. Scans occasionally report no duration for a
	// title; probe the ripped file before filtering.
	if title.DurationSeconds <= 0 && p.prober != nil {
		if seconds, err := p.prober.Duration(ctx, filePath); err != nil {
			logger.Debug("duration probe failed", logging.Error(err))
		} else {
			title.DurationSeconds = seconds
			p.persistDuration(ctx, titleID, seconds)
		}
	}
	if p.isExtra(ctx, job, title) {
		p.organizeExtra(ctx, job, title, filePath)
		return
	}

	// 5. Worker slot.
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.failToReview(ctx, titleID, "matching_cancelled", err.Error())
		return
	}
	defer p.sem.Release(1)

	// 6-8. Matcher invocation and persistence.
	p.machine.TransitionTitle(ctx, titleID, store.TitleMatching, "")

	season := 1
	if job.DetectedSeason != nil {
		season = *job.DetectedSeason
	}
	result, err := p.matcher.IdentifyEpisode(ctx, filePath, job.DetectedTitle, season, func(progress Progress) {
		standings := progress.Standings
		if len(standings) > 5 {
			standings = standings[:5]
		}
		p.bus.Publish(bus.EventTitleUpdate, TitleProgress{
			JobID:     jobID,
			TitleID:   titleID,
			Stage:     "matching",
			Percent:   progress.Percent,
			Standings: standings,
		})
	})
	if err != nil {
		logger.Warn("matcher failed", logging.Error(err))
		p.failToReview(ctx, titleID, "matching_task_failed", err.Error())
		return
	}

	if err := p.persistResult(ctx, titleID, result); err != nil {
		logger.Warn("persist match result", logging.Error(err))
		p.failToReview(ctx, titleID, "matching_task_failed", err.Error())
		return
	}
}

func (p *Pool) load(ctx context.Context, jobID, titleID int64) (*store.Job, *store.Title, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	title, err := p.store.GetTitle(ctx, titleID)
	if err != nil {
		return nil, nil, err
	}
	return job, title, nil
}

func (p *Pool) persistDuration(ctx context.Context, titleID int64, seconds float64) {
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		title.DurationSeconds = seconds
		return tx.UpdateTitle(ctx, title)
	})
	if err != nil {
		p.logger.Warn("persist probed duration",
			logging.Int64(logging.FieldTitleID, titleID),
			logging.Error(err))
	}
}

// failToReview parks the title in review with a synthetic details error.
func (p *Pool) failToReview(ctx context.Context, titleID int64, code, message string) {
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		details := title.Details()
		details.Error = code
		details.Message = message
		title.SetDetails(details)
		return tx.UpdateTitle(ctx, title)
	})
	if err != nil {
		p.logger.Warn("record review details",
			logging.Int64(logging.FieldTitleID, titleID),
			logging.Error(err))
	}
	p.machine.TransitionTitle(ctx, titleID, store.TitleReview, "")
}

// isExtra applies the duration filter: no expected runtime within ±5
// minutes means bonus content. Runtime lookup failures disable the filter
// rather than blocking the match.
func (p *Pool) isExtra(ctx context.Context, job *store.Job, title *store.Title) bool {
	if p.runtimes == nil || job.DetectedTitle == "" {
		return false
	}
	season := 1
	if job.DetectedSeason != nil {
		season = *job.DetectedSeason
	}
	runtimes, err := p.runtimes.SeasonRuntimes(ctx, job.DetectedTitle, season)
	if err != nil || len(runtimes) == 0 {
		if err != nil {
			p.logger.Debug("runtime lookup failed, skipping duration filter",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.Error(err))
		}
		return false
	}
	for _, runtime := range runtimes {
		if math.Abs(title.DurationSeconds-runtime) <= durationFilterWindow.Seconds() {
			return false
		}
	}
	return true
}

// organizeExtra files the title under the season's Extras directory and
// completes it without matching.
func (p *Pool) organizeExtra(ctx context.Context, job *store.Job, title *store.Title, filePath string) {
	season := 1
	if job.DetectedSeason != nil {
		season = *job.DetectedSeason
	}
	disc := job.DiscNumber
	if disc < 1 {
		disc = 1
	}

	p.extrasMu.Lock()
	p.extrasOrdinal[job.ID]++
	ordinal := p.extrasOrdinal[job.ID]
	p.extrasMu.Unlock()

	dest, err := p.organizer.PlaceTVExtra(filePath, job.DetectedTitle, season, disc, ordinal)
	if err != nil {
		p.logger.Warn("organize extra failed",
			logging.Int64(logging.FieldTitleID, title.ID),
			logging.Error(err))
		p.failToReview(ctx, title.ID, "extras_organization_failed", err.Error())
		return
	}

	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetTitle(ctx, title.ID)
		if err != nil || current == nil {
			return err
		}
		current.IsExtra = true
		current.OrganizedTo = dest
		return tx.UpdateTitle(ctx, current)
	})
	if err != nil {
		p.logger.Warn("persist extra", logging.Error(err))
	}
	// ripping → matched → completed keeps the transition table honest for
	// a title that never entered matching.
	p.machine.TransitionTitle(ctx, title.ID, store.TitleMatched, "")
	p.machine.TransitionTitle(ctx, title.ID, store.TitleCompleted, "")
}

// persistResult records the matcher output and moves the title to matched
// or review per the confidence threshold.
func (p *Pool) persistResult(ctx context.Context, titleID int64, result *MatchResult) error {
	noMatch := result == nil || result.Episode == ""
	lowConfidence := !noMatch && result.Confidence < p.confidenceThreshold

	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		title, err := tx.GetTitle(ctx, titleID)
		if err != nil || title == nil {
			return err
		}
		if noMatch {
			details := title.Details()
			details.Error = "no_match"
			title.SetDetails(details)
			return tx.UpdateTitle(ctx, title)
		}
		title.MatchedEpisode = result.Episode
		title.Confidence = result.Confidence
		title.SetDetails(store.MatchDetailsPayload{
			Score:        result.Score,
			VoteCount:    result.VoteCount,
			FileCoverage: result.FileCoverage,
			ScoreGap:     result.ScoreGap,
			RunnerUps:    result.RunnerUps,
			NeedsReview:  lowConfidence,
		})
		return tx.UpdateTitle(ctx, title)
	})
	if err != nil {
		return err
	}

	if noMatch {
		p.machine.TransitionTitle(ctx, titleID, store.TitleReview, "")
		return nil
	}
	p.machine.TransitionTitle(ctx, titleID, store.TitleMatched, "")
	return nil
}
