package matching_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spool/internal/bus"
	"spool/internal/fileready"
	"spool/internal/logging"
	"spool/internal/matching"
	"spool/internal/organizer"
	"spool/internal/state"
	"spool/internal/store"
	"spool/internal/subtitles"
	"spool/internal/testsupport"
)

type stubMatcher struct {
	calls  atomic.Int64
	result *matching.MatchResult
	err    error
}

func (m *stubMatcher) IdentifyEpisode(ctx context.Context, filePath, series string, season int, onProgress func(matching.Progress)) (*matching.MatchResult, error) {
	m.calls.Add(1)
	return m.result, m.err
}

type stubRuntimes struct {
	runtimes []float64
	err      error
}

func (s *stubRuntimes) SeasonRuntimes(ctx context.Context, show string, season int) ([]float64, error) {
	return s.runtimes, s.err
}

type stubProber struct {
	calls   atomic.Int64
	seconds float64
	err     error
}

func (p *stubProber) Duration(ctx context.Context, path string) (float64, error) {
	p.calls.Add(1)
	return p.seconds, p.err
}

type failingFetcher struct{}

func (failingFetcher) FetchSeason(ctx context.Context, show string, season int) (map[string][]byte, error) {
	return nil, errors.New("scraper down")
}

type poolHarness struct {
	store   *store.Store
	subs    *subtitles.Coordinator
	pool    *matching.Pool
	job     *store.Job
	tvRoot  string
	settled struct {
		mu   sync.Mutex
		jobs []int64
	}
}

func newPoolHarness(t *testing.T, matcher matching.EpisodeMatcher, runtimes matching.RuntimeProvider, prober matching.DurationProber, fetcher subtitles.Fetcher) *poolHarness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	eventBus := bus.New(logging.NewNop())
	t.Cleanup(eventBus.Close)
	machine := state.NewMachine(st, eventBus, logging.NewNop())
	subs := subtitles.NewCoordinator(st, eventBus, fetcher, logging.NewNop())
	gate := fileready.New(0.01, 2, 5, logging.NewNop())
	org := organizer.New(cfg.LibraryMoviesPath, cfg.LibraryTVPath, organizer.PolicyRename, logging.NewNop())

	h := &poolHarness{store: st, subs: subs, tvRoot: cfg.LibraryTVPath}
	h.pool = matching.NewPool(st, machine, eventBus, subs, gate, org, matcher, runtimes, prober, matching.Config{
		MaxConcurrent:       2,
		ConfidenceThreshold: 0.7,
		SubtitleWaitSeconds: 2,
	}, logging.NewNop())
	h.pool.SetCompletionCheck(func(ctx context.Context, jobID int64) {
		h.settled.mu.Lock()
		h.settled.jobs = append(h.settled.jobs, jobID)
		h.settled.mu.Unlock()
	})

	job := testsupport.NewJob(t, st, "THE_SHOW_S01D1")
	job.ContentType = store.ContentTV
	job.DetectedTitle = "The Show"
	season := 1
	job.DetectedSeason = &season
	job.State = store.JobRipping
	if err := st.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	h.job = job
	return h
}

// rippedTitle creates a ripping-state title with its staged file fully
// written so the readiness gate passes immediately.
func (h *poolHarness) rippedTitle(t *testing.T, index int, duration float64) (*store.Title, string) {
	t.Helper()
	filename := fmt.Sprintf("The_Show_t%02d.mkv", index)
	title := &store.Title{
		JobID:           h.job.ID,
		TitleIndex:      index,
		DurationSeconds: duration,
		ExpectedBytes:   1024,
		IsSelected:      true,
		State:           store.TitleRipping,
		OutputFilename:  filename,
	}
	if err := h.store.CreateTitle(context.Background(), title); err != nil {
		t.Fatalf("CreateTitle: %v", err)
	}
	path := filepath.Join(h.job.StagingDir, filename)
	testsupport.WriteFile(t, path, 1024)
	return title, path
}

func (h *poolHarness) title(t *testing.T, id int64) *store.Title {
	t.Helper()
	title, err := h.store.GetTitle(context.Background(), id)
	if err != nil || title == nil {
		t.Fatalf("GetTitle(%d): %v", id, err)
	}
	return title
}

func (h *poolHarness) settledJobs() []int64 {
	h.settled.mu.Lock()
	defer h.settled.mu.Unlock()
	return append([]int64(nil), h.settled.jobs...)
}

func TestPoolMatchAboveThreshold(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{
		Episode:    "S01E03",
		Confidence: 0.9,
		Score:      0.9,
		VoteCount:  80,
		RunnerUps:  []store.RunnerUp{{Episode: "S01E02", Score: 0.6}},
	}}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1440}}, nil, nil)
	title, path := h.rippedTitle(t, 0, 1440)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleMatched {
		t.Fatalf("state = %q, want matched", got.State)
	}
	if got.MatchedEpisode != "S01E03" || got.Confidence != 0.9 {
		t.Errorf("episode/confidence = %q/%v", got.MatchedEpisode, got.Confidence)
	}
	if got.Details().NeedsReview {
		t.Error("high-confidence match must not be flagged")
	}
	if len(got.Details().RunnerUps) != 1 {
		t.Errorf("runner-ups = %+v", got.Details().RunnerUps)
	}
	if jobs := h.settledJobs(); len(jobs) != 1 || jobs[0] != h.job.ID {
		t.Errorf("completion hook calls = %v", jobs)
	}
}

func TestPoolLowConfidenceFlagsReview(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{
		Episode:    "S01E04",
		Confidence: 0.5,
		Score:      0.5,
	}}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1440}}, nil, nil)
	title, path := h.rippedTitle(t, 0, 1440)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleMatched {
		t.Fatalf("state = %q, want matched", got.State)
	}
	if !got.Details().NeedsReview {
		t.Error("low-confidence match must be flagged for review")
	}
}

func TestPoolNoMatchGoesToReview(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{}}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1440}}, nil, nil)
	title, path := h.rippedTitle(t, 0, 1440)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleReview {
		t.Fatalf("state = %q, want review", got.State)
	}
	if got.Details().Error != "no_match" {
		t.Errorf("details error = %q", got.Details().Error)
	}
}

func TestPoolSubtitleFailureShortCircuits(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{Episode: "S01E01", Confidence: 0.9}}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1440}}, nil, failingFetcher{})
	title, path := h.rippedTitle(t, 0, 1440)

	h.subs.Start(context.Background(), h.job.ID, "The Show", 1, t.TempDir())
	h.subs.Wait(context.Background(), h.job.ID, 5*time.Second)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleReview {
		t.Fatalf("state = %q, want review", got.State)
	}
	if got.Details().Error != "subtitle_download_failed" {
		t.Errorf("details error = %q", got.Details().Error)
	}
	if matcher.calls.Load() != 0 {
		t.Errorf("matcher invoked %d times, want 0", matcher.calls.Load())
	}
	if jobs := h.settledJobs(); len(jobs) != 1 {
		t.Errorf("completion hook calls = %v", jobs)
	}
}

func TestPoolDurationFilterRoutesExtras(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{Episode: "S01E01", Confidence: 0.9}}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1400, 1500, 1600}}, nil, nil)
	// Ten minutes: nowhere near any expected episode runtime.
	title, path := h.rippedTitle(t, 0, 600)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleCompleted {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if !got.IsExtra {
		t.Error("title must be marked as an extra")
	}
	wantPrefix := filepath.Join(h.tvRoot, "The Show", "Season 01", "Extras")
	if !strings.HasPrefix(got.OrganizedTo, wantPrefix) {
		t.Errorf("organized to %q, want under %q", got.OrganizedTo, wantPrefix)
	}
	if matcher.calls.Load() != 0 {
		t.Errorf("matcher invoked %d times, want 0", matcher.calls.Load())
	}
}

func TestPoolRuntimeLookupFailureDisablesFilter(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{Episode: "S01E05", Confidence: 0.8}}
	h := newPoolHarness(t, matcher, &stubRuntimes{err: errors.New("tmdb unreachable")}, nil, nil)
	title, path := h.rippedTitle(t, 0, 600)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	if got := h.title(t, title.ID); got.State != store.TitleMatched {
		t.Fatalf("state = %q, want matched despite runtime lookup failure", got.State)
	}
	if matcher.calls.Load() != 1 {
		t.Errorf("matcher invoked %d times, want 1", matcher.calls.Load())
	}
}

func TestPoolProbesMissingDuration(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{Episode: "S01E02", Confidence: 0.9}}
	prober := &stubProber{seconds: 1450}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1400, 1500, 1600}}, prober, nil)
	// Scan reported no duration for this title.
	title, path := h.rippedTitle(t, 0, 0)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleMatched {
		t.Fatalf("state = %q, want matched", got.State)
	}
	if got.DurationSeconds != 1450 {
		t.Errorf("duration = %v, want probed 1450 persisted", got.DurationSeconds)
	}
	if prober.calls.Load() != 1 {
		t.Errorf("prober invoked %d times, want 1", prober.calls.Load())
	}
	if matcher.calls.Load() != 1 {
		t.Errorf("matcher invoked %d times, want 1", matcher.calls.Load())
	}
}

func TestPoolProbedDurationRoutesExtra(t *testing.T) {
	matcher := &stubMatcher{result: &matching.MatchResult{Episode: "S01E01", Confidence: 0.9}}
	prober := &stubProber{seconds: 600}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1400, 1500, 1600}}, prober, nil)
	title, path := h.rippedTitle(t, 0, 0)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleCompleted {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if !got.IsExtra {
		t.Error("probed short title must be routed as an extra")
	}
	if matcher.calls.Load() != 0 {
		t.Errorf("matcher invoked %d times, want 0", matcher.calls.Load())
	}
}

func TestPoolMatcherFailureParksReview(t *testing.T) {
	matcher := &stubMatcher{err: errors.New("fingerprint index corrupt")}
	h := newPoolHarness(t, matcher, &stubRuntimes{runtimes: []float64{1440}}, nil, nil)
	title, path := h.rippedTitle(t, 0, 1440)

	h.pool.Submit(context.Background(), h.job.ID, title.ID, path)
	h.pool.Wait()

	got := h.title(t, title.ID)
	if got.State != store.TitleReview {
		t.Fatalf("state = %q, want review", got.State)
	}
	if got.Details().Error != "matching_task_failed" {
		t.Errorf("details error = %q", got.Details().Error)
	}
}
