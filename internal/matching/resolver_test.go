package matching_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"spool/internal/bus"
	"spool/internal/logging"
	"spool/internal/matching"
	"spool/internal/organizer"
	"spool/internal/state"
	"spool/internal/store"
	"spool/internal/testsupport"
)

type resolverHarness struct {
	store    *store.Store
	resolver *matching.Resolver
	job      *store.Job
	tvRoot   string
}

func newResolverHarness(t *testing.T) *resolverHarness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	eventBus := bus.New(logging.NewNop())
	t.Cleanup(eventBus.Close)
	machine := state.NewMachine(st, eventBus, logging.NewNop())
	org := organizer.New(cfg.LibraryMoviesPath, cfg.LibraryTVPath, organizer.PolicyRename, logging.NewNop())

	job := testsupport.NewJob(t, st, "THE_SHOW_S01D1")
	job.ContentType = store.ContentTV
	job.DetectedTitle = "The Show"
	season := 1
	job.DetectedSeason = &season
	job.State = store.JobMatching
	if err := st.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	return &resolverHarness{
		store:    st,
		resolver: matching.NewResolver(st, machine, org, logging.NewNop()),
		job:      job,
		tvRoot:   cfg.LibraryTVPath,
	}
}

// matchedTitle creates a ripped, matched title claiming episode with the
// given score and runner-ups, backed by a real staged file.
func (h *resolverHarness) matchedTitle(t *testing.T, index int, episode string, score float64, runnerUps ...store.RunnerUp) *store.Title {
	t.Helper()
	title := &store.Title{
		JobID:           h.job.ID,
		TitleIndex:      index,
		DurationSeconds: 1440,
		ExpectedBytes:   1 << 20,
		IsSelected:      true,
		State:           store.TitleMatched,
		MatchedEpisode:  episode,
		Confidence:      score,
		OutputFilename:  fmt.Sprintf("The_Show_t%02d.mkv", index),
	}
	title.SetDetails(store.MatchDetailsPayload{Score: score, RunnerUps: runnerUps})
	if err := h.store.CreateTitle(context.Background(), title); err != nil {
		t.Fatalf("CreateTitle: %v", err)
	}
	testsupport.WriteFile(t, filepath.Join(h.job.StagingDir, title.OutputFilename), 64)
	return title
}

func (h *resolverHarness) title(t *testing.T, id int64) *store.Title {
	t.Helper()
	title, err := h.store.GetTitle(context.Background(), id)
	if err != nil || title == nil {
		t.Fatalf("GetTitle(%d): %v", id, err)
	}
	return title
}

func (h *resolverHarness) reloadJob(t *testing.T) *store.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), h.job.ID)
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job
}

func TestResolveCascadingReassignment(t *testing.T) {
	h := newResolverHarness(t)

	// Three titles all claim S01E02. The strongest keeps it; the others
	// cascade to their runner-ups, displacing a weaker holder on the way.
	a := h.matchedTitle(t, 0, "S01E02", 0.90)
	b := h.matchedTitle(t, 1, "S01E02", 0.85, store.RunnerUp{Episode: "S01E03", Score: 0.82})
	c := h.matchedTitle(t, 2, "S01E02", 0.80, store.RunnerUp{Episode: "S01E04", Score: 0.75})
	// Weak holder of S01E03, displaced by b's stronger runner-up claim.
	d := h.matchedTitle(t, 3, "S01E03", 0.70, store.RunnerUp{Episode: "S01E05", Score: 0.65})

	if err := h.resolver.Resolve(context.Background(), h.job.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	assignments := map[int64]string{
		a.ID: "S01E02",
		b.ID: "S01E03",
		c.ID: "S01E04",
		d.ID: "S01E05",
	}
	for id, want := range assignments {
		title := h.title(t, id)
		if title.MatchedEpisode != want {
			t.Errorf("title %d episode = %q, want %q", id, title.MatchedEpisode, want)
		}
		if title.State != store.TitleCompleted {
			t.Errorf("title %d state = %q, want completed", id, title.State)
		}
	}

	// Reassigned confidence is the runner-up score, never more.
	if got := h.title(t, b.ID).Confidence; got != 0.82 {
		t.Errorf("title b confidence = %v, want runner-up score 0.82", got)
	}
	if got := h.title(t, d.ID).Confidence; got != 0.65 {
		t.Errorf("title d confidence = %v, want runner-up score 0.65", got)
	}

	job := h.reloadJob(t)
	if job.State != store.JobCompleted {
		t.Errorf("job state = %q, want completed", job.State)
	}
	wantDir := filepath.Join(h.tvRoot, "The Show", "Season 01")
	if job.FinalPath != wantDir {
		t.Errorf("final path = %q, want %q", job.FinalPath, wantDir)
	}
	for _, episode := range []string{"S01E02", "S01E03", "S01E04", "S01E05"} {
		path := filepath.Join(wantDir, fmt.Sprintf("The Show - %s.mkv", episode))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s in library: %v", episode, err)
		}
	}
}

func TestResolveLoserWithoutRunnerUpGoesToReview(t *testing.T) {
	h := newResolverHarness(t)

	winner := h.matchedTitle(t, 0, "S01E01", 0.90)
	loser := h.matchedTitle(t, 1, "S01E01", 0.70)

	if err := h.resolver.Resolve(context.Background(), h.job.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := h.title(t, winner.ID); got.State != store.TitleCompleted {
		t.Errorf("winner state = %q, want completed", got.State)
	}

	parked := h.title(t, loser.ID)
	if parked.State != store.TitleReview {
		t.Errorf("loser state = %q, want review", parked.State)
	}
	if parked.MatchedEpisode != "" {
		t.Errorf("loser still claims %q", parked.MatchedEpisode)
	}
	if reason := parked.Details().ConflictReason; !strings.Contains(reason, "S01E01") {
		t.Errorf("conflict reason = %q", reason)
	}

	if job := h.reloadJob(t); job.State != store.JobReviewNeeded {
		t.Errorf("job state = %q, want review_needed", job.State)
	}
}

func TestResolveTakenRunnerUpNotStolenByWeakerClaim(t *testing.T) {
	h := newResolverHarness(t)

	h.matchedTitle(t, 0, "S01E01", 0.90)
	// The loser's only runner-up is held by a stronger claimant, so the
	// loser parks in review instead of displacing it.
	loser := h.matchedTitle(t, 1, "S01E01", 0.70, store.RunnerUp{Episode: "S01E02", Score: 0.60})
	holder := h.matchedTitle(t, 2, "S01E02", 0.88)

	if err := h.resolver.Resolve(context.Background(), h.job.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := h.title(t, holder.ID); got.MatchedEpisode != "S01E02" || got.State != store.TitleCompleted {
		t.Errorf("holder disturbed: %+v", got)
	}
	if got := h.title(t, loser.ID); got.State != store.TitleReview {
		t.Errorf("loser state = %q, want review", got.State)
	}
}

func TestResolveNoConflictsOrganizesDirectly(t *testing.T) {
	h := newResolverHarness(t)

	one := h.matchedTitle(t, 0, "S01E01", 0.92)
	two := h.matchedTitle(t, 1, "S01E02", 0.88)
	// A deselected short title never rips; settling closes it out.
	skipped := &store.Title{
		JobID:           h.job.ID,
		TitleIndex:      2,
		DurationSeconds: 90,
		State:           store.TitlePending,
	}
	if err := h.store.CreateTitle(context.Background(), skipped); err != nil {
		t.Fatalf("CreateTitle: %v", err)
	}

	if err := h.resolver.Resolve(context.Background(), h.job.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, id := range []int64{one.ID, two.ID} {
		if got := h.title(t, id); got.State != store.TitleCompleted {
			t.Errorf("title %d state = %q, want completed", id, got.State)
		}
	}
	if got := h.title(t, skipped.ID); got.State != store.TitleFailed {
		t.Errorf("deselected title state = %q, want failed", got.State)
	}
	if job := h.reloadJob(t); job.State != store.JobCompleted {
		t.Errorf("job state = %q, want completed", job.State)
	}
}

func TestResolveFlaggedMatchParksInReview(t *testing.T) {
	h := newResolverHarness(t)

	flagged := h.matchedTitle(t, 0, "S01E01", 0.55)
	details := flagged.Details()
	details.NeedsReview = true
	flagged.SetDetails(details)
	if err := h.store.UpdateTitle(context.Background(), flagged); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}

	if err := h.resolver.Resolve(context.Background(), h.job.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := h.title(t, flagged.ID); got.State != store.TitleReview {
		t.Errorf("flagged title state = %q, want review", got.State)
	}
	if job := h.reloadJob(t); job.State != store.JobReviewNeeded {
		t.Errorf("job state = %q, want review_needed", job.State)
	}
}
