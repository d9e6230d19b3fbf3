package store_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"spool/internal/logging"
	"spool/internal/store"
	"spool/internal/testsupport"
)

func TestJobCRUD(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "THE_SHOW_S01D1")
	if job.ID == 0 {
		t.Fatal("expected job id to be assigned")
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	fetched, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched == nil || fetched.DiscLabel != "THE_SHOW_S01D1" || fetched.State != store.JobIdle {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}

	missing, err := st.GetJob(ctx, 9999)
	if err != nil {
		t.Fatalf("GetJob missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing job, got %#v", missing)
	}

	fetched.DetectedTitle = "The Show"
	fetched.State = store.JobIdentifying
	if err := st.UpdateJob(ctx, fetched); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	again, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob after update: %v", err)
	}
	if again.DetectedTitle != "The Show" || again.State != store.JobIdentifying {
		t.Fatalf("update not persisted: %#v", again)
	}

	if err := st.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	gone, err := st.GetJob(ctx, job.ID)
	if err != nil || gone != nil {
		t.Fatalf("expected job gone, got %#v err=%v", gone, err)
	}
}

func TestListJobsNewestFirstWithLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 12; i++ {
		job := testsupport.NewJob(t, st, "DISC")
		lastID = job.ID
	}

	jobs, err := st.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 10 {
		t.Fatalf("expected 10 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != lastID {
		t.Errorf("expected newest job first, got id %d want %d", jobs[0].ID, lastID)
	}
}

func TestActiveJobForDrive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "DISC")

	active, err := st.ActiveJobForDrive(ctx, "/dev/sr0")
	if err != nil {
		t.Fatalf("ActiveJobForDrive: %v", err)
	}
	if active == nil || active.ID != job.ID {
		t.Fatalf("expected active job %d, got %#v", job.ID, active)
	}

	job.State = store.JobCompleted
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	active, err = st.ActiveJobForDrive(ctx, "/dev/sr0")
	if err != nil {
		t.Fatalf("ActiveJobForDrive after completion: %v", err)
	}
	if active != nil {
		t.Fatalf("terminal job should not be active, got %#v", active)
	}
}

func TestTitlesOrderedByIndex(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "DISC")
	titles := []*store.Title{
		{JobID: job.ID, TitleIndex: 2, DurationSeconds: 1440, State: store.TitlePending, IsSelected: true},
		{JobID: job.ID, TitleIndex: 0, DurationSeconds: 1440, State: store.TitlePending, IsSelected: true},
		{JobID: job.ID, TitleIndex: 1, DurationSeconds: 90, State: store.TitlePending},
	}
	if err := st.CreateTitles(ctx, titles); err != nil {
		t.Fatalf("CreateTitles: %v", err)
	}

	listed, err := st.ListTitles(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListTitles: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 titles, got %d", len(listed))
	}
	for i, title := range listed {
		if title.TitleIndex != i {
			t.Errorf("position %d has title_index %d", i, title.TitleIndex)
		}
	}
	if listed[1].IsSelected {
		t.Error("short title should not be selected")
	}
}

func TestDeleteJobCascadesTitles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "DISC")
	err := st.CreateTitles(ctx, []*store.Title{
		{JobID: job.ID, TitleIndex: 0, State: store.TitlePending},
	})
	if err != nil {
		t.Fatalf("CreateTitles: %v", err)
	}
	if err := st.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	titles, err := st.ListTitles(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListTitles: %v", err)
	}
	if len(titles) != 0 {
		t.Fatalf("expected cascade delete, found %d titles", len(titles))
	}
}

func TestMatchDetailsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "DISC")
	title := &store.Title{JobID: job.ID, TitleIndex: 0, State: store.TitleMatching}
	if err := st.CreateTitles(ctx, []*store.Title{title}); err != nil {
		t.Fatalf("CreateTitles: %v", err)
	}

	title.MatchedEpisode = "S01E02"
	title.Confidence = 0.82
	title.SetDetails(store.MatchDetailsPayload{
		Score:     0.82,
		VoteCount: 14,
		RunnerUps: []store.RunnerUp{{Episode: "S01E03", Score: 0.65}},
	})
	if err := st.UpdateTitle(ctx, title); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}

	fetched, err := st.GetTitle(ctx, title.ID)
	if err != nil {
		t.Fatalf("GetTitle: %v", err)
	}
	details := fetched.Details()
	if details.VoteCount != 14 || len(details.RunnerUps) != 1 || details.RunnerUps[0].Episode != "S01E03" {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestAppConfigSurvivesSchemaRebuild(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	// Seed a database with a legacy disc_jobs shape and a saved config.
	db, err := sql.Open("sqlite", "file:"+cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open raw database: %v", err)
	}
	stmts := []string{
		`CREATE TABLE disc_jobs (id INTEGER PRIMARY KEY, old_column TEXT)`,
		`INSERT INTO disc_jobs (id, old_column) VALUES (1, 'stale')`,
		`CREATE TABLE app_config (id INTEGER PRIMARY KEY CHECK (id = 1), payload TEXT NOT NULL, updated_at TIMESTAMP NOT NULL)`,
		`INSERT INTO app_config (id, payload, updated_at) VALUES (1, '{"api_bind":"127.0.0.1:9999"}', '2026-01-01')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed schema: %v", err)
		}
	}
	db.Close()

	st, err := store.Open(ctx, cfg.DatabasePath, logging.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	jobs, err := st.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListJobs after rebuild: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected rebuilt empty disc_jobs, got %d rows", len(jobs))
	}

	stored, found, err := st.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !found {
		t.Fatal("expected app_config row to survive")
	}
	if stored.APIBind != "127.0.0.1:9999" {
		t.Errorf("api_bind = %q, want preserved value", stored.APIBind)
	}
}

func TestSaveConfigUpserts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, found, err := st.LoadConfig(ctx); err != nil || found {
		t.Fatalf("expected empty config, found=%v err=%v", found, err)
	}

	cfg.MaxConcurrentMatches = 4
	if err := st.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	cfg.MaxConcurrentMatches = 6
	if err := st.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig twice: %v", err)
	}

	stored, found, err := st.LoadConfig(ctx)
	if err != nil || !found {
		t.Fatalf("LoadConfig: found=%v err=%v", found, err)
	}
	if stored.MaxConcurrentMatches != 6 {
		t.Errorf("max_concurrent_matches = %d, want 6", stored.MaxConcurrentMatches)
	}
}
