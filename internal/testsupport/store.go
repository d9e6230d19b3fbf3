package testsupport

import (
	"context"
	"testing"

	"spool/internal/config"
	"spool/internal/logging"
	"spool/internal/store"
)

// MustOpenStore opens a store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), cfg.DatabasePath, logging.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewJob creates a job for tests.
func NewJob(t testing.TB, st *store.Store, label string) *store.Job {
	t.Helper()

	job := &store.Job{
		Drive:      "/dev/sr0",
		DiscLabel:  label,
		State:      store.JobIdle,
		StagingDir: t.TempDir(),
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}
