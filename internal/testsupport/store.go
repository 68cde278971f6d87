package testsupport

import (
	"context"
	"testing"

	"chorus/internal/config"
	"chorus/internal/store"
)

// MustOpenStore opens a job store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewJob creates a pending job at the first stage for tests.
func NewJob(t testing.TB, st *store.Store, title, fingerprint string) *store.Job {
	t.Helper()

	job := &store.Job{
		Title:       title,
		Fingerprint: fingerprint,
		Status:      store.StatusPending,
		Stage:       store.StageIngestValidate,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}
