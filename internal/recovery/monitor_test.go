package recovery_test

import (
	"context"
	"testing"
	"time"

	"chorus/internal/notifications"
	"chorus/internal/progress"
	"chorus/internal/recovery"
	"chorus/internal/services"
	"chorus/internal/store"
	"chorus/internal/testsupport"
)

func newMonitor(t *testing.T, opts ...testsupport.ConfigOption) (*recovery.Monitor, *store.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	tracker := progress.NewTracker(st, notifications.NewService(cfg), testsupport.NewLogger(t))
	return recovery.NewMonitor(cfg, st, tracker, testsupport.NewLogger(t)), st
}

func runningJob(t *testing.T, st *store.Store, attempts map[store.Stage]int) *store.Job {
	t.Helper()
	heartbeat := time.Now().UTC()
	job := &store.Job{
		Title:         "stalled",
		Fingerprint:   "fp-" + time.Now().Format("150405.000000000"),
		Status:        store.StatusRunning,
		Stage:         store.StageDiarize,
		Attempts:      attempts,
		LastHeartbeat: &heartbeat,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func TestSweepReclaimsStalledJob(t *testing.T) {
	monitor, st := newMonitor(t)
	job := runningJob(t, st, nil)

	// Diarize runs under the default stage timeout; jump well past it.
	monitor.SetNow(func() time.Time { return time.Now().UTC().Add(20 * time.Minute) })

	reclaimed, failed, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if reclaimed != 1 || failed != 0 {
		t.Fatalf("expected 1 reclaimed, got reclaimed=%d failed=%d", reclaimed, failed)
	}

	requeued, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if requeued.Status != store.StatusPending {
		t.Fatalf("expected pending after reclaim, got %s", requeued.Status)
	}
	if requeued.AttemptsFor(store.StageDiarize) != 1 {
		t.Fatalf("reclaim should count an attempt, got %d", requeued.AttemptsFor(store.StageDiarize))
	}
	if len(requeued.RetryHistory) != 1 ||
		requeued.RetryHistory[0].ErrorKind != string(services.KindStalledTimeout) {
		t.Fatalf("expected a stalled-timeout retry record, got %#v", requeued.RetryHistory)
	}
	if requeued.LastHeartbeat != nil {
		t.Fatal("reclaim should clear the heartbeat")
	}
}

func TestSweepFailsJobWithSpentAttempts(t *testing.T) {
	monitor, st := newMonitor(t, testsupport.WithRetryPolicy(3, 10, 2.0))
	job := runningJob(t, st, map[store.Stage]int{store.StageDiarize: 2})

	monitor.SetNow(func() time.Time { return time.Now().UTC().Add(20 * time.Minute) })

	reclaimed, failed, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if reclaimed != 0 || failed != 1 {
		t.Fatalf("expected 1 failed, got reclaimed=%d failed=%d", reclaimed, failed)
	}

	final, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorKind != string(services.KindStalledTimeout) {
		t.Fatalf("expected stalled-timeout kind, got %q", final.ErrorKind)
	}
}

func TestSweepLeavesFreshJobsAlone(t *testing.T) {
	monitor, st := newMonitor(t)
	job := runningJob(t, st, nil)

	reclaimed, failed, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if reclaimed != 0 || failed != 0 {
		t.Fatalf("fresh job touched: reclaimed=%d failed=%d", reclaimed, failed)
	}

	current, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if current.Status != store.StatusRunning {
		t.Fatalf("expected still running, got %s", current.Status)
	}
}

func TestSweepUsesStageSpecificTimeouts(t *testing.T) {
	monitor, st := newMonitor(t)
	heartbeat := time.Now().UTC()
	job := &store.Job{
		Title:         "long download",
		Fingerprint:   "fp-download",
		Status:        store.StatusRunning,
		Stage:         store.StageDownloadResolve,
		LastHeartbeat: &heartbeat,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// 20 minutes exceeds the default timeout but not the download
	// override, so the job must survive the sweep.
	monitor.SetNow(func() time.Time { return time.Now().UTC().Add(20 * time.Minute) })

	reclaimed, failed, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if reclaimed != 0 || failed != 0 {
		t.Fatalf("download job reclaimed under its longer timeout: reclaimed=%d failed=%d", reclaimed, failed)
	}
}
