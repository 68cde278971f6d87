package store_test

import (
	"context"
	"testing"

	"chorus/internal/store"
	"chorus/internal/testsupport"
)

func appendEvent(t *testing.T, st *store.Store, jobID string, stage store.Stage, percent float64, message string) store.ProgressEvent {
	t.Helper()
	event := store.ProgressEvent{
		JobID:   jobID,
		Stage:   stage,
		Percent: percent,
		Message: message,
	}
	if err := st.AppendProgress(context.Background(), &event); err != nil {
		t.Fatalf("AppendProgress failed: %v", err)
	}
	return event
}

func TestAppendProgressSequencesStrictlyIncrease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, st, "Progress", "fp-progress")

	first := appendEvent(t, st, job.ID, store.StageIngestValidate, 10, "probing")
	second := appendEvent(t, st, job.ID, store.StageIngestValidate, 50, "extracting")
	third := appendEvent(t, st, job.ID, store.StageTranscribe, 5, "inference")

	if first.Seq != 1 || second.Seq != 2 || third.Seq != 3 {
		t.Fatalf("expected sequences 1,2,3 got %d,%d,%d", first.Seq, second.Seq, third.Seq)
	}

	events, err := st.ListProgress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("sequence not strictly increasing at index %d: %#v", i, events)
		}
	}
}

func TestAppendProgressPercentIsMonotonicWithinStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, st, "Monotonic", "fp-monotonic")

	appendEvent(t, st, job.ID, store.StageTranscribe, 60, "inference")
	regressed := appendEvent(t, st, job.ID, store.StageTranscribe, 40, "late report")
	if regressed.Percent != 60 {
		t.Fatalf("percent must clamp to the stage maximum, got %v", regressed.Percent)
	}

	// A new stage starts its own scale.
	reset := appendEvent(t, st, job.ID, store.StageDiarize, 5, "separating")
	if reset.Percent != 5 {
		t.Fatalf("new stage should reset percent, got %v", reset.Percent)
	}
}

func TestAppendProgressClampsRange(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, st, "Clamp", "fp-clamp")

	over := appendEvent(t, st, job.ID, store.StageWaveform, 140, "overshoot")
	if over.Percent != 100 {
		t.Fatalf("expected clamp to 100, got %v", over.Percent)
	}
	under := appendEvent(t, st, job.ID, store.StageDiarize, -5, "undershoot")
	if under.Percent != 0 {
		t.Fatalf("expected clamp to 0, got %v", under.Percent)
	}
}

func TestAppendProgressUpdatesJobSnapshot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := testsupport.NewJob(t, st, "Snapshot", "fp-snapshot")

	appendEvent(t, st, job.ID, store.StageTranscribe, 25, "inference running")

	fetched, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched.ProgressStage != string(store.StageTranscribe) || fetched.ProgressPercent != 25 {
		t.Fatalf("job snapshot not updated: %q %v", fetched.ProgressStage, fetched.ProgressPercent)
	}

	latest, err := st.LatestProgress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("LatestProgress failed: %v", err)
	}
	if latest == nil || latest.Message != "inference running" {
		t.Fatalf("unexpected latest event: %#v", latest)
	}
}
