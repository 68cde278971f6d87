package progress_test

import (
	"context"
	"errors"
	"testing"

	"chorus/internal/progress"
	"chorus/internal/store"
	"chorus/internal/testsupport"
)

// failingNotifier errors on every call so the tracker's resilience to a
// broken notification channel can be verified.
type failingNotifier struct {
	calls int
}

func (f *failingNotifier) fail() error {
	f.calls++
	return errors.New("ntfy unreachable")
}

func (f *failingNotifier) NotifyJobAccepted(context.Context, string, string) error { return f.fail() }
func (f *failingNotifier) NotifyStageCompleted(context.Context, string, string, string) error {
	return f.fail()
}
func (f *failingNotifier) NotifyJobCompleted(context.Context, string, string) error { return f.fail() }
func (f *failingNotifier) NotifyJobFailed(context.Context, string, string, string, string) error {
	return f.fail()
}
func (f *failingNotifier) NotifyJobCancelled(context.Context, string, string) error { return f.fail() }
func (f *failingNotifier) NotifySpeakerSuggestion(context.Context, string, string, string, float64) error {
	return f.fail()
}
func (f *failingNotifier) TestNotification(context.Context) error { return f.fail() }

func TestTrackerAppendsOrderedLog(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	tracker := progress.NewTracker(st, nil, testsupport.NewLogger(t))
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "tracked", "fp-track")
	if err := tracker.StageStarted(ctx, job, store.StageTranscribe, "starting"); err != nil {
		t.Fatalf("StageStarted failed: %v", err)
	}
	if err := tracker.StageProgress(ctx, job, store.StageTranscribe, "alignment", 40, "aligning"); err != nil {
		t.Fatalf("StageProgress failed: %v", err)
	}
	if err := tracker.StageCompleted(ctx, job, store.StageTranscribe); err != nil {
		t.Fatalf("StageCompleted failed: %v", err)
	}

	events, err := st.ListProgress(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, event := range events {
		if event.Seq != int64(i+1) {
			t.Fatalf("sequence broken at %d: %#v", i, event)
		}
	}
	if events[1].SubStep != "alignment" || events[1].Percent != 40 {
		t.Fatalf("sub-step event lost detail: %#v", events[1])
	}
	if events[2].Percent != 100 {
		t.Fatalf("completion should record 100%%, got %#v", events[2])
	}
}

func TestTrackerSurvivesNotifierFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &failingNotifier{}
	tracker := progress.NewTracker(st, notifier, testsupport.NewLogger(t))
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "noisy", "fp-noisy")
	if err := tracker.StageCompleted(ctx, job, store.StageExport); err != nil {
		t.Fatalf("notifier failure must not surface: %v", err)
	}
	if err := tracker.JobCompleted(ctx, job); err != nil {
		t.Fatalf("notifier failure must not surface: %v", err)
	}
	if err := tracker.JobFailed(ctx, job, store.StageExport, "transient-resource", "boom"); err != nil {
		t.Fatalf("notifier failure must not surface: %v", err)
	}
	if notifier.calls != 3 {
		t.Fatalf("expected each transition to attempt a notification, got %d", notifier.calls)
	}

	events, err := st.ListProgress(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events must persist despite notifier failures, got %d", len(events))
	}
}
