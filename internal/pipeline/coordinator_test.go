package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chorus/internal/config"
	"chorus/internal/dispatch"
	"chorus/internal/notifications"
	"chorus/internal/pipeline"
	"chorus/internal/progress"
	"chorus/internal/services"
	"chorus/internal/stages"
	"chorus/internal/store"
	"chorus/internal/testsupport"
)

// fakeExecutor satisfies the executor contract with a pluggable run
// function so the coordinator's sequencing can be observed directly.
type fakeExecutor struct {
	stage store.Stage
	pool  dispatch.Pool
	run   func(ctx context.Context, job *store.Job) error
}

func (f *fakeExecutor) Stage() store.Stage      { return f.stage }
func (f *fakeExecutor) Pool() dispatch.Pool     { return f.pool }
func (f *fakeExecutor) HealthCheck(ctx context.Context) stages.Health {
	return stages.Healthy(string(f.stage))
}
func (f *fakeExecutor) Execute(ctx context.Context, job *store.Job) error {
	if f.run == nil {
		return nil
	}
	return f.run(ctx, job)
}

// stageRecorder collects the order stages complete in.
type stageRecorder struct {
	mu     sync.Mutex
	stages []store.Stage
}

func (r *stageRecorder) record(stage store.Stage) {
	r.mu.Lock()
	r.stages = append(r.stages, stage)
	r.mu.Unlock()
}

func (r *stageRecorder) indexOf(stage store.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.stages {
		if s == stage {
			return i
		}
	}
	return -1
}

type harness struct {
	cfg         *config.Config
	store       *store.Store
	dispatcher  *dispatch.Dispatcher
	coordinator *pipeline.Coordinator
	recorder    *stageRecorder
}

// newHarness wires a coordinator against the real store and dispatcher
// with recording no-op executors. Overrides replace individual stages.
func newHarness(t *testing.T, overrides map[store.Stage]func(ctx context.Context, job *store.Job) error, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	opts = append([]testsupport.ConfigOption{func(cfg *config.Config) {
		cfg.Workflow.QueuePollInterval = 1
		cfg.Workflow.HeartbeatInterval = 1
	}}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)

	recorder := &stageRecorder{}
	executors := make(map[store.Stage]stages.Executor, len(store.AllStages()))
	for _, stage := range store.AllStages() {
		stage := stage
		run := func(ctx context.Context, job *store.Job) error {
			recorder.record(stage)
			return nil
		}
		if override, ok := overrides[stage]; ok {
			override := override
			run = func(ctx context.Context, job *store.Job) error {
				recorder.record(stage)
				return override(ctx, job)
			}
		}
		executors[stage] = &fakeExecutor{stage: stage, pool: dispatch.PoolUtility, run: run}
	}

	logger := testsupport.NewLogger(t)
	dispatcher := dispatch.New(cfg, logger)
	if err := dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("dispatcher start failed: %v", err)
	}
	tracker := progress.NewTracker(st, notifications.NewService(cfg), logger)
	coordinator := pipeline.NewCoordinator(cfg, st, dispatcher, executors, tracker, logger)
	if err := coordinator.Start(context.Background()); err != nil {
		t.Fatalf("coordinator start failed: %v", err)
	}
	t.Cleanup(func() {
		coordinator.Stop()
		dispatcher.Stop()
	})

	return &harness{cfg: cfg, store: st, dispatcher: dispatcher, coordinator: coordinator, recorder: recorder}
}

func (h *harness) submit(t *testing.T, job *store.Job) *store.Job {
	t.Helper()
	job.Status = store.StatusPending
	if job.Stage == "" {
		job.Stage = store.StageIngestValidate
	}
	if err := h.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	h.coordinator.Kick()
	return job
}

func (h *harness) waitForStatus(t *testing.T, jobID string, want store.Status, timeout time.Duration) *store.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := h.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s; stuck at %s/%s (%s: %s)",
				jobID, want, job.Status, job.Stage, job.ErrorKind, job.ErrorMessage)
		}
		h.coordinator.Kick()
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFileJobRunsEveryStageInOrder(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, &store.Job{Title: "episode", Fingerprint: "fp-1"})

	final := h.waitForStatus(t, job.ID, store.StatusSucceeded, 30*time.Second)
	if final.Stage != store.StageExport {
		t.Fatalf("expected final stage export, got %s", final.Stage)
	}

	ingest := h.recorder.indexOf(store.StageIngestValidate)
	waveform := h.recorder.indexOf(store.StageWaveform)
	transcribe := h.recorder.indexOf(store.StageTranscribe)
	diarize := h.recorder.indexOf(store.StageDiarize)
	match := h.recorder.indexOf(store.StageSpeakerMatch)
	export := h.recorder.indexOf(store.StageExport)

	for name, index := range map[string]int{
		"ingest": ingest, "waveform": waveform, "transcribe": transcribe,
		"diarize": diarize, "speaker-match": match, "export": export,
	} {
		if index < 0 {
			t.Fatalf("stage %s never ran; order %v", name, h.recorder.stages)
		}
	}
	if h.recorder.indexOf(store.StageDownloadResolve) >= 0 {
		t.Fatalf("file job should not download; order %v", h.recorder.stages)
	}
	if h.recorder.indexOf(store.StageSummarize) >= 0 {
		t.Fatalf("job without a prompt should not summarize; order %v", h.recorder.stages)
	}

	if waveform < ingest || transcribe < ingest {
		t.Fatalf("branch ran before validation; order %v", h.recorder.stages)
	}
	if diarize < waveform || diarize < transcribe {
		t.Fatalf("diarize must wait for both branch sides; order %v", h.recorder.stages)
	}
	if match < diarize || export < match {
		t.Fatalf("tail stages out of order: %v", h.recorder.stages)
	}
}

func TestURLJobDownloadsAndSummarizes(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, &store.Job{
		Title:       "remote",
		Fingerprint: "fp-url",
		Config: store.JobConfig{
			SourceURL:     "https://example.com/talk",
			SummaryPrompt: "key points",
		},
	})

	h.waitForStatus(t, job.ID, store.StatusSucceeded, 30*time.Second)

	download := h.recorder.indexOf(store.StageDownloadResolve)
	summarize := h.recorder.indexOf(store.StageSummarize)
	if download < 0 || summarize < 0 {
		t.Fatalf("expected download and summarize to run; order %v", h.recorder.stages)
	}
	if download < h.recorder.indexOf(store.StageIngestValidate) {
		t.Fatalf("download must follow validation; order %v", h.recorder.stages)
	}
	if summarize < h.recorder.indexOf(store.StageSpeakerMatch) {
		t.Fatalf("summarize must follow speaker matching; order %v", h.recorder.stages)
	}
	if h.recorder.indexOf(store.StageExport) < summarize {
		t.Fatalf("export must follow summarize; order %v", h.recorder.stages)
	}
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageIngestValidate: func(ctx context.Context, job *store.Job) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return services.Wrap(services.KindTransient, "ingest-validate", "probe",
				"probe source media", errors.New("resource busy"))
		},
	}, testsupport.WithRetryPolicy(2, 1, 1.0))

	job := h.submit(t, &store.Job{Title: "flaky", Fingerprint: "fp-flaky"})
	final := h.waitForStatus(t, job.ID, store.StatusFailed, 30*time.Second)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected 2 attempts before permanent failure, got %d", got)
	}
	if final.ErrorKind != string(services.KindTransient) {
		t.Fatalf("error kind should survive the final failure, got %q", final.ErrorKind)
	}
	if len(final.RetryHistory) != 1 {
		t.Fatalf("expected one retained retry record, got %#v", final.RetryHistory)
	}
	record := final.RetryHistory[0]
	if record.Stage != store.StageIngestValidate || record.Attempt != 1 {
		t.Fatalf("unexpected retry record: %#v", record)
	}
	if final.AttemptsFor(store.StageIngestValidate) != 1 {
		t.Fatalf("expected one counted attempt, got %d", final.AttemptsFor(store.StageIngestValidate))
	}
}

func TestInvalidInputFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageIngestValidate: func(ctx context.Context, job *store.Job) error {
			return services.Wrap(services.KindInvalidInput, "ingest-validate", "probe",
				"probe source media", errors.New("not a media file"))
		},
	})

	job := h.submit(t, &store.Job{Title: "bogus", Fingerprint: "fp-bogus"})
	final := h.waitForStatus(t, job.ID, store.StatusFailed, 15*time.Second)

	if final.ErrorKind != string(services.KindInvalidInput) {
		t.Fatalf("expected invalid-input kind, got %q", final.ErrorKind)
	}
	if len(final.RetryHistory) != 0 {
		t.Fatalf("invalid input must not retry, got history %#v", final.RetryHistory)
	}
}

func TestTransientFailureRecoversOnRetry(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageDiarize: func(ctx context.Context, job *store.Job) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return services.Wrap(services.KindExternalProvider, "diarize", "diarize",
					"run diarization", errors.New("provider returned 503"))
			}
			return nil
		},
	}, testsupport.WithRetryPolicy(3, 1, 1.0))

	job := h.submit(t, &store.Job{Title: "recovers", Fingerprint: "fp-recover"})
	final := h.waitForStatus(t, job.ID, store.StatusSucceeded, 30*time.Second)

	if len(final.RetryHistory) != 1 {
		t.Fatalf("expected the transient failure recorded, got %#v", final.RetryHistory)
	}
	if final.RetryHistory[0].ErrorKind != string(services.KindExternalProvider) {
		t.Fatalf("unexpected retry record: %#v", final.RetryHistory[0])
	}
}

func TestUserCancelStopsRunningStage(t *testing.T) {
	entered := make(chan struct{})
	observed := make(chan error, 1)
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageTranscribe: func(ctx context.Context, job *store.Job) error {
			close(entered)
			<-ctx.Done()
			observed <- ctx.Err()
			return services.Wrap(services.KindCancelled, "transcribe", "transcribe",
				"transcribe audio", ctx.Err())
		},
	})

	job := h.submit(t, &store.Job{Title: "cancelme", Fingerprint: "fp-cancel"})

	select {
	case <-entered:
	case <-time.After(15 * time.Second):
		t.Fatal("transcribe stage never started")
	}
	cancelled, err := h.store.CancelJob(context.Background(), job.ID)
	if err != nil || !cancelled {
		t.Fatalf("CancelJob failed: cancelled=%v err=%v", cancelled, err)
	}

	select {
	case err := <-observed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("executor saw unexpected error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("cancellation never reached the running executor")
	}

	final := h.waitForStatus(t, job.ID, store.StatusCancelled, 15*time.Second)
	if final.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestBranchFailureDoesNotAdvance(t *testing.T) {
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageWaveform: func(ctx context.Context, job *store.Job) error {
			return services.Wrap(services.KindInvalidInput, "waveform", "render",
				"render waveform", errors.New("no audio track"))
		},
	})

	job := h.submit(t, &store.Job{Title: "halfbranch", Fingerprint: "fp-branch"})
	final := h.waitForStatus(t, job.ID, store.StatusFailed, 15*time.Second)

	if h.recorder.indexOf(store.StageDiarize) >= 0 {
		t.Fatalf("diarize must not run after a branch failure; order %v", h.recorder.stages)
	}
	// The surviving side's completion is still recorded for the requeue.
	if !final.TranscribeDone {
		t.Fatal("completed branch side should be marked done")
	}
	if final.WaveformDone {
		t.Fatal("failed branch side must not be marked done")
	}
}

func TestBranchResumesOnlyUnfinishedSide(t *testing.T) {
	var waveformRuns, transcribeRuns int
	var mu sync.Mutex
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageWaveform: func(ctx context.Context, job *store.Job) error {
			mu.Lock()
			waveformRuns++
			mu.Unlock()
			return nil
		},
		store.StageTranscribe: func(ctx context.Context, job *store.Job) error {
			mu.Lock()
			transcribeRuns++
			mu.Unlock()
			return nil
		},
	})

	// A job requeued mid-branch: the waveform side already finished.
	job := &store.Job{
		Title:        "resumed",
		Fingerprint:  "fp-resume",
		Stage:        store.StageTranscribe,
		WaveformDone: true,
	}
	h.submit(t, job)
	h.waitForStatus(t, job.ID, store.StatusSucceeded, 30*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if waveformRuns != 0 {
		t.Fatalf("finished branch side must not rerun, ran %d times", waveformRuns)
	}
	if transcribeRuns != 1 {
		t.Fatalf("expected a single transcribe run, got %d", transcribeRuns)
	}
}

func TestRetryBackoffDelaysRequeue(t *testing.T) {
	var attempts []time.Time
	var mu sync.Mutex
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageIngestValidate: func(ctx context.Context, job *store.Job) error {
			mu.Lock()
			attempts = append(attempts, time.Now())
			count := len(attempts)
			mu.Unlock()
			if count == 1 {
				return services.Wrap(services.KindTransient, "ingest-validate", "probe",
					"probe source media", fmt.Errorf("attempt %d", count))
			}
			return nil
		},
	}, testsupport.WithRetryPolicy(3, 2, 1.0))

	job := h.submit(t, &store.Job{Title: "backoff", Fingerprint: "fp-backoff"})
	h.waitForStatus(t, job.ID, store.StatusSucceeded, 30*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < 2*time.Second {
		t.Fatalf("retry ran before its backoff elapsed: %s", gap)
	}
}

func TestShutdownLeavesQueuedStageForRecovery(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	h := newHarness(t, map[store.Stage]func(ctx context.Context, job *store.Job) error{
		store.StageIngestValidate: func(ctx context.Context, job *store.Job) error {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, testsupport.WithPoolSizes(1, 1, 1, 1, 1))

	h.submit(t, &store.Job{Title: "holding the slot", Fingerprint: "fp-slot"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first stage never started")
	}

	queued := h.submit(t, &store.Job{Title: "parked behind the slot", Fingerprint: "fp-parked"})
	h.waitForStatus(t, queued.ID, store.StatusRunning, 5*time.Second)

	// Daemon shutdown order: the dispatcher drains first, resolving the
	// parked task without running it, then the coordinator settles.
	h.dispatcher.Stop()
	h.coordinator.Stop()

	job, err := h.store.GetJob(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.StatusRunning {
		t.Fatalf("a never-started stage must stay claimed for recovery, got %s", job.Status)
	}
	if got := job.AttemptsFor(store.StageIngestValidate); got != 0 {
		t.Fatalf("shutdown must not consume an attempt, got %d", got)
	}
	if len(job.RetryHistory) != 0 {
		t.Fatalf("shutdown must not record a retry: %#v", job.RetryHistory)
	}
}
