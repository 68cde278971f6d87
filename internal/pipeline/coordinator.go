// Package pipeline drives jobs through their stage graph. The coordinator
// owns every status transition: it claims pending jobs, hands stage work to
// the dispatcher, and applies retry, failure, and cancellation policy when
// the work resolves. Stage executors never transition jobs themselves.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chorus/internal/config"
	"chorus/internal/dispatch"
	"chorus/internal/logging"
	"chorus/internal/progress"
	"chorus/internal/services"
	"chorus/internal/stages"
	"chorus/internal/store"
)

// Coordinator polls the queue and advances claimed jobs through the stage
// graph until they reach a terminal status.
type Coordinator struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	executors  map[store.Stage]stages.Executor
	tracker    *progress.Tracker
	logger     *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewCoordinator wires a coordinator over an executor set built with
// stages.All.
func NewCoordinator(cfg *config.Config, st *store.Store, dispatcher *dispatch.Dispatcher, executors map[store.Stage]stages.Executor, tracker *progress.Tracker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		executors:  executors,
		tracker:    tracker,
		logger:     logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Start launches the queue poll loop. Calling Start twice is an error.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("pipeline: already started")
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop halts the poll loop and waits for in-flight jobs to settle. The
// dispatcher must be stopped by the same shutdown so running stage work
// observes cancellation and resolves.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Kick wakes the poll loop early, typically right after a submission.
func (c *Coordinator) Kick() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	go c.drainQueue()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	interval := secondsOr(c.cfg.Workflow.QueuePollInterval, 5)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.drainQueue()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.drainQueue()
		}
	}
}

// drainQueue claims every ready job and launches it. The compare-and-set in
// ClaimForRun makes the loop safe to run concurrently with itself.
func (c *Coordinator) drainQueue() {
	for {
		if c.runCtx.Err() != nil {
			return
		}
		job, err := c.store.NextReady(c.runCtx, time.Now().UTC())
		if err != nil {
			c.logger.Error("queue poll failed", logging.Error(err))
			return
		}
		if job == nil {
			return
		}
		claimed, err := c.store.ClaimForRun(c.runCtx, job.ID)
		if err != nil {
			c.logger.Error("claim failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
			return
		}
		if !claimed {
			// Another actor took or cancelled it; the next NextReady call
			// sees past it.
			continue
		}
		job.Status = store.StatusRunning

		c.wg.Add(1)
		go func(job *store.Job) {
			defer c.wg.Done()
			c.runJob(job)
		}(job)
	}
}

// runJob executes the job's current stage (or the parallel branch phase) and
// settles the outcome. It holds the job's heartbeat for the duration.
func (c *Coordinator) runJob(job *store.Job) {
	jobCtx, cancelJob := context.WithCancel(c.runCtx)
	defer cancelJob()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchJob(jobCtx, job.ID, cancelJob)
	}()

	if job.Stage == store.StageTranscribe && !(job.WaveformDone && job.TranscribeDone) {
		c.runBranch(jobCtx, job)
		return
	}

	executor, ok := c.executors[job.Stage]
	if !ok {
		c.failJob(contextFor(jobCtx), job, job.Stage,
			services.KindInvalidInput, "unknown stage "+string(job.Stage))
		return
	}

	handle, err := c.submit(jobCtx, executor, job)
	if err != nil {
		c.settle(contextFor(jobCtx), job, job.Stage, err)
		return
	}
	c.settle(contextFor(jobCtx), job, job.Stage, handle.Wait(context.Background()))
}

// runBranch runs the unfinished sides of the waveform/transcribe fork
// concurrently and joins before diarization. Each side gets its own job
// copy so the executors never share mutable state; artifacts are merged
// back as each side resolves.
func (c *Coordinator) runBranch(jobCtx context.Context, job *store.Job) {
	type branchResult struct {
		stage store.Stage
		copy  *store.Job
		err   error
	}

	var branches []store.Stage
	if !job.WaveformDone {
		branches = append(branches, store.StageWaveform)
	}
	if !job.TranscribeDone {
		branches = append(branches, store.StageTranscribe)
	}

	ctx := contextFor(jobCtx)
	bothDone := job.WaveformDone && job.TranscribeDone

	results := make(chan branchResult, len(branches))
	for _, branch := range branches {
		executor, ok := c.executors[branch]
		if !ok {
			c.failJob(ctx, job, branch, services.KindInvalidInput, "unknown stage "+string(branch))
			return
		}
		branchJob := cloneJob(job)
		branchJob.Stage = branch

		handle, err := c.submit(jobCtx, executor, branchJob)
		if err != nil {
			results <- branchResult{stage: branch, copy: branchJob, err: err}
			continue
		}
		c.wg.Add(1)
		go func(branch store.Stage, branchJob *store.Job, handle *dispatch.Handle) {
			defer c.wg.Done()
			results <- branchResult{stage: branch, copy: branchJob, err: handle.Wait(context.Background())}
		}(branch, branchJob, handle)
	}

	var firstErr error
	var failedStage store.Stage
	for range branches {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				failedStage = res.stage
			}
			continue
		}

		mergeArtifacts(job, res.copy)
		if err := c.store.SaveArtifacts(ctx, job); err != nil {
			c.logger.Error("artifact save failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.String(logging.FieldStage, string(res.stage)),
				logging.Error(err))
			if firstErr == nil {
				firstErr = services.Wrap(services.KindTransient, string(res.stage),
					"save_artifacts", "persist stage output", err)
				failedStage = res.stage
			}
			continue
		}
		if err := c.tracker.StageCompleted(ctx, job, res.stage); err != nil {
			c.logger.Warn("progress append failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
		done, err := c.store.MarkBranchDone(ctx, job.ID, res.stage)
		if err != nil {
			c.logger.Error("branch bookkeeping failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
			continue
		}
		switch res.stage {
		case store.StageWaveform:
			job.WaveformDone = true
		case store.StageTranscribe:
			job.TranscribeDone = true
		}
		bothDone = done
	}

	if firstErr != nil {
		c.settle(ctx, job, failedStage, firstErr)
		return
	}
	if !bothDone {
		// Unreachable unless bookkeeping failed above; the recovery monitor
		// requeues the job from its stale heartbeat.
		return
	}
	c.advance(ctx, job, store.StageDiarize)
}

// submit queues one stage execution on the executor's pool. The dispatcher
// runs tasks under its own context; cancellation of jobCtx (user cancel or
// shutdown) is bridged into the executor.
func (c *Coordinator) submit(jobCtx context.Context, executor stages.Executor, job *store.Job) (*dispatch.Handle, error) {
	return c.dispatcher.Submit(executor.Pool(), dispatch.Task{
		JobID: job.ID,
		Stage: string(executor.Stage()),
		Run: func(taskCtx context.Context) error {
			execCtx, cancel := context.WithCancel(taskCtx)
			defer cancel()
			stop := context.AfterFunc(jobCtx, cancel)
			defer stop()
			return executor.Execute(execCtx, job)
		},
	})
}

// settle applies the transition rules for one resolved stage execution.
func (c *Coordinator) settle(ctx context.Context, job *store.Job, stage store.Stage, err error) {
	if err != nil {
		c.settleFailure(ctx, job, stage, err)
		return
	}

	if saveErr := c.store.SaveArtifacts(ctx, job); saveErr != nil {
		c.settleFailure(ctx, job, stage, services.Wrap(services.KindTransient,
			string(stage), "save_artifacts", "persist stage output", saveErr))
		return
	}
	if trackErr := c.tracker.StageCompleted(ctx, job, stage); trackErr != nil {
		c.logger.Warn("progress append failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(trackErr))
	}

	if stage == store.StageExport {
		finished, err := c.store.MarkSucceeded(ctx, job.ID)
		if err != nil {
			c.logger.Error("completion transition failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
			return
		}
		if !finished {
			c.logResultDiscarded(job, stage)
			return
		}
		job.Status = store.StatusSucceeded
		if err := c.tracker.JobCompleted(ctx, job); err != nil {
			c.logger.Warn("progress append failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
		return
	}

	next, ok := nextStage(job, stage)
	if !ok {
		c.failJob(ctx, job, stage, services.KindInvalidInput,
			"no successor for stage "+string(stage))
		return
	}
	c.advance(ctx, job, next)
}

func (c *Coordinator) advance(ctx context.Context, job *store.Job, next store.Stage) {
	advanced, err := c.store.AdvanceStage(ctx, job.ID, next)
	if err != nil {
		c.logger.Error("stage transition failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, string(next)),
			logging.Error(err))
		return
	}
	if !advanced {
		c.logResultDiscarded(job, next)
		return
	}
	job.Stage = next
	job.Status = store.StatusPending
	c.logger.Info("stage advanced",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(next)))
}

// settleFailure classifies the error and decides between retry, permanent
// failure, and cancellation.
func (c *Coordinator) settleFailure(ctx context.Context, job *store.Job, stage store.Stage, err error) {
	if errors.Is(err, dispatch.ErrStopped) {
		// The dispatcher drained before the stage started. The job keeps its
		// running status and a stale heartbeat; recovery requeues it on
		// restart without consuming an attempt.
		c.logger.Info("stage dropped by shutdown",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, string(stage)))
		return
	}

	kind := services.KindOf(err)

	if kind == services.KindCancelled {
		if c.runCtx.Err() != nil {
			// Daemon shutdown, not a user cancel. The job keeps its running
			// status and a stale heartbeat; recovery requeues it on restart.
			c.logger.Info("stage interrupted by shutdown",
				logging.String(logging.FieldJobID, job.ID),
				logging.String(logging.FieldStage, string(stage)))
			return
		}
		if err := c.tracker.JobCancelled(ctx, job, stage); err != nil {
			c.logger.Warn("progress append failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
		c.logger.Info("job cancelled",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, string(stage)))
		return
	}

	attempt := job.AttemptsFor(stage) + 1
	policy := c.policyFor(stage)

	if !kind.Retryable() || attempt >= policy.maxAttempts {
		c.failJob(ctx, job, stage, kind, err.Error())
		return
	}

	backoff := policy.delay(attempt)
	record := store.RetryRecord{
		Stage:     stage,
		Attempt:   attempt,
		ErrorKind: string(kind),
		Backoff:   backoff.String(),
		At:        time.Now().UTC(),
	}
	job.ErrorKind = string(kind)
	job.ErrorMessage = err.Error()

	scheduled, storeErr := c.store.ScheduleRetry(ctx, job, record, time.Now().UTC().Add(backoff))
	if storeErr != nil {
		c.logger.Error("retry transition failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(storeErr))
		return
	}
	if !scheduled {
		c.logResultDiscarded(job, stage)
		return
	}

	c.logger.Warn("stage failed, retry scheduled",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(stage)),
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.Int(logging.FieldAttempt, attempt),
		logging.String("backoff", backoff.String()),
		logging.Error(err))
	if trackErr := c.tracker.Publish(ctx, store.ProgressEvent{
		JobID:     job.ID,
		Stage:     stage,
		SubStep:   "retry",
		Percent:   job.ProgressPercent,
		Message:   "retry scheduled after " + backoff.String(),
		ErrorKind: string(kind),
	}); trackErr != nil {
		c.logger.Warn("progress append failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(trackErr))
	}
}

func (c *Coordinator) failJob(ctx context.Context, job *store.Job, stage store.Stage, kind services.ErrorKind, message string) {
	failed, err := c.store.MarkFailed(ctx, job.ID, string(kind), message)
	if err != nil {
		c.logger.Error("failure transition failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		return
	}
	if !failed {
		c.logResultDiscarded(job, stage)
		return
	}
	job.Status = store.StatusFailed
	job.ErrorKind = string(kind)
	job.ErrorMessage = message

	c.logger.Error("job failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(stage)),
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.String("error_message", message))
	if err := c.tracker.JobFailed(ctx, job, stage, string(kind), message); err != nil {
		c.logger.Warn("progress append failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(err))
	}
}

// watchJob refreshes the job's heartbeat while its stage work runs and
// cancels the job context if the job is cancelled out from under it, which
// is how cross-process cancellation reaches a running executor.
func (c *Coordinator) watchJob(ctx context.Context, jobID string, cancelJob context.CancelFunc) {
	interval := secondsOr(c.cfg.Workflow.HeartbeatInterval, 10)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("heartbeat read failed",
				logging.String(logging.FieldJobID, jobID), logging.Error(err))
			continue
		}
		switch current.Status {
		case store.StatusRunning:
			if err := c.store.UpdateHeartbeat(ctx, jobID, time.Now().UTC()); err != nil && ctx.Err() == nil {
				c.logger.Warn("heartbeat write failed",
					logging.String(logging.FieldJobID, jobID), logging.Error(err))
			}
		case store.StatusCancelled:
			cancelJob()
			return
		default:
			// Reclaimed or transitioned by another actor. The status guards
			// on the transitions discard this run's result.
			return
		}
	}
}

func (c *Coordinator) logResultDiscarded(job *store.Job, stage store.Stage) {
	c.logger.Info("stage result discarded, job no longer running",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(stage)))
}

// nextStage names the successor of a completed stage. The waveform and
// transcribe fork is handled by runBranch, and export completion by settle,
// so neither appears here.
func nextStage(job *store.Job, completed store.Stage) (store.Stage, bool) {
	switch completed {
	case store.StageIngestValidate:
		if job.NeedsDownload() {
			return store.StageDownloadResolve, true
		}
		return store.StageTranscribe, true
	case store.StageDownloadResolve:
		return store.StageTranscribe, true
	case store.StageDiarize:
		return store.StageSpeakerMatch, true
	case store.StageSpeakerMatch:
		if job.WantsSummary() {
			return store.StageSummarize, true
		}
		return store.StageExport, true
	case store.StageSummarize:
		return store.StageExport, true
	default:
		return "", false
	}
}

// cloneJob copies a job for one side of the parallel branch so concurrent
// executors never touch the same maps.
func cloneJob(job *store.Job) *store.Job {
	clone := *job
	clone.Artifacts = make(map[string]string, len(job.Artifacts))
	for name, key := range job.Artifacts {
		clone.Artifacts[name] = key
	}
	clone.Attempts = make(map[store.Stage]int, len(job.Attempts))
	for stage, count := range job.Attempts {
		clone.Attempts[stage] = count
	}
	clone.RetryHistory = append([]store.RetryRecord(nil), job.RetryHistory...)
	return &clone
}

// mergeArtifacts folds a branch copy's results back into the shared job.
func mergeArtifacts(job, branch *store.Job) {
	for name, key := range branch.Artifacts {
		job.SetArtifact(name, key)
	}
	if job.Config.Language == "" && branch.Config.Language != "" {
		job.Config.Language = branch.Config.Language
	}
	if job.Title == "" && branch.Title != "" {
		job.Title = branch.Title
	}
}

// contextFor derives a context for settlement writes: it keeps the job's
// log fields but survives cancellation, so a cancelled or shutting-down job
// still records its outcome.
func contextFor(jobCtx context.Context) context.Context {
	return context.WithoutCancel(jobCtx)
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
