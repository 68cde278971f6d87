// Package recovery watches running jobs for expired heartbeats and returns
// them to the queue, or fails them once their attempts are spent. It is the
// only producer of the stalled-timeout error kind.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/progress"
	"chorus/internal/services"
	"chorus/internal/store"
)

// Monitor periodically sweeps running jobs for stale heartbeats.
type Monitor struct {
	cfg     *config.Config
	store   *store.Store
	tracker *progress.Tracker
	logger  *slog.Logger

	// now is swapped by tests to simulate elapsed time.
	now func() time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewMonitor builds a recovery monitor over the job store.
func NewMonitor(cfg *config.Config, st *store.Store, tracker *progress.Tracker, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		store:   st,
		tracker: tracker,
		logger:  logging.NewComponentLogger(logger, "recovery"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop. Calling Start twice is an error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("recovery: already started")
	}
	m.started = true
	m.runCtx, m.cancel = context.WithCancel(ctx)

	interval := m.cfg.Workflow.RecoveryInterval
	if interval <= 0 {
		interval = 30
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Duration(interval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.runCtx.Done():
				return
			case <-ticker.C:
				if _, _, err := m.Sweep(m.runCtx); err != nil && m.runCtx.Err() == nil {
					m.logger.Error("recovery sweep failed", logging.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Sweep inspects every running job once and reclaims or fails the stalled
// ones. It returns how many jobs it requeued and how many it force-failed.
func (m *Monitor) Sweep(ctx context.Context) (reclaimed, failed int, err error) {
	jobs, err := m.store.ListRunning(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := m.now()
	for _, job := range jobs {
		timeout := time.Duration(m.cfg.Workflow.TimeoutFor(string(job.Stage))) * time.Second
		idle := now.Sub(lastActivity(job))
		if idle < timeout {
			continue
		}

		if m.reclaimOrFail(ctx, job, idle, timeout) {
			reclaimed++
		} else {
			failed++
		}
	}
	return reclaimed, failed, nil
}

// reclaimOrFail requeues a stalled job when attempts remain and force-fails
// it otherwise. Reports true when the job was requeued.
func (m *Monitor) reclaimOrFail(ctx context.Context, job *store.Job, idle, timeout time.Duration) bool {
	attempt := job.AttemptsFor(job.Stage) + 1
	policy := m.cfg.Retry.For(string(job.Stage))

	if attempt < policy.MaxAttempts {
		record := store.RetryRecord{
			Stage:     job.Stage,
			Attempt:   attempt,
			ErrorKind: string(services.KindStalledTimeout),
			Backoff:   "0s",
			At:        m.now(),
		}
		ok, err := m.store.ReclaimStalled(ctx, job, record)
		if err != nil {
			m.logger.Error("reclaim failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
			return true
		}
		if !ok {
			// Heartbeat moved between our read and the write: the executor
			// is alive after all.
			return true
		}
		m.logger.Warn("stalled job requeued",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, string(job.Stage)),
			logging.Int(logging.FieldAttempt, attempt),
			logging.String("idle", idle.Truncate(time.Second).String()))
		if err := m.tracker.Publish(ctx, store.ProgressEvent{
			JobID:     job.ID,
			Stage:     job.Stage,
			SubStep:   "reclaim",
			Percent:   job.ProgressPercent,
			Message:   fmt.Sprintf("heartbeat silent for %s, requeued", idle.Truncate(time.Second)),
			ErrorKind: string(services.KindStalledTimeout),
		}); err != nil {
			m.logger.Warn("progress append failed",
				logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
		return true
	}

	message := fmt.Sprintf("stage %s heartbeat silent for %s (timeout %s), attempts exhausted",
		job.Stage, idle.Truncate(time.Second), timeout)
	ok, err := m.store.FailStalled(ctx, job, string(services.KindStalledTimeout), message)
	if err != nil {
		m.logger.Error("stalled failure transition failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		return false
	}
	if !ok {
		return false
	}
	job.Status = store.StatusFailed
	job.ErrorKind = string(services.KindStalledTimeout)
	job.ErrorMessage = message

	m.logger.Error("stalled job failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(job.Stage)),
		logging.String(logging.FieldErrorKind, string(services.KindStalledTimeout)))
	if err := m.tracker.JobFailed(ctx, job, job.Stage, string(services.KindStalledTimeout), message); err != nil {
		m.logger.Warn("progress append failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(err))
	}
	return false
}

// lastActivity picks the timestamp the stall decision is measured against. A
// running job without a heartbeat yet falls back to its last update.
func lastActivity(job *store.Job) time.Time {
	if job.LastHeartbeat != nil {
		return *job.LastHeartbeat
	}
	return job.UpdatedAt
}
