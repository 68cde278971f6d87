// Package progress records the append-only progress log of each job and
// forwards notable transitions to the notification service.
package progress

import (
	"context"
	"log/slog"

	"chorus/internal/logging"
	"chorus/internal/notifications"
	"chorus/internal/store"
)

// Tracker publishes progress events. Sequence numbering and the
// monotonic-percent guarantee live in the store; the tracker adds logging
// and user-facing notifications on top.
type Tracker struct {
	store    *store.Store
	notifier notifications.Service
	logger   *slog.Logger
}

// NewTracker builds a tracker. A nil notifier disables notifications.
func NewTracker(st *store.Store, notifier notifications.Service, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tracker{
		store:    st,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "progress"),
	}
}

// Publish appends one event to the job's log.
func (t *Tracker) Publish(ctx context.Context, event store.ProgressEvent) error {
	if err := t.store.AppendProgress(ctx, &event); err != nil {
		return err
	}
	t.logger.Debug("progress",
		logging.String(logging.FieldJobID, event.JobID),
		logging.String(logging.FieldStage, string(event.Stage)),
		logging.String("sub_step", event.SubStep),
		logging.Float64("percent", event.Percent),
		logging.Int64("seq", event.Seq))
	return nil
}

// StageStarted records the 0% marker of a stage.
func (t *Tracker) StageStarted(ctx context.Context, job *store.Job, stage store.Stage, message string) error {
	return t.Publish(ctx, store.ProgressEvent{
		JobID:   job.ID,
		Stage:   stage,
		Percent: 0,
		Message: message,
	})
}

// StageProgress records an intermediate update with an optional sub-step
// label such as "alignment" or "embedding".
func (t *Tracker) StageProgress(ctx context.Context, job *store.Job, stage store.Stage, subStep string, percent float64, message string) error {
	return t.Publish(ctx, store.ProgressEvent{
		JobID:   job.ID,
		Stage:   stage,
		SubStep: subStep,
		Percent: percent,
		Message: message,
	})
}

// StageCompleted records the 100% marker of a stage and notifies when
// per-stage notifications are enabled.
func (t *Tracker) StageCompleted(ctx context.Context, job *store.Job, stage store.Stage) error {
	if err := t.Publish(ctx, store.ProgressEvent{
		JobID:   job.ID,
		Stage:   stage,
		Percent: 100,
		Message: "completed",
	}); err != nil {
		return err
	}
	if t.notifier != nil {
		if err := t.notifier.NotifyStageCompleted(ctx, job.ID, job.Title, string(stage)); err != nil {
			t.logger.Warn("stage notification failed", logging.Error(err))
		}
	}
	return nil
}

// JobCompleted records the terminal success event and notifies.
func (t *Tracker) JobCompleted(ctx context.Context, job *store.Job) error {
	if err := t.Publish(ctx, store.ProgressEvent{
		JobID:   job.ID,
		Stage:   store.StageExport,
		Percent: 100,
		Message: "job completed",
	}); err != nil {
		return err
	}
	if t.notifier != nil {
		if err := t.notifier.NotifyJobCompleted(ctx, job.ID, job.Title); err != nil {
			t.logger.Warn("completion notification failed", logging.Error(err))
		}
	}
	return nil
}

// JobFailed records the terminal failure event with its classified error
// kind and notifies.
func (t *Tracker) JobFailed(ctx context.Context, job *store.Job, stage store.Stage, errorKind, message string) error {
	if err := t.Publish(ctx, store.ProgressEvent{
		JobID:     job.ID,
		Stage:     stage,
		Message:   message,
		ErrorKind: errorKind,
	}); err != nil {
		return err
	}
	if t.notifier != nil {
		if err := t.notifier.NotifyJobFailed(ctx, job.ID, job.Title, errorKind, message); err != nil {
			t.logger.Warn("failure notification failed", logging.Error(err))
		}
	}
	return nil
}

// JobCancelled records the terminal cancellation event and notifies.
func (t *Tracker) JobCancelled(ctx context.Context, job *store.Job, stage store.Stage) error {
	if err := t.Publish(ctx, store.ProgressEvent{
		JobID:   job.ID,
		Stage:   stage,
		Message: "job cancelled",
	}); err != nil {
		return err
	}
	if t.notifier != nil {
		if err := t.notifier.NotifyJobCancelled(ctx, job.ID, job.Title); err != nil {
			t.logger.Warn("cancellation notification failed", logging.Error(err))
		}
	}
	return nil
}
