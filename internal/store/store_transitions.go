package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AdvanceStage moves a running job to the next stage and returns it to the
// pending queue. The status guard ensures a job reclaimed by recovery in the
// meantime cannot be advanced by its stale owner.
func (s *Store) AdvanceStage(ctx context.Context, id string, next Stage) (bool, error) {
	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET stage = ?, status = ?, next_retry_at = NULL,
			error_kind = NULL, error_message = NULL,
			last_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(next), string(StatusPending), formatTime(now),
		id, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("store: advance job %s to %s: %w", id, next, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkSucceeded finishes a running job.
func (s *Store) MarkSucceeded(ctx context.Context, id string) (bool, error) {
	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, error_kind = NULL, error_message = NULL,
			progress_percent = 100, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusSucceeded), formatTime(now), id, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("store: mark job %s succeeded: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkBranchDone records completion of one side of the waveform/transcribe
// branch and reports whether both sides have now finished.
func (s *Store) MarkBranchDone(ctx context.Context, id string, branch Stage) (bool, error) {
	var column string
	switch branch {
	case StageWaveform:
		column = "waveform_done"
	case StageTranscribe:
		column = "transcribe_done"
	default:
		return false, fmt.Errorf("store: stage %s is not a branch stage", branch)
	}

	var bothDone bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE jobs SET `+column+` = 1, updated_at = ? WHERE id = ?`,
			formatTime(nowUTC()), id,
		); err != nil {
			return fmt.Errorf("store: mark %s done for job %s: %w", branch, id, err)
		}
		var waveform, transcribe int
		err := tx.QueryRow(
			`SELECT waveform_done, transcribe_done FROM jobs WHERE id = ?`, id,
		).Scan(&waveform, &transcribe)
		if err != nil {
			return fmt.Errorf("store: read branch flags for job %s: %w", id, err)
		}
		bothDone = waveform != 0 && transcribe != 0
		return nil
	})
	return bothDone, err
}

// CancelJob marks a non-terminal job cancelled. Running executors observe
// the cancellation cooperatively; their in-flight results are discarded by
// the status guards on the other transitions.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), formatTime(now),
		id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("store: cancel job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkFailed moves a non-terminal job to failed with its classified error.
func (s *Store) MarkFailed(ctx context.Context, id, errorKind, message string) (bool, error) {
	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, error_message = ?,
			next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusFailed), nullableString(errorKind), nullableString(message),
		formatTime(now),
		id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("store: mark job %s failed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ScheduleRetry returns a running job to pending with its retry bookkeeping
// updated: the stage attempt counter, the retained retry history, and the
// earliest time the dispatcher may pick it up again.
func (s *Store) ScheduleRetry(ctx context.Context, job *Job, record RetryRecord, nextRetryAt time.Time) (bool, error) {
	if job.Attempts == nil {
		job.Attempts = make(map[Stage]int, 1)
	}
	job.Attempts[record.Stage] = record.Attempt
	job.RetryHistory = append(job.RetryHistory, record)

	attemptsJSON, err := marshalJSON(job.Attempts)
	if err != nil {
		return false, err
	}
	historyJSON, err := marshalJSON(job.RetryHistory)
	if err != nil {
		return false, err
	}

	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, attempts_json = ?, retry_history_json = ?,
			next_retry_at = ?, error_kind = ?, error_message = ?,
			last_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPending), nullableString(attemptsJSON), nullableString(historyJSON),
		formatTime(nextRetryAt), nullableString(record.ErrorKind), nullableString(job.ErrorMessage),
		formatTime(now),
		job.ID, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("store: schedule retry for job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		job.Status = StatusPending
		job.NextRetryAt = &nextRetryAt
	}
	return affected == 1, nil
}

// RequeueTerminal returns a failed or cancelled job to the pending queue at
// its recorded stage, clearing the retained error.
func (s *Store) RequeueTerminal(ctx context.Context, id string) (bool, error) {
	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, error_kind = NULL, error_message = NULL,
			next_retry_at = NULL, last_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusPending), formatTime(now),
		id, string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return false, fmt.Errorf("store: requeue job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListRunning returns all running jobs, oldest heartbeat first, for the
// recovery sweep.
func (s *Store) ListRunning(ctx context.Context) ([]*Job, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY last_heartbeat ASC`,
		string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("store: list running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReclaimStalled requeues a stalled running job for another attempt. The
// compare-and-set on the observed heartbeat means a job whose executor
// resumed between the sweep's read and this write is left alone.
func (s *Store) ReclaimStalled(ctx context.Context, job *Job, record RetryRecord) (bool, error) {
	if job.Attempts == nil {
		job.Attempts = make(map[Stage]int, 1)
	}
	job.Attempts[record.Stage] = record.Attempt
	job.RetryHistory = append(job.RetryHistory, record)

	attemptsJSON, err := marshalJSON(job.Attempts)
	if err != nil {
		return false, err
	}
	historyJSON, err := marshalJSON(job.RetryHistory)
	if err != nil {
		return false, err
	}

	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, attempts_json = ?, retry_history_json = ?,
			next_retry_at = NULL, last_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND IFNULL(last_heartbeat, '') = ?`,
		string(StatusPending), nullableString(attemptsJSON), nullableString(historyJSON),
		formatTime(now),
		job.ID, string(StatusRunning), heartbeatGuard(job.LastHeartbeat))
	if err != nil {
		return false, fmt.Errorf("store: reclaim stalled job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FailStalled force-fails a stalled running job that has exhausted its
// attempts, with the same heartbeat guard as ReclaimStalled.
func (s *Store) FailStalled(ctx context.Context, job *Job, errorKind, message string) (bool, error) {
	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, error_message = ?,
			next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND IFNULL(last_heartbeat, '') = ?`,
		string(StatusFailed), nullableString(errorKind), nullableString(message),
		formatTime(now),
		job.ID, string(StatusRunning), heartbeatGuard(job.LastHeartbeat))
	if err != nil {
		return false, fmt.Errorf("store: fail stalled job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func heartbeatGuard(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
