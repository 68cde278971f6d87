package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AppendProgress appends one event to a job's progress log. Sequence numbers
// are assigned inside the transaction so they are strictly increasing per
// job, and percent never moves backwards within a stage. The job row's
// denormalized progress columns are refreshed in the same transaction.
func (s *Store) AppendProgress(ctx context.Context, event *ProgressEvent) error {
	if event == nil {
		return errors.New("store: progress event is nil")
	}
	if event.JobID == "" {
		return errors.New("store: progress event has no job id")
	}
	if event.At.IsZero() {
		event.At = nowUTC()
	}
	if event.Percent < 0 {
		event.Percent = 0
	}
	if event.Percent > 100 {
		event.Percent = 100
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var lastSeq int64
		var lastStage sql.NullString
		var lastPercent sql.NullFloat64
		err := tx.QueryRow(`
			SELECT seq, stage, percent FROM progress_events
			WHERE job_id = ? ORDER BY seq DESC LIMIT 1`,
			event.JobID,
		).Scan(&lastSeq, &lastStage, &lastPercent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: read last progress event for job %s: %w", event.JobID, err)
		}

		event.Seq = lastSeq + 1
		if lastStage.Valid && lastStage.String == string(event.Stage) &&
			lastPercent.Valid && event.Percent < lastPercent.Float64 {
			event.Percent = lastPercent.Float64
		}

		if _, err := tx.Exec(`
			INSERT INTO progress_events (job_id, seq, stage, sub_step, percent, message, error_kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.JobID, event.Seq, string(event.Stage),
			nullableString(event.SubStep), event.Percent,
			nullableString(event.Message), nullableString(event.ErrorKind),
			formatTime(event.At),
		); err != nil {
			return fmt.Errorf("store: append progress event for job %s: %w", event.JobID, err)
		}

		if _, err := tx.Exec(`
			UPDATE jobs SET progress_stage = ?, progress_percent = ?, progress_message = ?, updated_at = ?
			WHERE id = ?`,
			string(event.Stage), event.Percent, nullableString(event.Message),
			formatTime(nowUTC()), event.JobID,
		); err != nil {
			return fmt.Errorf("store: update progress columns for job %s: %w", event.JobID, err)
		}
		return nil
	})
}

// ListProgress returns a job's full event log in sequence order.
func (s *Store) ListProgress(ctx context.Context, jobID string) ([]ProgressEvent, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, stage, sub_step, percent, message, error_kind, created_at
		FROM progress_events WHERE job_id = ? ORDER BY seq ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list progress for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var events []ProgressEvent
	for rows.Next() {
		event, err := scanProgressEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LatestProgress returns the most recent event for a job, or nil when no
// events have been recorded.
func (s *Store) LatestProgress(ctx context.Context, jobID string) (*ProgressEvent, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, seq, stage, sub_step, percent, message, error_kind, created_at
		FROM progress_events WHERE job_id = ? ORDER BY seq DESC LIMIT 1`,
		jobID)
	event, err := scanProgressEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func scanProgressEvent(row rowScanner) (ProgressEvent, error) {
	var (
		event     ProgressEvent
		stage     string
		subStep   sql.NullString
		message   sql.NullString
		errorKind sql.NullString
		createdAt string
	)
	err := row.Scan(&event.JobID, &event.Seq, &stage, &subStep,
		&event.Percent, &message, &errorKind, &createdAt)
	if err != nil {
		return ProgressEvent{}, err
	}
	event.Stage = Stage(stage)
	event.SubStep = stringOrEmpty(subStep)
	event.Message = stringOrEmpty(message)
	event.ErrorKind = stringOrEmpty(errorKind)
	if event.At, err = parseTimeString(createdAt); err != nil {
		return ProgressEvent{}, err
	}
	return event, nil
}
