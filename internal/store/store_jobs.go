package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const jobColumns = `id, user_id, title, source_path, fingerprint, status, stage,
	config_json, waveform_done, transcribe_done, attempts_json, next_retry_at,
	retry_history_json, artifacts_json, error_kind, error_message,
	progress_stage, progress_percent, progress_message, last_heartbeat,
	created_at, updated_at`

// CreateJob inserts a new job. A missing ID is assigned, and status and
// stage default to the start of the pipeline.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("store: job is nil")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Stage == "" {
		job.Stage = StageIngestValidate
	}
	now := nowUTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	configJSON, err := marshalJSON(job.Config)
	if err != nil {
		return err
	}
	attemptsJSON, err := marshalJSON(job.Attempts)
	if err != nil {
		return err
	}
	historyJSON, err := marshalJSON(job.RetryHistory)
	if err != nil {
		return err
	}
	artifactsJSON, err := marshalJSON(job.Artifacts)
	if err != nil {
		return err
	}

	_, err = s.execWithRetry(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		nullableString(job.UserID),
		nullableString(job.Title),
		nullableString(job.SourcePath),
		nullableString(job.Fingerprint),
		string(job.Status),
		string(job.Stage),
		nullableString(configJSON),
		boolToInt(job.WaveformDone),
		boolToInt(job.TranscribeDone),
		nullableString(attemptsJSON),
		formatTimePtr(job.NextRetryAt),
		nullableString(historyJSON),
		nullableString(artifactsJSON),
		nullableString(job.ErrorKind),
		nullableString(job.ErrorMessage),
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		formatTimePtr(job.LastHeartbeat),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}
	return nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// FindActiveByFingerprint returns the most recent non-failed job with the
// given content fingerprint, or nil when none exists. Failed and cancelled
// jobs do not block resubmission.
func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*Job, error) {
	if fingerprint == "" {
		return nil, nil
	}
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE fingerprint = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		fingerprint, string(StatusFailed), string(StatusCancelled))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// UpdateJob persists the full mutable state of a job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("store: job is nil")
	}
	job.UpdatedAt = nowUTC()

	configJSON, err := marshalJSON(job.Config)
	if err != nil {
		return err
	}
	attemptsJSON, err := marshalJSON(job.Attempts)
	if err != nil {
		return err
	}
	historyJSON, err := marshalJSON(job.RetryHistory)
	if err != nil {
		return err
	}
	artifactsJSON, err := marshalJSON(job.Artifacts)
	if err != nil {
		return err
	}

	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET
			user_id = ?, title = ?, source_path = ?, fingerprint = ?,
			status = ?, stage = ?, config_json = ?,
			waveform_done = ?, transcribe_done = ?,
			attempts_json = ?, next_retry_at = ?, retry_history_json = ?,
			artifacts_json = ?, error_kind = ?, error_message = ?,
			progress_stage = ?, progress_percent = ?, progress_message = ?,
			last_heartbeat = ?, updated_at = ?
		WHERE id = ?`,
		nullableString(job.UserID),
		nullableString(job.Title),
		nullableString(job.SourcePath),
		nullableString(job.Fingerprint),
		string(job.Status),
		string(job.Stage),
		nullableString(configJSON),
		boolToInt(job.WaveformDone),
		boolToInt(job.TranscribeDone),
		nullableString(attemptsJSON),
		formatTimePtr(job.NextRetryAt),
		nullableString(historyJSON),
		nullableString(artifactsJSON),
		nullableString(job.ErrorKind),
		nullableString(job.ErrorMessage),
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		formatTimePtr(job.LastHeartbeat),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update job %s: %w", job.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveArtifacts persists the fields a stage executor is allowed to mutate:
// title, source metadata, the config snapshot, and the artifact index. Status,
// stage, attempts, and heartbeat are left untouched so lifecycle transitions
// taken by another actor cannot be clobbered.
func (s *Store) SaveArtifacts(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("store: job is nil")
	}
	job.UpdatedAt = nowUTC()

	configJSON, err := marshalJSON(job.Config)
	if err != nil {
		return err
	}
	artifactsJSON, err := marshalJSON(job.Artifacts)
	if err != nil {
		return err
	}

	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET
			title = ?, source_path = ?, fingerprint = ?,
			config_json = ?, artifacts_json = ?, updated_at = ?
		WHERE id = ?`,
		nullableString(job.Title),
		nullableString(job.SourcePath),
		nullableString(job.Fingerprint),
		nullableString(configJSON),
		nullableString(artifactsJSON),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("store: save artifacts for job %s: %w", job.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns jobs filtered by status, oldest first. An empty filter
// returns everything.
func (s *Store) ListJobs(ctx context.Context, statuses ...Status) ([]*Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
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

// NextReady returns the oldest pending job whose retry delay, if any, has
// elapsed. Returns nil when the queue is empty.
func (s *Store) NextReady(ctx context.Context, now time.Time) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC LIMIT 1`,
		string(StatusPending), formatTime(now))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ClaimForRun transitions a job from pending to running with a
// compare-and-set on status, so concurrent dispatchers cannot both claim
// the same job. Returns false when the job was no longer pending.
func (s *Store) ClaimForRun(ctx context.Context, id string) (bool, error) {
	now := nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE jobs SET status = ?, next_retry_at = NULL, last_heartbeat = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusRunning), formatTime(now), formatTime(now),
		id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("store: claim job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim job %s: %w", id, err)
	}
	return affected == 1, nil
}

// UpdateHeartbeat refreshes the liveness timestamp of a running job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.execWithRetry(ctx, `
		UPDATE jobs SET last_heartbeat = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		formatTime(at), formatTime(nowUTC()), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("store: heartbeat job %s: %w", id, err)
	}
	return nil
}

// Health aggregates job counts per lifecycle state.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("store: health summary: %w", err)
	}
	defer rows.Close()

	var summary HealthSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, fmt.Errorf("store: health summary: %w", err)
		}
		summary.Total += count
		switch Status(status) {
		case StatusPending:
			summary.Pending = count
		case StatusRunning:
			summary.Running = count
		case StatusSucceeded:
			summary.Succeeded = count
		case StatusFailed:
			summary.Failed = count
		case StatusCancelled:
			summary.Cancelled = count
		}
	}
	return summary, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job             Job
		userID          sql.NullString
		title           sql.NullString
		sourcePath      sql.NullString
		fingerprint     sql.NullString
		status          string
		stage           string
		configJSON      sql.NullString
		waveformDone    int
		transcribeDone  int
		attemptsJSON    sql.NullString
		nextRetryAt     sql.NullString
		historyJSON     sql.NullString
		artifactsJSON   sql.NullString
		errorKind       sql.NullString
		errorMessage    sql.NullString
		progressStage   sql.NullString
		progressMessage sql.NullString
		lastHeartbeat   sql.NullString
		createdAt       string
		updatedAt       string
	)

	err := row.Scan(
		&job.ID, &userID, &title, &sourcePath, &fingerprint,
		&status, &stage, &configJSON, &waveformDone, &transcribeDone,
		&attemptsJSON, &nextRetryAt, &historyJSON, &artifactsJSON,
		&errorKind, &errorMessage,
		&progressStage, &job.ProgressPercent, &progressMessage,
		&lastHeartbeat, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.UserID = stringOrEmpty(userID)
	job.Title = stringOrEmpty(title)
	job.SourcePath = stringOrEmpty(sourcePath)
	job.Fingerprint = stringOrEmpty(fingerprint)
	job.Status = Status(status)
	job.Stage = Stage(stage)
	job.WaveformDone = waveformDone != 0
	job.TranscribeDone = transcribeDone != 0
	job.ErrorKind = stringOrEmpty(errorKind)
	job.ErrorMessage = stringOrEmpty(errorMessage)
	job.ProgressStage = stringOrEmpty(progressStage)
	job.ProgressMessage = stringOrEmpty(progressMessage)

	if err := unmarshalJSON(configJSON, &job.Config); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(attemptsJSON, &job.Attempts); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(historyJSON, &job.RetryHistory); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(artifactsJSON, &job.Artifacts); err != nil {
		return nil, err
	}

	if job.NextRetryAt, err = parseTimePtr(nextRetryAt); err != nil {
		return nil, err
	}
	if job.LastHeartbeat, err = parseTimePtr(lastHeartbeat); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTimeString(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTimeString(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ", "...)
		}
		out = append(out, '?')
	}
	return string(out)
}
