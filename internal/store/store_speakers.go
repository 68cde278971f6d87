package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateSpeakerProfile inserts a new profile, assigning an ID when missing.
func (s *Store) CreateSpeakerProfile(ctx context.Context, profile *SpeakerProfile) error {
	if profile == nil {
		return errors.New("store: profile is nil")
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	if profile.Verification == "" {
		profile.Verification = VerificationUnverified
	}
	now := nowUTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	_, err := s.execWithRetry(ctx, `
		INSERT INTO speaker_profiles (id, label, verification, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		profile.ID, profile.Label, string(profile.Verification),
		formatTime(profile.CreatedAt), formatTime(profile.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert speaker profile: %w", err)
	}
	return nil
}

// GetSpeakerProfile loads one profile by ID.
func (s *Store) GetSpeakerProfile(ctx context.Context, id string) (*SpeakerProfile, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, verification, created_at, updated_at
		FROM speaker_profiles WHERE id = ?`, id)
	profile, err := scanSpeakerProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return profile, err
}

// UpdateSpeakerProfile persists label and verification changes.
func (s *Store) UpdateSpeakerProfile(ctx context.Context, profile *SpeakerProfile) error {
	if profile == nil {
		return errors.New("store: profile is nil")
	}
	profile.UpdatedAt = nowUTC()
	res, err := s.execWithRetry(ctx, `
		UPDATE speaker_profiles SET label = ?, verification = ?, updated_at = ?
		WHERE id = ?`,
		profile.Label, string(profile.Verification),
		formatTime(profile.UpdatedAt), profile.ID)
	if err != nil {
		return fmt.Errorf("store: update speaker profile %s: %w", profile.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSpeakerProfiles returns all profiles ordered by label.
func (s *Store) ListSpeakerProfiles(ctx context.Context) ([]*SpeakerProfile, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, verification, created_at, updated_at
		FROM speaker_profiles ORDER BY label ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list speaker profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*SpeakerProfile
	for rows.Next() {
		profile, err := scanSpeakerProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// AddReferenceEmbedding stores one voice embedding for a profile. The
// caller enforces the per-profile retention cap.
func (s *Store) AddReferenceEmbedding(ctx context.Context, embedding *ReferenceEmbedding) error {
	if embedding == nil {
		return errors.New("store: embedding is nil")
	}
	if embedding.ProfileID == "" {
		return errors.New("store: embedding has no profile id")
	}
	vectorJSON, err := marshalJSON(embedding.Vector)
	if err != nil {
		return err
	}
	embedding.CreatedAt = nowUTC()

	res, err := s.execWithRetry(ctx, `
		INSERT INTO speaker_embeddings (profile_id, vector_json, job_id, segment, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		embedding.ProfileID, vectorJSON,
		nullableString(embedding.JobID), nullableString(embedding.Segment),
		formatTime(embedding.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert reference embedding: %w", err)
	}
	embedding.ID, _ = res.LastInsertId()
	return nil
}

// ListReferenceEmbeddings returns a profile's stored embeddings, newest
// first.
func (s *Store) ListReferenceEmbeddings(ctx context.Context, profileID string) ([]ReferenceEmbedding, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, vector_json, job_id, segment, created_at
		FROM speaker_embeddings WHERE profile_id = ? ORDER BY created_at DESC, id DESC`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("store: list embeddings for profile %s: %w", profileID, err)
	}
	defer rows.Close()

	var embeddings []ReferenceEmbedding
	for rows.Next() {
		embedding, err := scanReferenceEmbedding(rows)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, embedding)
	}
	return embeddings, rows.Err()
}

// PruneReferenceEmbeddings deletes all but the newest keep embeddings of a
// profile.
func (s *Store) PruneReferenceEmbeddings(ctx context.Context, profileID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.execWithRetry(ctx, `
		DELETE FROM speaker_embeddings
		WHERE profile_id = ? AND id NOT IN (
			SELECT id FROM speaker_embeddings
			WHERE profile_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		profileID, profileID, keep)
	if err != nil {
		return fmt.Errorf("store: prune embeddings for profile %s: %w", profileID, err)
	}
	return nil
}

// UpsertSpeakerAssignment records the profile decision for one diarized
// label of a job, replacing any earlier decision for the same label.
func (s *Store) UpsertSpeakerAssignment(ctx context.Context, assignment *SpeakerAssignment) error {
	if assignment == nil {
		return errors.New("store: assignment is nil")
	}
	now := nowUTC()
	assignment.UpdatedAt = now
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = now
	}

	vectorJSON, err := marshalJSON(assignment.Vector)
	if err != nil {
		return err
	}
	_, err = s.execWithRetry(ctx, `
		INSERT INTO speaker_assignments (job_id, label, profile_id, confidence, decision, vector_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, label) DO UPDATE SET
			profile_id = excluded.profile_id,
			confidence = excluded.confidence,
			decision = excluded.decision,
			vector_json = excluded.vector_json,
			updated_at = excluded.updated_at`,
		assignment.JobID, assignment.Label, assignment.ProfileID,
		assignment.Confidence, string(assignment.Decision),
		nullableString(vectorJSON),
		formatTime(assignment.CreatedAt), formatTime(assignment.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert speaker assignment: %w", err)
	}
	return nil
}

// ListSpeakerAssignments returns assignments filtered by job when jobID is
// non-empty, otherwise by profile.
func (s *Store) ListSpeakerAssignments(ctx context.Context, jobID, profileID string) ([]SpeakerAssignment, error) {
	ctx = ensureContext(ctx)
	query := `
		SELECT id, job_id, label, profile_id, confidence, decision, vector_json, created_at, updated_at
		FROM speaker_assignments`
	var args []any
	switch {
	case jobID != "":
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	case profileID != "":
		query += ` WHERE profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY job_id ASC, label ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list speaker assignments: %w", err)
	}
	defer rows.Close()

	var assignments []SpeakerAssignment
	for rows.Next() {
		assignment, err := scanSpeakerAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	return assignments, rows.Err()
}

// MergeSpeakerProfiles folds source into target in one transaction: every
// assignment and reference embedding moves to the target, then the source
// profile is deleted. Merging a profile into itself, or a source that no
// longer exists, is a no-op so retried merges stay idempotent.
func (s *Store) MergeSpeakerProfiles(ctx context.Context, targetID, sourceID string) error {
	if targetID == "" || sourceID == "" {
		return errors.New("store: merge requires both profile ids")
	}
	if targetID == sourceID {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM speaker_profiles WHERE id = ?`, targetID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("store: merge profiles: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("store: merge target %s: %w", targetID, ErrNotFound)
		}
		err = tx.QueryRow(`SELECT COUNT(*) FROM speaker_profiles WHERE id = ?`, sourceID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("store: merge profiles: %w", err)
		}
		if exists == 0 {
			// Already merged by an earlier attempt.
			return nil
		}

		now := formatTime(nowUTC())
		if _, err := tx.Exec(`
			UPDATE speaker_assignments SET profile_id = ?, updated_at = ?
			WHERE profile_id = ?`,
			targetID, now, sourceID,
		); err != nil {
			return fmt.Errorf("store: merge reassign assignments: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE speaker_embeddings SET profile_id = ? WHERE profile_id = ?`,
			targetID, sourceID,
		); err != nil {
			return fmt.Errorf("store: merge reassign embeddings: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM speaker_profiles WHERE id = ?`, sourceID); err != nil {
			return fmt.Errorf("store: merge delete source profile: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE speaker_profiles SET updated_at = ? WHERE id = ?`,
			now, targetID,
		); err != nil {
			return fmt.Errorf("store: merge touch target profile: %w", err)
		}
		return nil
	})
}

func scanSpeakerProfile(row rowScanner) (*SpeakerProfile, error) {
	var (
		profile      SpeakerProfile
		verification string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&profile.ID, &profile.Label, &verification, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	profile.Verification = VerificationStatus(verification)
	if profile.CreatedAt, err = parseTimeString(createdAt); err != nil {
		return nil, err
	}
	if profile.UpdatedAt, err = parseTimeString(updatedAt); err != nil {
		return nil, err
	}
	return &profile, nil
}

func scanReferenceEmbedding(row rowScanner) (ReferenceEmbedding, error) {
	var (
		embedding  ReferenceEmbedding
		vectorJSON string
		jobID      sql.NullString
		segment    sql.NullString
		createdAt  string
	)
	err := row.Scan(&embedding.ID, &embedding.ProfileID, &vectorJSON, &jobID, &segment, &createdAt)
	if err != nil {
		return ReferenceEmbedding{}, err
	}
	if err := unmarshalJSON(sql.NullString{String: vectorJSON, Valid: true}, &embedding.Vector); err != nil {
		return ReferenceEmbedding{}, err
	}
	embedding.JobID = stringOrEmpty(jobID)
	embedding.Segment = stringOrEmpty(segment)
	if embedding.CreatedAt, err = parseTimeString(createdAt); err != nil {
		return ReferenceEmbedding{}, err
	}
	return embedding, nil
}

func scanSpeakerAssignment(row rowScanner) (SpeakerAssignment, error) {
	var (
		assignment SpeakerAssignment
		decision   string
		vectorJSON sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&assignment.ID, &assignment.JobID, &assignment.Label,
		&assignment.ProfileID, &assignment.Confidence, &decision, &vectorJSON,
		&createdAt, &updatedAt)
	if err != nil {
		return SpeakerAssignment{}, err
	}
	assignment.Decision = DecisionState(decision)
	if err := unmarshalJSON(vectorJSON, &assignment.Vector); err != nil {
		return SpeakerAssignment{}, err
	}
	if assignment.CreatedAt, err = parseTimeString(createdAt); err != nil {
		return SpeakerAssignment{}, err
	}
	if assignment.UpdatedAt, err = parseTimeString(updatedAt); err != nil {
		return SpeakerAssignment{}, err
	}
	return assignment, nil
}
