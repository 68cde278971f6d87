// Package speaker resolves diarized voices against persistent speaker
// profiles using cosine similarity over stored reference embeddings.
package speaker

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/store"
)

// Decision is the outcome class of a match attempt.
type Decision string

const (
	// DecisionAuto means confidence cleared the auto-accept threshold.
	DecisionAuto Decision = "auto"
	// DecisionSuggest means confidence landed between the suggest and
	// auto-accept thresholds and needs user confirmation.
	DecisionSuggest Decision = "suggest"
	// DecisionNone means no candidate profile with references exists yet.
	DecisionNone Decision = "none"
)

// MatchResult describes the best candidate profile for an embedding.
type MatchResult struct {
	ProfileID    string
	ProfileLabel string
	Confidence   float64
	Decision     Decision
}

const lockShards = 64

// Resolver owns all profile mutations. Writes touching a profile are
// serialized through striped locks keyed by profile ID.
type Resolver struct {
	store  *store.Store
	logger *slog.Logger

	autoThreshold     float64
	suggestThreshold  float64
	maxEmbeddings     int
	relabelConcurrent int

	locks [lockShards]sync.Mutex
}

// NewResolver builds a resolver with thresholds from configuration.
func NewResolver(st *store.Store, cfg *config.Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	relabel := cfg.Speaker.RelabelConcurrency
	if relabel < 1 {
		relabel = 1
	}
	return &Resolver{
		store:             st,
		logger:            logging.NewComponentLogger(logger, "speaker"),
		autoThreshold:     cfg.Speaker.AutoAcceptThreshold,
		suggestThreshold:  cfg.Speaker.SuggestThreshold,
		maxEmbeddings:     cfg.Speaker.MaxReferenceEmbeddings,
		relabelConcurrent: relabel,
	}
}

func (r *Resolver) shardFor(profileID string) uint32 {
	hasher := fnv.New32a()
	hasher.Write([]byte(profileID))
	return hasher.Sum32() % lockShards
}

func (r *Resolver) lockFor(profileID string) *sync.Mutex {
	return &r.locks[r.shardFor(profileID)]
}

// lockPair acquires the shards for two profiles in ascending shard order.
// Different profile IDs can hash to the same pair of shards, so ordering by
// ID would let concurrent merges acquire the two mutexes in opposite order
// and deadlock; shard order is stable regardless of the IDs involved.
func (r *Resolver) lockPair(a, b string) func() {
	low, high := r.shardFor(a), r.shardFor(b)
	if low == high {
		mu := &r.locks[low]
		mu.Lock()
		return mu.Unlock
	}
	if low > high {
		low, high = high, low
	}
	first, second := &r.locks[low], &r.locks[high]
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

// Match scores an embedding against every profile centroid and classifies
// the best hit. It never mutates state.
func (r *Resolver) Match(ctx context.Context, embedding []float64) (MatchResult, error) {
	if len(embedding) == 0 {
		return MatchResult{Decision: DecisionNone}, errors.New("speaker: embedding is empty")
	}

	profiles, err := r.store.ListSpeakerProfiles(ctx)
	if err != nil {
		return MatchResult{}, err
	}

	best := MatchResult{Decision: DecisionNone}
	for _, profile := range profiles {
		references, err := r.store.ListReferenceEmbeddings(ctx, profile.ID)
		if err != nil {
			return MatchResult{}, err
		}
		centroid := Centroid(references)
		if len(centroid) == 0 {
			continue
		}
		confidence := CosineSimilarity(embedding, centroid)
		if confidence > best.Confidence {
			best.ProfileID = profile.ID
			best.ProfileLabel = profile.Label
			best.Confidence = confidence
		}
	}

	switch {
	case best.ProfileID == "":
		best.Decision = DecisionNone
	case best.Confidence >= r.autoThreshold:
		best.Decision = DecisionAuto
	default:
		best.Decision = DecisionSuggest
	}
	return best, nil
}

// Notable reports whether a suggestion's confidence clears the suggest
// threshold and should be surfaced to the user.
func (r *Resolver) Notable(confidence float64) bool {
	return confidence >= r.suggestThreshold
}

// Assign matches one diarized label of a job and persists the outcome.
// An auto-accept records an accepted assignment plus a new reference
// embedding, then re-scores the profile's pending suggestions against the
// grown centroid; anything weaker records a suggested assignment retaining
// the embedding for later re-scoring. With no candidate profiles at all, a
// fresh unverified profile is registered and the label accepted against
// it.
func (r *Resolver) Assign(ctx context.Context, jobID, label string, embedding []float64, segment string) (MatchResult, error) {
	result, err := r.Match(ctx, embedding)
	if err != nil {
		return result, err
	}
	if result.Decision == DecisionNone {
		profile, err := r.CreateProfileWithReference(ctx, label, jobID, segment, embedding)
		if err != nil {
			return result, err
		}
		result.ProfileID = profile.ID
		result.ProfileLabel = profile.Label
		result.Confidence = 1
		if err := r.store.UpsertSpeakerAssignment(ctx, &store.SpeakerAssignment{
			JobID:      jobID,
			Label:      label,
			ProfileID:  profile.ID,
			Confidence: 1,
			Decision:   store.DecisionAccepted,
		}); err != nil {
			return result, err
		}
		return result, nil
	}

	mu := r.lockFor(result.ProfileID)
	mu.Lock()

	assignment := &store.SpeakerAssignment{
		JobID:      jobID,
		Label:      label,
		ProfileID:  result.ProfileID,
		Confidence: result.Confidence,
	}

	switch result.Decision {
	case DecisionAuto:
		assignment.Decision = store.DecisionAccepted
		if err := r.store.UpsertSpeakerAssignment(ctx, assignment); err != nil {
			mu.Unlock()
			return result, err
		}
		if err := r.addReference(ctx, result.ProfileID, jobID, segment, embedding); err != nil {
			mu.Unlock()
			return result, err
		}
		if err := r.markAutoMatched(ctx, result.ProfileID); err != nil {
			mu.Unlock()
			return result, err
		}
	case DecisionSuggest:
		assignment.Decision = store.DecisionSuggested
		assignment.Vector = embedding
		if err := r.store.UpsertSpeakerAssignment(ctx, assignment); err != nil {
			mu.Unlock()
			return result, err
		}
	}
	mu.Unlock()

	if result.Decision == DecisionAuto {
		// The new reference grew the centroid; pending suggestions against
		// this profile may now clear the auto threshold.
		return result, r.relabelSuggestions(ctx, result.ProfileID)
	}
	return result, nil
}

// ConfirmSuggestion accepts a pending suggested assignment: the retained
// embedding becomes a reference for the profile, the profile is marked
// user-confirmed, and remaining suggestions are re-scored against the grown
// centroid.
func (r *Resolver) ConfirmSuggestion(ctx context.Context, jobID, label string) error {
	assignment, err := r.findSuggestion(ctx, jobID, label)
	if err != nil {
		return err
	}

	mu := r.lockFor(assignment.ProfileID)
	mu.Lock()

	confirmed := *assignment
	confirmed.Decision = store.DecisionAccepted
	confirmed.Vector = nil
	if err := r.store.UpsertSpeakerAssignment(ctx, &confirmed); err != nil {
		mu.Unlock()
		return err
	}
	if len(assignment.Vector) > 0 {
		if err := r.addReference(ctx, assignment.ProfileID, jobID, "", assignment.Vector); err != nil {
			mu.Unlock()
			return err
		}
	}
	profile, err := r.store.GetSpeakerProfile(ctx, assignment.ProfileID)
	if err != nil {
		mu.Unlock()
		return err
	}
	profile.Verification = store.VerificationUserConfirmed
	if err := r.store.UpdateSpeakerProfile(ctx, profile); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()

	r.logger.Info("suggestion confirmed",
		logging.String(logging.FieldJobID, jobID),
		logging.String("speaker_label", label),
		logging.String("profile", assignment.ProfileID))
	return r.relabelSuggestions(ctx, assignment.ProfileID)
}

// RejectSuggestion dismisses a pending suggested assignment. When newLabel
// is non-empty the retained embedding seeds a fresh user-confirmed profile
// and the label is accepted against it instead.
func (r *Resolver) RejectSuggestion(ctx context.Context, jobID, label, newLabel string) error {
	assignment, err := r.findSuggestion(ctx, jobID, label)
	if err != nil {
		return err
	}

	if newLabel == "" || len(assignment.Vector) == 0 {
		rejected := *assignment
		rejected.Decision = store.DecisionRejected
		rejected.Vector = nil
		return r.store.UpsertSpeakerAssignment(ctx, &rejected)
	}

	profile, err := r.CreateProfileWithReference(ctx, newLabel, jobID, "", assignment.Vector)
	if err != nil {
		return err
	}
	profile.Verification = store.VerificationUserConfirmed
	if err := r.store.UpdateSpeakerProfile(ctx, profile); err != nil {
		return err
	}

	reassigned := *assignment
	reassigned.ProfileID = profile.ID
	reassigned.Confidence = 1
	reassigned.Decision = store.DecisionAccepted
	reassigned.Vector = nil
	return r.store.UpsertSpeakerAssignment(ctx, &reassigned)
}

func (r *Resolver) findSuggestion(ctx context.Context, jobID, label string) (*store.SpeakerAssignment, error) {
	assignments, err := r.store.ListSpeakerAssignments(ctx, jobID, "")
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		if assignments[i].Label == label && assignments[i].Decision == store.DecisionSuggested {
			return &assignments[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// UpsertProfile creates a profile or updates its label and verification.
func (r *Resolver) UpsertProfile(ctx context.Context, profile *store.SpeakerProfile) error {
	if profile == nil {
		return errors.New("speaker: profile is nil")
	}
	if profile.ID == "" {
		return r.store.CreateSpeakerProfile(ctx, profile)
	}

	mu := r.lockFor(profile.ID)
	mu.Lock()
	defer mu.Unlock()

	_, err := r.store.GetSpeakerProfile(ctx, profile.ID)
	if errors.Is(err, store.ErrNotFound) {
		return r.store.CreateSpeakerProfile(ctx, profile)
	}
	if err != nil {
		return err
	}
	return r.store.UpdateSpeakerProfile(ctx, profile)
}

// CreateProfileWithReference registers a brand-new speaker seeded with one
// embedding.
func (r *Resolver) CreateProfileWithReference(ctx context.Context, label, jobID, segment string, embedding []float64) (*store.SpeakerProfile, error) {
	profile := &store.SpeakerProfile{Label: label}
	if err := r.store.CreateSpeakerProfile(ctx, profile); err != nil {
		return nil, err
	}
	if err := r.addReference(ctx, profile.ID, jobID, segment, embedding); err != nil {
		return nil, err
	}
	return profile, nil
}

// MergeProfiles folds source into target. The store performs the
// reassignment atomically; afterwards the target's embeddings are pruned
// back to the retention cap and suggestions against the grown centroid are
// re-scored. Merging an already-merged source is a no-op.
func (r *Resolver) MergeProfiles(ctx context.Context, targetID, sourceID string) error {
	if targetID == sourceID {
		return nil
	}
	unlock := r.lockPair(targetID, sourceID)
	defer unlock()

	if err := r.store.MergeSpeakerProfiles(ctx, targetID, sourceID); err != nil {
		return err
	}
	if err := r.store.PruneReferenceEmbeddings(ctx, targetID, r.maxEmbeddings); err != nil {
		return err
	}

	r.logger.Info("profiles merged",
		logging.String("target_profile", targetID),
		logging.String("source_profile", sourceID))
	return r.relabelSuggestions(ctx, targetID)
}

// relabelSuggestions re-scores pending suggestions for a profile after its
// centroid changed, promoting any that now clear the auto threshold. The
// fan-out is bounded so a profile with many suggestions cannot starve the
// database.
func (r *Resolver) relabelSuggestions(ctx context.Context, profileID string) error {
	assignments, err := r.store.ListSpeakerAssignments(ctx, "", profileID)
	if err != nil {
		return err
	}

	references, err := r.store.ListReferenceEmbeddings(ctx, profileID)
	if err != nil {
		return err
	}
	centroid := Centroid(references)
	if len(centroid) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.relabelConcurrent)
	for _, assignment := range assignments {
		if assignment.Decision != store.DecisionSuggested || len(assignment.Vector) == 0 {
			continue
		}
		assignment := assignment
		group.Go(func() error {
			confidence := CosineSimilarity(assignment.Vector, centroid)
			if confidence < r.autoThreshold {
				return nil
			}
			promoted := assignment
			promoted.Decision = store.DecisionAccepted
			promoted.Confidence = confidence
			promoted.Vector = nil
			if err := r.store.UpsertSpeakerAssignment(groupCtx, &promoted); err != nil {
				return err
			}
			r.logger.Info("suggestion promoted",
				logging.String(logging.FieldJobID, assignment.JobID),
				logging.String("speaker_label", assignment.Label),
				logging.Float64("confidence", confidence))
			return nil
		})
	}
	return group.Wait()
}

func (r *Resolver) addReference(ctx context.Context, profileID, jobID, segment string, embedding []float64) error {
	if err := r.store.AddReferenceEmbedding(ctx, &store.ReferenceEmbedding{
		ProfileID: profileID,
		Vector:    embedding,
		JobID:     jobID,
		Segment:   segment,
	}); err != nil {
		return err
	}
	return r.store.PruneReferenceEmbeddings(ctx, profileID, r.maxEmbeddings)
}

func (r *Resolver) markAutoMatched(ctx context.Context, profileID string) error {
	profile, err := r.store.GetSpeakerProfile(ctx, profileID)
	if err != nil {
		return err
	}
	if profile.Verification != store.VerificationUnverified {
		return nil
	}
	profile.Verification = store.VerificationAutoMatched
	return r.store.UpdateSpeakerProfile(ctx, profile)
}

// Centroid returns the per-dimension mean of the reference vectors.
// References with mismatched dimensions are skipped.
func Centroid(references []store.ReferenceEmbedding) []float64 {
	var centroid []float64
	var count int
	for _, reference := range references {
		if len(reference.Vector) == 0 {
			continue
		}
		if centroid == nil {
			centroid = make([]float64, len(reference.Vector))
		}
		if len(reference.Vector) != len(centroid) {
			continue
		}
		for i, value := range reference.Vector {
			centroid[i] += value
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range centroid {
		centroid[i] /= float64(count)
	}
	return centroid
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// clamped to [0, 1]. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if similarity < 0 {
		return 0
	}
	if similarity > 1 {
		return 1
	}
	return similarity
}

// LongestSegments picks the longest count segments meeting the minimum
// duration, used to select embedding material per diarized speaker.
func LongestSegments(segments []Segment, count int, minSeconds float64) []Segment {
	eligible := make([]Segment, 0, len(segments))
	for _, segment := range segments {
		if segment.End-segment.Start >= minSeconds {
			eligible = append(eligible, segment)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return (eligible[i].End - eligible[i].Start) > (eligible[j].End - eligible[j].Start)
	})
	if count > 0 && len(eligible) > count {
		eligible = eligible[:count]
	}
	return eligible
}

// Segment is one diarized speech interval attributed to a label.
type Segment struct {
	Label string  `json:"speaker"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}
