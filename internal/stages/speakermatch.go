package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"chorus/internal/dispatch"
	"chorus/internal/logging"
	"chorus/internal/services"
	"chorus/internal/speaker"
	"chorus/internal/store"
)

// SpeakerMatch resolves each diarized label against the persistent
// speaker profiles. It is the only executor with a cross-job side effect:
// auto-accepted matches grow the shared profile's reference set and may
// promote pending suggestions on other jobs.
type SpeakerMatch struct {
	env *Env
}

func NewSpeakerMatch(env *Env) *SpeakerMatch {
	return &SpeakerMatch{env: env}
}

func (s *SpeakerMatch) Stage() store.Stage {
	return store.StageSpeakerMatch
}

func (s *SpeakerMatch) Pool() dispatch.Pool {
	return dispatch.PoolGPU
}

func (s *SpeakerMatch) HealthCheck(ctx context.Context) Health {
	return Healthy("speaker-match")
}

func (s *SpeakerMatch) Execute(ctx context.Context, job *store.Job) error {
	const stage = "speaker-match"

	document, err := s.loadDiarization(ctx, job)
	if err != nil {
		return err
	}
	audioPath, err := s.env.Objects.PathFor(job.ArtifactKey(ArtifactAudio))
	if err != nil {
		return services.Wrap(services.KindInvalidInput, stage, "locate audio", "", err)
	}
	workDir, err := s.env.workDir(job.ID)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "prepare work dir", "", err)
	}

	segmentsByLabel := make(map[string][]speaker.Segment, len(document.Speakers))
	for _, segment := range document.Segments {
		segmentsByLabel[segment.Speaker] = append(segmentsByLabel[segment.Speaker], speaker.Segment{
			Label: segment.Speaker,
			Start: segment.Start,
			End:   segment.End,
		})
	}

	total := len(document.Speakers)
	if total == 0 {
		return services.Wrap(services.KindInvalidInput, stage, "parse diarization",
			"diarization document lists no speakers", nil)
	}
	for i, label := range document.Speakers {
		percent := float64(i) / float64(total) * 100
		if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "embedding", percent,
			fmt.Sprintf("matching %s", label)); err != nil {
			return err
		}

		embedding, segmentRef, err := s.representativeEmbedding(ctx, audioPath, workDir, label, segmentsByLabel[label])
		if err != nil {
			return err
		}
		if embedding == nil {
			// No segment long enough to embed; leave the label unmatched.
			continue
		}

		result, err := s.env.Resolver.Assign(ctx, job.ID, label, embedding, segmentRef)
		if err != nil {
			return services.Wrap(services.KindTransient, stage, "assign", "", err)
		}

		logger := logging.WithContext(ctx, s.env.Logger)
		logger.Info("speaker matched",
			logging.String("speaker_label", label),
			logging.String("profile_id", result.ProfileID),
			logging.String("decision", string(result.Decision)),
			logging.Float64("confidence", result.Confidence))

		if result.Decision == speaker.DecisionSuggest && s.env.Resolver.Notable(result.Confidence) {
			if err := s.env.Notifier.NotifySpeakerSuggestion(ctx, job.ID, label,
				result.ProfileLabel, result.Confidence); err != nil {
				logger.Warn("speaker suggestion notification failed", logging.Error(err))
			}
		}
	}

	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "speakers matched")
}

func (s *SpeakerMatch) loadDiarization(ctx context.Context, job *store.Job) (DiarizationDocument, error) {
	const stage = "speaker-match"
	var document DiarizationDocument

	diarizationKey := job.ArtifactKey(ArtifactDiarization)
	if diarizationKey == "" {
		return document, services.Wrap(services.KindInvalidInput, stage, "locate diarization",
			"no diarization artifact recorded", nil)
	}
	data, err := s.env.Objects.ReadBytes(ctx, diarizationKey)
	if err != nil {
		return document, services.Wrap(services.KindTransient, stage, "read diarization", "", err)
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return document, services.Wrap(services.KindInvalidInput, stage, "parse diarization", "", err)
	}
	return document, nil
}

// representativeEmbedding embeds the longest eligible segments of one
// speaker and averages them into a single vector, mirroring how profile
// centroids are built.
func (s *SpeakerMatch) representativeEmbedding(ctx context.Context, audioPath, workDir, label string, segments []speaker.Segment) ([]float64, string, error) {
	const stage = "speaker-match"

	selected := speaker.LongestSegments(segments,
		s.env.Config.Speaker.MaxReferenceEmbeddings,
		s.env.Config.Speaker.MinSegmentSeconds)
	if len(selected) == 0 {
		return nil, "", nil
	}

	var sum []float64
	var count int
	for i, segment := range selected {
		dest := filepath.Join(workDir, fmt.Sprintf("embed_%s_%d.json", label, i))
		vector, err := s.env.WhisperX.Embed(ctx, audioPath, segment.Start, segment.End, dest)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, "", services.Wrap(services.KindCancelled, stage, "embed", "", err)
			}
			return nil, "", services.Wrap(services.KindExternalProvider, stage, "embed", "", err)
		}
		if sum == nil {
			sum = make([]float64, len(vector))
		}
		if len(vector) != len(sum) {
			continue
		}
		for j, value := range vector {
			sum[j] += value
		}
		count++
	}
	if count == 0 {
		return nil, "", nil
	}
	for j := range sum {
		sum[j] /= float64(count)
	}

	longest := selected[0]
	segmentRef := fmt.Sprintf("%.3f-%.3f", longest.Start, longest.End)
	return sum, segmentRef, nil
}
