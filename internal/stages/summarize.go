package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chorus/internal/dispatch"
	"chorus/internal/services"
	"chorus/internal/services/llm"
	"chorus/internal/store"
)

// Summarize sends the speaker-attributed transcript to the LLM for a
// structured summary. The stage is skipped entirely by the coordinator
// when the job has no summarization prompt.
type Summarize struct {
	env *Env
}

func NewSummarize(env *Env) *Summarize {
	return &Summarize{env: env}
}

func (s *Summarize) Stage() store.Stage {
	return store.StageSummarize
}

func (s *Summarize) Pool() dispatch.Pool {
	return dispatch.PoolNLP
}

func (s *Summarize) HealthCheck(ctx context.Context) Health {
	if s.env.Config.LLM.APIKey == "" {
		return Unhealthy("summarize", "llm api key not configured")
	}
	return Healthy("summarize")
}

func (s *Summarize) Execute(ctx context.Context, job *store.Job) error {
	const stage = "summarize"

	transcript, err := s.renderTranscript(ctx, job)
	if err != nil {
		return err
	}

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "completion", 10, "requesting summary"); err != nil {
		return err
	}
	summary, err := s.env.LLM.Summarize(ctx, transcript, job.Config.SummaryPrompt, job.Config.Language)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return services.Wrap(services.KindCancelled, stage, "completion", "", err)
		case llm.RetryableStatus(err):
			return services.Wrap(services.KindTransient, stage, "completion",
				"summarization provider unavailable", err)
		default:
			return services.Wrap(services.KindExternalProvider, stage, "completion", "", err)
		}
	}

	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "encode", "", err)
	}
	summaryKey := objectKey(job.ID, "summary.json")
	if err := s.env.Objects.Put(ctx, summaryKey, bytes.NewReader(encoded)); err != nil {
		return services.Wrap(services.KindTransient, stage, "store", "", err)
	}
	job.SetArtifact(ArtifactSummary, summaryKey)

	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "summary ready")
}

// renderTranscript flattens the diarized segments into "Name: text" lines,
// substituting profile labels for accepted speaker assignments.
func (s *Summarize) renderTranscript(ctx context.Context, job *store.Job) (string, error) {
	const stage = "summarize"

	diarizationKey := job.ArtifactKey(ArtifactDiarization)
	if diarizationKey == "" {
		return "", services.Wrap(services.KindInvalidInput, stage, "locate diarization",
			"no diarization artifact recorded", nil)
	}
	data, err := s.env.Objects.ReadBytes(ctx, diarizationKey)
	if err != nil {
		return "", services.Wrap(services.KindTransient, stage, "read diarization", "", err)
	}
	var document DiarizationDocument
	if err := json.Unmarshal(data, &document); err != nil {
		return "", services.Wrap(services.KindInvalidInput, stage, "parse diarization", "", err)
	}

	names, err := s.speakerNames(ctx, job)
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for _, segment := range document.Segments {
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		name := segment.Speaker
		if resolved, ok := names[segment.Speaker]; ok {
			name = resolved
		}
		fmt.Fprintf(&builder, "%s: %s\n", name, text)
	}
	if builder.Len() == 0 {
		return "", services.Wrap(services.KindInvalidInput, stage, "render transcript",
			"transcript is empty", nil)
	}
	return builder.String(), nil
}

func (s *Summarize) speakerNames(ctx context.Context, job *store.Job) (map[string]string, error) {
	const stage = "summarize"

	assignments, err := s.env.Store.ListSpeakerAssignments(ctx, job.ID, "")
	if err != nil {
		return nil, services.Wrap(services.KindTransient, stage, "load assignments", "", err)
	}
	names := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		if assignment.Decision != store.DecisionAccepted {
			continue
		}
		profile, err := s.env.Store.GetSpeakerProfile(ctx, assignment.ProfileID)
		if err != nil {
			continue
		}
		names[assignment.Label] = profile.Label
	}
	return names, nil
}
