package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"chorus/internal/dispatch"
	"chorus/internal/services"
	"chorus/internal/store"
)

// Diarize attributes transcript time ranges to anonymous SPEAKER_NN
// labels. It only runs after both parallel branches have finished.
type Diarize struct {
	env *Env
}

func NewDiarize(env *Env) *Diarize {
	return &Diarize{env: env}
}

func (s *Diarize) Stage() store.Stage {
	return store.StageDiarize
}

func (s *Diarize) Pool() dispatch.Pool {
	return dispatch.PoolGPU
}

func (s *Diarize) HealthCheck(ctx context.Context) Health {
	if s.env.Config.WhisperX.HFToken == "" {
		return Unhealthy("diarize", "huggingface token not configured")
	}
	return Healthy("diarize")
}

// DiarizationDocument is the stored output of the diarize stage.
type DiarizationDocument struct {
	Speakers []string          `json:"speakers"`
	Segments []DiarizedSegment `json:"segments"`
}

// DiarizedSegment is one speaker-attributed interval.
type DiarizedSegment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text,omitempty"`
}

func (s *Diarize) Execute(ctx context.Context, job *store.Job) error {
	const stage = "diarize"

	audioKey := job.ArtifactKey(ArtifactAudio)
	if audioKey == "" {
		return services.Wrap(services.KindInvalidInput, stage, "locate audio",
			"no extracted audio artifact recorded", nil)
	}
	audioPath, err := s.env.Objects.PathFor(audioKey)
	if err != nil {
		return services.Wrap(services.KindInvalidInput, stage, "locate audio", "", err)
	}

	workDir, err := s.env.workDir(job.ID)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "prepare work dir", "", err)
	}

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "inference", 5, "separating speakers"); err != nil {
		return err
	}
	result, err := s.env.WhisperX.Diarize(ctx, audioPath, workDir,
		job.Config.SpeakerCountMin, job.Config.SpeakerCountMax)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return services.Wrap(services.KindCancelled, stage, "inference", "", err)
		}
		return services.Wrap(services.KindExternalProvider, stage, "inference", "", err)
	}
	if len(result.Speakers) == 0 {
		return services.Wrap(services.KindInvalidInput, stage, "inference",
			"diarization found no speakers", nil)
	}

	document := DiarizationDocument{Speakers: result.Speakers}
	for _, segment := range result.Segments {
		if segment.Speaker == "" {
			continue
		}
		document.Segments = append(document.Segments, DiarizedSegment{
			Speaker: segment.Speaker,
			Start:   segment.Start,
			End:     segment.End,
			Text:    segment.Text,
		})
	}

	encoded, err := json.Marshal(document)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "encode", "", err)
	}
	diarizationKey := objectKey(job.ID, "diarization.json")
	if err := s.env.Objects.Put(ctx, diarizationKey, bytes.NewReader(encoded)); err != nil {
		return services.Wrap(services.KindTransient, stage, "store", "", err)
	}
	job.SetArtifact(ArtifactDiarization, diarizationKey)

	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "speakers separated")
}
