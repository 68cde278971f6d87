package stages

import (
	"context"
	"errors"
	"strings"

	"chorus/internal/dispatch"
	"chorus/internal/services"
	"chorus/internal/store"
)

// Transcribe runs WhisperX over the normalized audio on the GPU pool.
type Transcribe struct {
	env *Env
}

func NewTranscribe(env *Env) *Transcribe {
	return &Transcribe{env: env}
}

func (s *Transcribe) Stage() store.Stage {
	return store.StageTranscribe
}

func (s *Transcribe) Pool() dispatch.Pool {
	return dispatch.PoolGPU
}

func (s *Transcribe) HealthCheck(ctx context.Context) Health {
	return Healthy("transcribe")
}

func (s *Transcribe) Execute(ctx context.Context, job *store.Job) error {
	const stage = "transcribe"

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

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "inference", 5, "running speech recognition"); err != nil {
		return err
	}
	result, err := s.env.WhisperX.Transcribe(ctx, audioPath, workDir, job.Config.Language)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return services.Wrap(services.KindCancelled, stage, "inference", "", err)
		}
		return services.Wrap(services.KindExternalProvider, stage, "inference", "", err)
	}
	if len(result.Segments) == 0 {
		return services.Wrap(services.KindInvalidInput, stage, "inference",
			"no speech detected in audio", nil)
	}

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "alignment", 80, "storing transcript"); err != nil {
		return err
	}

	transcriptKey := objectKey(job.ID, "transcript.json")
	if err := s.env.Objects.PutFile(ctx, transcriptKey, result.JSONPath); err != nil {
		return services.Wrap(services.KindTransient, stage, "store transcript", "", err)
	}
	job.SetArtifact(ArtifactTranscript, transcriptKey)

	subtitlesKey := objectKey(job.ID, "transcript.srt")
	if err := s.env.Objects.PutFile(ctx, subtitlesKey, result.SRTPath); err != nil {
		return services.Wrap(services.KindTransient, stage, "store subtitles", "", err)
	}
	job.SetArtifact(ArtifactSubtitles, subtitlesKey)

	if job.Config.Language == "" && result.Language != "" {
		job.Config.Language = strings.TrimSpace(result.Language)
	}

	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "transcription complete")
}
