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

const waveformBuckets = 1000

// Waveform renders downsampled peak data for the UI scrubber. It runs on
// the CPU pool concurrently with transcription.
type Waveform struct {
	env *Env
}

func NewWaveform(env *Env) *Waveform {
	return &Waveform{env: env}
}

func (s *Waveform) Stage() store.Stage {
	return store.StageWaveform
}

func (s *Waveform) Pool() dispatch.Pool {
	return dispatch.PoolCPU
}

func (s *Waveform) HealthCheck(ctx context.Context) Health {
	return Healthy("waveform")
}

func (s *Waveform) Execute(ctx context.Context, job *store.Job) error {
	const stage = "waveform"

	audioKey := job.ArtifactKey(ArtifactAudio)
	if audioKey == "" {
		return services.Wrap(services.KindInvalidInput, stage, "locate audio",
			"no extracted audio artifact recorded", nil)
	}
	audioPath, err := s.env.Objects.PathFor(audioKey)
	if err != nil {
		return services.Wrap(services.KindInvalidInput, stage, "locate audio", "", err)
	}

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "decode", 10, "decoding audio"); err != nil {
		return err
	}
	waveform, err := s.env.Media.GenerateWaveform(ctx, audioPath, waveformBuckets)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return services.Wrap(services.KindCancelled, stage, "generate", "", err)
		}
		return services.Wrap(services.KindTransient, stage, "generate", "", err)
	}

	encoded, err := json.Marshal(waveform)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "encode", "", err)
	}
	waveformKey := objectKey(job.ID, "waveform.json")
	if err := s.env.Objects.Put(ctx, waveformKey, bytes.NewReader(encoded)); err != nil {
		return services.Wrap(services.KindTransient, stage, "store", "", err)
	}
	job.SetArtifact(ArtifactWaveform, waveformKey)

	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "waveform rendered")
}
