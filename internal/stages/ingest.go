package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"chorus/internal/dispatch"
	"chorus/internal/services"
	"chorus/internal/store"
)

// IngestValidate checks the submitted source before any expensive work.
// File sources are probed for a decodable audio track and normalized into
// the object store; URL sources are only syntax-checked here and resolved
// by the download stage.
type IngestValidate struct {
	env *Env
}

func NewIngestValidate(env *Env) *IngestValidate {
	return &IngestValidate{env: env}
}

func (s *IngestValidate) Stage() store.Stage {
	return store.StageIngestValidate
}

func (s *IngestValidate) Pool() dispatch.Pool {
	return dispatch.PoolUtility
}

func (s *IngestValidate) HealthCheck(ctx context.Context) Health {
	if _, err := s.env.Media.Probe(ctx, os.DevNull); err != nil && strings.Contains(err.Error(), "executable file not found") {
		return Unhealthy("ingest-validate", "ffprobe not installed")
	}
	return Healthy("ingest-validate")
}

func (s *IngestValidate) Execute(ctx context.Context, job *store.Job) error {
	const stage = "ingest-validate"

	if job.NeedsDownload() {
		parsed, err := url.Parse(job.Config.SourceURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return services.Wrap(services.KindInvalidInput, stage, "parse url",
				fmt.Sprintf("unsupported source url %q", job.Config.SourceURL), err)
		}
		return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "url accepted")
	}

	if strings.TrimSpace(job.SourcePath) == "" {
		return services.Wrap(services.KindInvalidInput, stage, "locate source",
			"job has neither a source path nor a source url", nil)
	}
	if _, err := os.Stat(job.SourcePath); err != nil {
		return services.Wrap(services.KindInvalidInput, stage, "locate source",
			"source file is missing", err)
	}

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "probe", 10, "probing container"); err != nil {
		return err
	}
	probe, err := s.env.Media.Probe(ctx, job.SourcePath)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return services.Wrap(services.KindCancelled, stage, "probe", "", err)
		}
		return services.Wrap(services.KindInvalidInput, stage, "probe",
			"source is not a readable media container", err)
	}
	if !probe.HasAudio {
		return services.Wrap(services.KindInvalidInput, stage, "probe",
			"source has no audio track", nil)
	}
	if probe.Duration <= 0 {
		return services.Wrap(services.KindInvalidInput, stage, "probe",
			"source has no measurable duration", nil)
	}

	fingerprint, err := Fingerprint(job.SourcePath)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "fingerprint", "", err)
	}
	job.Fingerprint = fingerprint

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "normalize", 50, "extracting audio"); err != nil {
		return err
	}
	if err := s.env.normalizeSource(ctx, job, stage); err != nil {
		return err
	}
	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "source validated")
}

// normalizeSource copies the original into the object store and extracts
// the mono 16kHz WAV both pipeline branches consume.
func (env *Env) normalizeSource(ctx context.Context, job *store.Job, stage string) error {
	sourceKey := objectKey(job.ID, "source"+strings.ToLower(sourceExt(job.SourcePath)))
	if err := env.Objects.PutFile(ctx, sourceKey, job.SourcePath); err != nil {
		return services.Wrap(services.KindTransient, stage, "store source", "", err)
	}
	job.SetArtifact(ArtifactSource, sourceKey)

	audioKey := objectKey(job.ID, "audio.wav")
	audioPath, err := env.artifactPath(audioKey)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "prepare audio path", "", err)
	}
	if err := env.Media.ExtractAudio(ctx, job.SourcePath, audioPath); err != nil {
		if errors.Is(err, context.Canceled) {
			return services.Wrap(services.KindCancelled, stage, "extract audio", "", err)
		}
		return services.Wrap(services.KindInvalidInput, stage, "extract audio",
			"audio track could not be decoded", err)
	}
	job.SetArtifact(ArtifactAudio, audioKey)
	return nil
}

func sourceExt(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 && idx > strings.LastIndexByte(path, '/') {
		return path[idx:]
	}
	return ".bin"
}
