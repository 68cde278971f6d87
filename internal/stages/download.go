package stages

import (
	"context"
	"errors"

	"chorus/internal/dispatch"
	"chorus/internal/services"
	"chorus/internal/services/ytdlp"
	"chorus/internal/store"
)

// DownloadResolve fetches URL-sourced media, then validates and
// normalizes it exactly as ingest does for uploaded files.
type DownloadResolve struct {
	env *Env
}

func NewDownloadResolve(env *Env) *DownloadResolve {
	return &DownloadResolve{env: env}
}

func (s *DownloadResolve) Stage() store.Stage {
	return store.StageDownloadResolve
}

func (s *DownloadResolve) Pool() dispatch.Pool {
	return dispatch.PoolDownload
}

func (s *DownloadResolve) HealthCheck(ctx context.Context) Health {
	return Healthy("download-resolve")
}

func (s *DownloadResolve) Execute(ctx context.Context, job *store.Job) error {
	const stage = "download-resolve"

	if !job.NeedsDownload() {
		// File-sourced jobs never enter this stage; reaching it means the
		// graph was advanced incorrectly.
		return services.Wrap(services.KindInvalidInput, stage, "check source",
			"job has no source url", nil)
	}

	workDir, err := s.env.workDir(job.ID)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "prepare work dir", "", err)
	}

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "fetch", 5, "downloading media"); err != nil {
		return err
	}
	path, err := s.env.Downloader.Download(ctx, job.Config.SourceURL, workDir)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return services.Wrap(services.KindCancelled, stage, "download", "", err)
		case errors.Is(err, ytdlp.ErrUnavailable):
			return services.Wrap(services.KindInvalidInput, stage, "download",
				"media is private, removed, or region-locked", err)
		default:
			return services.Wrap(services.KindTransient, stage, "download", "", err)
		}
	}
	job.SourcePath = path

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "probe", 60, "validating download"); err != nil {
		return err
	}
	probe, err := s.env.Media.Probe(ctx, path)
	if err != nil {
		return services.Wrap(services.KindInvalidInput, stage, "probe",
			"downloaded media is not a readable container", err)
	}
	if !probe.HasAudio {
		return services.Wrap(services.KindInvalidInput, stage, "probe",
			"downloaded media has no audio track", nil)
	}

	fingerprint, err := Fingerprint(path)
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "fingerprint", "", err)
	}
	job.Fingerprint = fingerprint

	if err := s.env.Tracker.StageProgress(ctx, job, s.Stage(), "normalize", 80, "extracting audio"); err != nil {
		return err
	}

	if err := s.env.normalizeSource(ctx, job, stage); err != nil {
		return err
	}
	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "media resolved")
}
