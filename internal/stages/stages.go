// Package stages holds the pipeline's stage executors. Each executor
// consumes the job's recorded artifacts, calls one collaborator, and
// either records new artifacts on the job or returns a classified error.
// Executors never retry and never advance the pipeline themselves.
package stages

import (
	"context"
	"log/slog"

	"chorus/internal/config"
	"chorus/internal/dispatch"
	"chorus/internal/media"
	"chorus/internal/notifications"
	"chorus/internal/objectstore"
	"chorus/internal/progress"
	"chorus/internal/services/llm"
	"chorus/internal/services/whisperx"
	"chorus/internal/services/ytdlp"
	"chorus/internal/speaker"
	"chorus/internal/store"
)

// Executor is the contract the pipeline coordinator drives.
type Executor interface {
	Stage() store.Stage
	Pool() dispatch.Pool
	Execute(ctx context.Context, job *store.Job) error
	HealthCheck(ctx context.Context) Health
}

// Health summarizes the readiness of a stage's collaborator.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// Env bundles the collaborators shared by the executors.
type Env struct {
	Config     *config.Config
	Store      *store.Store
	Objects    *objectstore.Store
	Media      *media.Toolkit
	WhisperX   *whisperx.Service
	LLM        *llm.Client
	Downloader *ytdlp.Service
	Resolver   *speaker.Resolver
	Tracker    *progress.Tracker
	Notifier   notifications.Service
	Logger     *slog.Logger
}

// Artifact names recorded on the job.
const (
	ArtifactSource      = "source"
	ArtifactAudio       = "audio"
	ArtifactWaveform    = "waveform"
	ArtifactTranscript  = "transcript"
	ArtifactSubtitles   = "subtitles"
	ArtifactDiarization = "diarization"
	ArtifactSummary     = "summary"
	ArtifactExport      = "export"
)

// All builds every executor against a shared environment, keyed by stage.
func All(env *Env) map[store.Stage]Executor {
	executors := []Executor{
		NewIngestValidate(env),
		NewDownloadResolve(env),
		NewWaveform(env),
		NewTranscribe(env),
		NewDiarize(env),
		NewSpeakerMatch(env),
		NewSummarize(env),
		NewExport(env),
	}
	byStage := make(map[store.Stage]Executor, len(executors))
	for _, executor := range executors {
		byStage[executor.Stage()] = executor
	}
	return byStage
}
