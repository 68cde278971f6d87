package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"chorus/internal/dispatch"
	"chorus/internal/services"
	"chorus/internal/store"
)

// Export assembles the final manifest pointing at every artifact the
// pipeline produced. It is the last stage before the job succeeds.
type Export struct {
	env *Env
}

func NewExport(env *Env) *Export {
	return &Export{env: env}
}

func (s *Export) Stage() store.Stage {
	return store.StageExport
}

func (s *Export) Pool() dispatch.Pool {
	return dispatch.PoolUtility
}

func (s *Export) HealthCheck(ctx context.Context) Health {
	return Healthy("export")
}

// ExportManifest is the stored description of a finished job.
type ExportManifest struct {
	JobID       string            `json:"job_id"`
	Title       string            `json:"title,omitempty"`
	Language    string            `json:"language,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Artifacts   map[string]string `json:"artifacts"`
	Speakers    []ManifestSpeaker `json:"speakers,omitempty"`
	ExportedAt  time.Time         `json:"exported_at"`
}

// ManifestSpeaker is one resolved speaker in the manifest.
type ManifestSpeaker struct {
	Label      string  `json:"label"`
	ProfileID  string  `json:"profile_id"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence"`
	Decision   string  `json:"decision"`
}

func (s *Export) Execute(ctx context.Context, job *store.Job) error {
	const stage = "export"

	if job.ArtifactKey(ArtifactTranscript) == "" {
		return services.Wrap(services.KindInvalidInput, stage, "collect artifacts",
			"no transcript artifact recorded", nil)
	}

	manifest := ExportManifest{
		JobID:       job.ID,
		Title:       job.Title,
		Language:    job.Config.Language,
		Fingerprint: job.Fingerprint,
		Artifacts:   make(map[string]string, len(job.Artifacts)),
		ExportedAt:  time.Now().UTC(),
	}
	for name, key := range job.Artifacts {
		manifest.Artifacts[name] = key
	}

	assignments, err := s.env.Store.ListSpeakerAssignments(ctx, job.ID, "")
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "load assignments", "", err)
	}
	for _, assignment := range assignments {
		entry := ManifestSpeaker{
			Label:      assignment.Label,
			ProfileID:  assignment.ProfileID,
			Confidence: assignment.Confidence,
			Decision:   string(assignment.Decision),
		}
		if profile, err := s.env.Store.GetSpeakerProfile(ctx, assignment.ProfileID); err == nil {
			entry.Name = profile.Label
		}
		manifest.Speakers = append(manifest.Speakers, entry)
	}

	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return services.Wrap(services.KindTransient, stage, "encode", "", err)
	}
	manifestKey := objectKey(job.ID, "manifest.json")
	if err := s.env.Objects.Put(ctx, manifestKey, bytes.NewReader(encoded)); err != nil {
		return services.Wrap(services.KindTransient, stage, "store", "", err)
	}
	job.SetArtifact(ArtifactExport, manifestKey)

	return s.env.Tracker.StageProgress(ctx, job, s.Stage(), "", 100, "export ready")
}
