package store

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Terminal reports whether the status is immutable once reached.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Stage names one step of the pipeline.
type Stage string

const (
	StageIngestValidate  Stage = "ingest-validate"
	StageDownloadResolve Stage = "download-resolve"
	StageWaveform        Stage = "waveform"
	StageTranscribe      Stage = "transcribe"
	StageDiarize         Stage = "diarize"
	StageSpeakerMatch    Stage = "speaker-match"
	StageSummarize       Stage = "summarize"
	StageExport          Stage = "export"
)

var allStages = []Stage{
	StageIngestValidate,
	StageDownloadResolve,
	StageWaveform,
	StageTranscribe,
	StageDiarize,
	StageSpeakerMatch,
	StageSummarize,
	StageExport,
}

// AllStages returns the ordered list of pipeline stages.
func AllStages() []Stage {
	cp := make([]Stage, len(allStages))
	copy(cp, allStages)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, stage := range allStages {
		if stage == normalized {
			return stage, true
		}
	}
	return "", false
}

// JobConfig is the per-job configuration snapshot captured at submission time.
type JobConfig struct {
	SpeakerCountMin int    `json:"speaker_count_min,omitempty"`
	SpeakerCountMax int    `json:"speaker_count_max,omitempty"`
	Language        string `json:"language,omitempty"`
	SummaryPrompt   string `json:"summary_prompt,omitempty"`
	SourceURL       string `json:"source_url,omitempty"`
	PlaylistIndex   int    `json:"playlist_index,omitempty"`
}

// RetryRecord is one entry of a job's retained retry history.
type RetryRecord struct {
	Stage     Stage     `json:"stage"`
	Attempt   int       `json:"attempt"`
	ErrorKind string    `json:"error_kind"`
	Backoff   string    `json:"backoff"`
	At        time.Time `json:"at"`
}

// Job identifies one media item's pipeline run.
type Job struct {
	ID          string
	UserID      string
	Title       string
	SourcePath  string
	Fingerprint string
	Status      Status
	Stage       Stage
	Config      JobConfig

	// WaveformDone and TranscribeDone track the parallel branch; diarize is
	// only eligible once both are set.
	WaveformDone   bool
	TranscribeDone bool

	// Attempts counts completed tries per stage. A stage that has never
	// failed has no entry.
	Attempts     map[Stage]int
	NextRetryAt  *time.Time
	RetryHistory []RetryRecord

	// Artifacts maps artifact names (audio, waveform, transcript, diarization,
	// summary, export) to object store keys.
	Artifacts map[string]string

	ErrorKind    string
	ErrorMessage string

	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string

	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AttemptsFor returns the completed attempt count for a stage.
func (j *Job) AttemptsFor(stage Stage) int {
	if j.Attempts == nil {
		return 0
	}
	return j.Attempts[stage]
}

// ArtifactKey returns the object store key recorded under name, or "".
func (j *Job) ArtifactKey(name string) string {
	if j.Artifacts == nil {
		return ""
	}
	return j.Artifacts[name]
}

// SetArtifact records an object store key for a named artifact.
func (j *Job) SetArtifact(name, key string) {
	if j.Artifacts == nil {
		j.Artifacts = make(map[string]string, 4)
	}
	j.Artifacts[name] = key
}

// NeedsDownload reports whether the job was submitted by URL and must resolve
// its media before validation artifacts exist locally.
func (j *Job) NeedsDownload() bool {
	return strings.TrimSpace(j.Config.SourceURL) != ""
}

// WantsSummary reports whether a summarization prompt is configured.
func (j *Job) WantsSummary() bool {
	return strings.TrimSpace(j.Config.SummaryPrompt) != ""
}

// HealthSummary describes aggregated job counts per key lifecycle state.
type HealthSummary struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
}

// ProgressEvent is one immutable record of a job's event log.
type ProgressEvent struct {
	JobID     string
	Seq       int64
	Stage     Stage
	SubStep   string
	Percent   float64
	Message   string
	ErrorKind string
	At        time.Time
}

// VerificationStatus describes how a speaker profile identity was established.
type VerificationStatus string

const (
	VerificationUnverified    VerificationStatus = "unverified"
	VerificationUserConfirmed VerificationStatus = "user-confirmed"
	VerificationAutoMatched   VerificationStatus = "auto-matched"
)

// SpeakerProfile is a persistent cross-job identity for one physical speaker.
type SpeakerProfile struct {
	ID           string
	Label        string
	Verification VerificationStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReferenceEmbedding is one stored voice embedding backing a profile.
type ReferenceEmbedding struct {
	ID        int64
	ProfileID string
	Vector    []float64
	JobID     string
	Segment   string
	CreatedAt time.Time
}

// DecisionState describes how a speaker assignment was decided.
type DecisionState string

const (
	DecisionSuggested DecisionState = "suggested"
	DecisionAccepted  DecisionState = "accepted"
	DecisionRejected  DecisionState = "rejected"
)

// SpeakerAssignment links a diarized speaker within a job to a profile.
type SpeakerAssignment struct {
	ID         int64
	JobID      string
	Label      string // diarized label within the job, e.g. SPEAKER_00
	ProfileID  string
	Confidence float64
	Decision   DecisionState

	// Vector retains the diarized speaker's embedding while the decision is
	// still suggested, so merges can re-score pending suggestions.
	Vector []float64

	CreatedAt time.Time
	UpdatedAt time.Time
}
