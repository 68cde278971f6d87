package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/notifications"
	"chorus/internal/services/ytdlp"
	"chorus/internal/stages"
	"chorus/internal/store"
)

// SubmitRequest describes one submission: exactly one of Path or URL plus
// the per-job configuration captured at submission time.
type SubmitRequest struct {
	Path string
	URL  string

	UserID          string
	Language        string
	SummaryPrompt   string
	SpeakerCountMin int
	SpeakerCountMax int
}

// SubmitResult pairs a queued (or already-queued) job with whether it was a
// duplicate of an active submission.
type SubmitResult struct {
	Job       *store.Job
	Duplicate bool
}

// Submitter turns submissions into pending jobs. A playlist URL fans out
// into one job per item here, so each item retries and fails independently.
type Submitter struct {
	cfg        *config.Config
	store      *store.Store
	downloader *ytdlp.Service
	notifier   notifications.Service
	logger     *slog.Logger

	// onSubmit, when set, wakes the coordinator after new jobs land.
	onSubmit func()
}

// NewSubmitter builds a submitter over the job store.
func NewSubmitter(cfg *config.Config, st *store.Store, downloader *ytdlp.Service, notifier notifications.Service, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	return &Submitter{
		cfg:        cfg,
		store:      st,
		downloader: downloader,
		notifier:   notifier,
		logger:     logging.NewComponentLogger(logger, "submit"),
	}
}

// OnSubmit registers a hook invoked after each job is queued. The daemon
// uses it to wake the coordinator without waiting for the next poll.
func (s *Submitter) OnSubmit(fn func()) {
	s.onSubmit = fn
}

// Submit queues the request. Files are fingerprinted immediately so an
// active duplicate is returned instead of a new job; URL jobs carry a
// provisional URL fingerprint that the download stage replaces with the
// content fingerprint.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) ([]SubmitResult, error) {
	hasPath := strings.TrimSpace(req.Path) != ""
	hasURL := strings.TrimSpace(req.URL) != ""
	if hasPath == hasURL {
		return nil, errors.New("submit: exactly one of a file path or a URL is required")
	}

	if hasPath {
		result, err := s.submitFile(ctx, req)
		if err != nil {
			return nil, err
		}
		return []SubmitResult{result}, nil
	}
	return s.submitURL(ctx, req)
}

func (s *Submitter) submitFile(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	path, err := filepath.Abs(strings.TrimSpace(req.Path))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: resolve path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	if info.IsDir() {
		return SubmitResult{}, fmt.Errorf("submit: %s is a directory", path)
	}

	fingerprint, err := stages.Fingerprint(path)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: fingerprint %s: %w", path, err)
	}
	if existing, err := s.store.FindActiveByFingerprint(ctx, fingerprint); err != nil {
		return SubmitResult{}, err
	} else if existing != nil {
		s.logger.Info("duplicate submission",
			logging.String(logging.FieldJobID, existing.ID),
			logging.String("fingerprint", fingerprint))
		return SubmitResult{Job: existing, Duplicate: true}, nil
	}

	job := &store.Job{
		UserID:      req.UserID,
		Title:       deriveTitle(path),
		SourcePath:  path,
		Fingerprint: fingerprint,
		Status:      store.StatusPending,
		Stage:       store.StageIngestValidate,
		Config:      jobConfig(req, "", 0),
	}
	if err := s.enqueue(ctx, job); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Job: job}, nil
}

func (s *Submitter) submitURL(ctx context.Context, req SubmitRequest) ([]SubmitResult, error) {
	entries, err := s.downloader.Resolve(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("submit: resolve url: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("submit: url resolved to no media")
	}

	results := make([]SubmitResult, 0, len(entries))
	for _, entry := range entries {
		fingerprint := urlFingerprint(entry.URL)
		if existing, err := s.store.FindActiveByFingerprint(ctx, fingerprint); err != nil {
			return nil, err
		} else if existing != nil {
			s.logger.Info("duplicate submission",
				logging.String(logging.FieldJobID, existing.ID),
				logging.String("url", entry.URL))
			results = append(results, SubmitResult{Job: existing, Duplicate: true})
			continue
		}

		job := &store.Job{
			UserID:      req.UserID,
			Title:       entry.Title,
			Fingerprint: fingerprint,
			Status:      store.StatusPending,
			Stage:       store.StageIngestValidate,
			Config:      jobConfig(req, entry.URL, entry.PlaylistIndex),
		}
		if err := s.enqueue(ctx, job); err != nil {
			return nil, err
		}
		results = append(results, SubmitResult{Job: job})
	}
	return results, nil
}

func (s *Submitter) enqueue(ctx context.Context, job *store.Job) error {
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("job queued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("title", job.Title))
	if err := s.notifier.NotifyJobAccepted(ctx, job.ID, job.Title); err != nil {
		s.logger.Warn("submission notification failed",
			logging.String(logging.FieldJobID, job.ID), logging.Error(err))
	}
	if s.onSubmit != nil {
		s.onSubmit()
	}
	return nil
}

func jobConfig(req SubmitRequest, sourceURL string, playlistIndex int) store.JobConfig {
	return store.JobConfig{
		SpeakerCountMin: req.SpeakerCountMin,
		SpeakerCountMax: req.SpeakerCountMax,
		Language:        strings.TrimSpace(req.Language),
		SummaryPrompt:   strings.TrimSpace(req.SummaryPrompt),
		SourceURL:       sourceURL,
		PlaylistIndex:   playlistIndex,
	}
}

// deriveTitle turns a source filename into a human-readable title:
// separators become spaces, the extension is dropped, words are title-cased.
func deriveTitle(sourcePath string) string {
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	cleaned := strings.Builder{}
	prevSpace := false
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	title := strings.TrimSpace(cleaned.String())
	if title == "" {
		title = base
	}
	return cases.Title(language.Und).String(title)
}

// urlFingerprint derives the provisional dedup key for a URL submission.
// The download stage overwrites it once the media bytes are on disk.
func urlFingerprint(rawURL string) string {
	sum := sha256.Sum256([]byte("url:" + strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}
