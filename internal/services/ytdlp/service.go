// Package ytdlp resolves and downloads remote media through the yt-dlp
// command line tool, including playlist expansion.
package ytdlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBinary is the yt-dlp binary name.
const DefaultBinary = "yt-dlp"

// ErrUnavailable marks failures the caller should treat as permanent:
// private, removed, or region-locked media.
var ErrUnavailable = errors.New("ytdlp: media unavailable")

var unavailableMarkers = []string{
	"private video",
	"video unavailable",
	"this video is not available",
	"sign in to confirm",
	"members-only",
	"account associated with this video has been terminated",
	"geo restricted",
	"not available in your country",
}

// Config captures the downloader settings.
type Config struct {
	Binary           string
	TimeoutSeconds   int
	MaxPlaylistItems int
}

// Service wraps yt-dlp. The command runner is injectable for tests.
type Service struct {
	cfg    Config
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewService creates a downloader service.
func NewService(cfg Config) *Service {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	return &Service{cfg: cfg}
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) ([]byte, error)) {
	s.runner = runner
}

func (s *Service) run(ctx context.Context, args ...string) ([]byte, error) {
	if timeout := s.cfg.TimeoutSeconds; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}
	if s.runner != nil {
		return s.runner(ctx, s.cfg.Binary, args...)
	}
	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := strings.TrimSpace(string(exitErr.Stderr))
			if isUnavailableMessage(stderr) {
				return nil, fmt.Errorf("%w: %s", ErrUnavailable, stderr)
			}
			return nil, fmt.Errorf("%s: %w: %s", s.cfg.Binary, err, stderr)
		}
		return nil, fmt.Errorf("%s: %w", s.cfg.Binary, err)
	}
	return output, nil
}

// Entry is one resolvable media item behind a URL.
type Entry struct {
	URL           string
	Title         string
	Duration      float64
	PlaylistIndex int
}

type metadataPayload struct {
	Type     string  `json:"_type"`
	Title    string  `json:"title"`
	URL      string  `json:"webpage_url"`
	Duration float64 `json:"duration"`
	Entries  []struct {
		Title    string  `json:"title"`
		URL      string  `json:"webpage_url"`
		Duration float64 `json:"duration"`
	} `json:"entries"`
}

// Resolve inspects a URL without downloading. A single video yields one
// entry; a playlist yields one entry per item, capped by the configured
// maximum.
func (s *Service) Resolve(ctx context.Context, rawURL string) ([]Entry, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("ytdlp: url required")
	}

	output, err := s.run(ctx, "-J", "--flat-playlist", rawURL)
	if err != nil {
		return nil, err
	}

	var payload metadataPayload
	if err := json.Unmarshal(output, &payload); err != nil {
		return nil, fmt.Errorf("ytdlp: parse metadata: %w", err)
	}

	if payload.Type != "playlist" || len(payload.Entries) == 0 {
		url := payload.URL
		if url == "" {
			url = rawURL
		}
		return []Entry{{URL: url, Title: payload.Title, Duration: payload.Duration}}, nil
	}

	limit := len(payload.Entries)
	if s.cfg.MaxPlaylistItems > 0 && limit > s.cfg.MaxPlaylistItems {
		limit = s.cfg.MaxPlaylistItems
	}
	entries := make([]Entry, 0, limit)
	for i, item := range payload.Entries[:limit] {
		entries = append(entries, Entry{
			URL:           item.URL,
			Title:         item.Title,
			Duration:      item.Duration,
			PlaylistIndex: i + 1,
		})
	}
	return entries, nil
}

// Download fetches the best available audio for a single URL into destDir
// and returns the downloaded file's path.
func (s *Service) Download(ctx context.Context, rawURL, destDir string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("ytdlp: url required")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("ytdlp: ensure dest dir: %w", err)
	}

	template := filepath.Join(destDir, "%(id)s.%(ext)s")
	output, err := s.run(ctx,
		"--no-playlist",
		"-f", "bestaudio/best",
		"-o", template,
		"--print", "after_move:filepath",
		"--no-simulate",
		rawURL,
	)
	if err != nil {
		return "", err
	}

	path := strings.TrimSpace(string(output))
	if idx := strings.LastIndexByte(path, '\n'); idx >= 0 {
		path = strings.TrimSpace(path[idx+1:])
	}
	if path == "" {
		return "", errors.New("ytdlp: download produced no file path")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("ytdlp: downloaded file missing: %w", err)
	}
	return path, nil
}

func isUnavailableMessage(message string) bool {
	lowered := strings.ToLower(message)
	for _, marker := range unavailableMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
