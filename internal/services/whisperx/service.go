// Package whisperx shells out to the WhisperX and pyannote tooling via
// uvx for transcription, diarization, and voice embeddings.
package whisperx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// UVXCommand launches python tools in ephemeral environments.
	UVXCommand = "uvx"
	// DefaultModel is the whisper model used when none is configured.
	DefaultModel = "large-v3-turbo"
	// EmbedTool computes a speaker embedding for an audio span.
	EmbedTool = "pyannote-embed"

	batchSize    = "16"
	outputFormat = "all"
	cudaDevice   = "cuda"
	cpuDevice    = "cpu"
)

// Config captures the runtime settings for the inference tools.
type Config struct {
	Model       string
	CUDAEnabled bool
	HFToken     string
}

// Service runs the inference tools. The command runner is injectable for
// tests.
type Service struct {
	cfg    Config
	runner func(ctx context.Context, name string, args ...string) error
}

// NewService creates a service with the given configuration.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) error) {
	s.runner = runner
}

// Model returns the configured model name for logging.
func (s *Service) Model() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return DefaultModel
}

func (s *Service) run(ctx context.Context, name string, args ...string) error {
	if s.runner != nil {
		return s.runner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec

	// Torch 2.6 changed torch.load default to weights_only=true, breaking
	// WhisperX/pyannote checkpoint loading. Force the legacy behavior.
	if os.Getenv("TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD") == "" {
		cmd.Env = append(os.Environ(), "TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD=1")
	}

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Word is a single word with timing from WhisperX output.
type Word struct {
	Word    string  `json:"word"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
}

// Segment is one transcribed interval. Speaker is populated only by
// diarization output.
type Segment struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

type whisperXPayload struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// TranscribeResult contains the output artifacts of a transcription run.
type TranscribeResult struct {
	Text     string
	Language string
	Segments []Segment
	JSONPath string
	SRTPath  string
}

// Transcribe runs WhisperX over a mono 16kHz WAV file. Output files land
// in outputDir named after the source file.
func (s *Service) Transcribe(ctx context.Context, source, outputDir, language string) (TranscribeResult, error) {
	var result TranscribeResult
	if source == "" {
		return result, errors.New("whisperx: source path required")
	}
	if outputDir == "" {
		outputDir = filepath.Dir(source)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return result, fmt.Errorf("whisperx: ensure output dir: %w", err)
	}

	args := s.buildTranscribeArgs(source, outputDir, language, false, 0, 0)
	if err := s.run(ctx, UVXCommand, args...); err != nil {
		return result, fmt.Errorf("whisperx: %w", err)
	}

	return s.collectResult(source, outputDir)
}

// DiarizeResult contains speaker-attributed segments.
type DiarizeResult struct {
	Segments []Segment
	Speakers []string
	JSONPath string
}

// Diarize runs WhisperX with diarization enabled, attributing segments to
// SPEAKER_NN labels. Speaker count bounds of 0 are left to the model.
func (s *Service) Diarize(ctx context.Context, source, outputDir string, minSpeakers, maxSpeakers int) (DiarizeResult, error) {
	var result DiarizeResult
	if source == "" {
		return result, errors.New("whisperx: source path required")
	}
	if s.cfg.HFToken == "" {
		return result, errors.New("whisperx: diarization requires a huggingface token")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return result, fmt.Errorf("whisperx: ensure output dir: %w", err)
	}

	args := s.buildTranscribeArgs(source, outputDir, "", true, minSpeakers, maxSpeakers)
	if err := s.run(ctx, UVXCommand, args...); err != nil {
		return result, fmt.Errorf("whisperx diarize: %w", err)
	}

	transcription, err := s.collectResult(source, outputDir)
	if err != nil {
		return result, err
	}

	seen := make(map[string]struct{})
	for _, segment := range transcription.Segments {
		if segment.Speaker == "" {
			continue
		}
		if _, ok := seen[segment.Speaker]; !ok {
			seen[segment.Speaker] = struct{}{}
			result.Speakers = append(result.Speakers, segment.Speaker)
		}
	}
	result.Segments = transcription.Segments
	result.JSONPath = transcription.JSONPath
	return result, nil
}

// Embed computes a voice embedding for a span of the source audio and
// writes the JSON vector to dest before loading it.
func (s *Service) Embed(ctx context.Context, source string, start, end float64, dest string) ([]float64, error) {
	if source == "" {
		return nil, errors.New("whisperx: embed source required")
	}
	if end <= start {
		return nil, fmt.Errorf("whisperx: embed span [%f, %f] is empty", start, end)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("whisperx: ensure embed output dir: %w", err)
	}

	args := []string{
		EmbedTool,
		source,
		"--start", strconv.FormatFloat(start, 'f', 3, 64),
		"--end", strconv.FormatFloat(end, 'f', 3, 64),
		"--output", dest,
	}
	if s.cfg.HFToken != "" {
		args = append(args, "--hf-token", s.cfg.HFToken)
	}
	if s.cfg.CUDAEnabled {
		args = append(args, "--device", cudaDevice)
	}
	if err := s.run(ctx, UVXCommand, args...); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		return nil, fmt.Errorf("embed: read output: %w", err)
	}
	var payload struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("embed: parse output: %w", err)
	}
	if len(payload.Embedding) == 0 {
		return nil, errors.New("embed: tool returned empty vector")
	}
	return payload.Embedding, nil
}

func (s *Service) buildTranscribeArgs(source, outputDir, language string, diarize bool, minSpeakers, maxSpeakers int) []string {
	args := []string{
		"whisperx",
		source,
		"--model", s.Model(),
		"--batch_size", batchSize,
		"--output_dir", outputDir,
		"--output_format", outputFormat,
	}
	if diarize {
		args = append(args, "--diarize")
		if s.cfg.HFToken != "" {
			args = append(args, "--hf_token", s.cfg.HFToken)
		}
		if minSpeakers > 0 {
			args = append(args, "--min_speakers", strconv.Itoa(minSpeakers))
		}
		if maxSpeakers > 0 {
			args = append(args, "--max_speakers", strconv.Itoa(maxSpeakers))
		}
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	if s.cfg.CUDAEnabled {
		args = append(args, "--device", cudaDevice)
	} else {
		args = append(args, "--device", cpuDevice, "--compute_type", "int8")
	}
	return args
}

func (s *Service) collectResult(source, outputDir string) (TranscribeResult, error) {
	var result TranscribeResult
	baseName := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	result.JSONPath = filepath.Join(outputDir, baseName+".json")
	result.SRTPath = filepath.Join(outputDir, baseName+".srt")

	data, err := os.ReadFile(result.JSONPath)
	if err != nil {
		return result, fmt.Errorf("whisperx: read output json: %w", err)
	}
	var payload whisperXPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return result, fmt.Errorf("whisperx: parse output json: %w", err)
	}

	result.Segments = payload.Segments
	result.Language = payload.Language

	var parts []string
	for _, segment := range payload.Segments {
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	result.Text = strings.Join(parts, " ")
	return result, nil
}

// LoadSegments loads segments from a WhisperX JSON file.
func LoadSegments(jsonPath string) ([]Segment, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	var payload whisperXPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse whisperx json: %w", err)
	}
	return payload.Segments, nil
}
