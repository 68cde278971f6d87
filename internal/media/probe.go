// Package media shells out to ffprobe and ffmpeg for container
// validation, audio extraction, and waveform rendering.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const (
	// FFprobeCommand is the default ffprobe binary name.
	FFprobeCommand = "ffprobe"
	// FFmpegCommand is the default ffmpeg binary name.
	FFmpegCommand = "ffmpeg"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Toolkit wraps the ffprobe/ffmpeg binaries. The command runner is
// injectable for tests.
type Toolkit struct {
	ffprobeBinary string
	ffmpegBinary  string
	runner        CommandRunner
}

// NewToolkit creates a toolkit using the default binary names when the
// arguments are empty.
func NewToolkit(ffprobeBinary, ffmpegBinary string) *Toolkit {
	if ffprobeBinary == "" {
		ffprobeBinary = FFprobeCommand
	}
	if ffmpegBinary == "" {
		ffmpegBinary = FFmpegCommand
	}
	return &Toolkit{ffprobeBinary: ffprobeBinary, ffmpegBinary: ffmpegBinary}
}

// WithCommandRunner sets a custom command runner (for testing).
func (t *Toolkit) WithCommandRunner(runner CommandRunner) {
	t.runner = runner
}

func (t *Toolkit) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if t.runner != nil {
		return t.runner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return output, nil
}

// ProbeResult summarizes the media container as reported by ffprobe.
type ProbeResult struct {
	Format     string
	Duration   float64
	BitRate    int64
	HasAudio   bool
	HasVideo   bool
	AudioCodec string
	SampleRate int
	Channels   int
}

type ffprobePayload struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Probe inspects a media file and returns its format summary. A file
// ffprobe cannot parse at all yields an error rather than an empty result.
func (t *Toolkit) Probe(ctx context.Context, path string) (ProbeResult, error) {
	var result ProbeResult
	if path == "" {
		return result, errors.New("media: probe path required")
	}

	output, err := t.run(ctx, t.ffprobeBinary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return result, fmt.Errorf("media: probe %s: %w", path, err)
	}

	var payload ffprobePayload
	if err := json.Unmarshal(output, &payload); err != nil {
		return result, fmt.Errorf("media: parse ffprobe output for %s: %w", path, err)
	}

	result.Format = payload.Format.FormatName
	if payload.Format.Duration != "" {
		if duration, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil {
			result.Duration = duration
		}
	}
	if payload.Format.BitRate != "" {
		if bitRate, err := strconv.ParseInt(payload.Format.BitRate, 10, 64); err == nil {
			result.BitRate = bitRate
		}
	}
	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "audio":
			result.HasAudio = true
			if result.AudioCodec == "" {
				result.AudioCodec = stream.CodecName
				result.Channels = stream.Channels
				if rate, err := strconv.Atoi(stream.SampleRate); err == nil {
					result.SampleRate = rate
				}
			}
		case "video":
			result.HasVideo = true
		}
	}
	return result, nil
}

// ExtractAudio converts the source's audio track into a mono 16kHz WAV
// file, the format the transcription and embedding tools expect.
func (t *Toolkit) ExtractAudio(ctx context.Context, source, dest string) error {
	if source == "" || dest == "" {
		return errors.New("media: extract requires source and dest")
	}
	_, err := t.run(ctx, t.ffmpegBinary,
		"-y",
		"-i", source,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dest,
	)
	if err != nil {
		return fmt.Errorf("media: extract audio from %s: %w", source, err)
	}
	return nil
}
