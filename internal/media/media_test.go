package media_test

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"strings"
	"testing"

	"chorus/internal/media"
)

func TestProbeParsesStreams(t *testing.T) {
	toolkit := media.NewToolkit("", "")
	toolkit.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != media.FFprobeCommand {
			t.Errorf("unexpected binary %q", name)
		}
		joined := strings.Join(args, " ")
		for _, want := range []string{"-show_format", "-show_streams", "-print_format json"} {
			if !strings.Contains(joined, want) {
				t.Errorf("args missing %q: %v", want, args)
			}
		}
		return []byte(`{
			"format": {"format_name": "matroska,webm", "duration": "125.300000", "bit_rate": "256000"},
			"streams": [
				{"codec_type": "video", "codec_name": "h264"},
				{"codec_type": "audio", "codec_name": "opus", "sample_rate": "48000", "channels": 2}
			]
		}`), nil
	})

	result, err := toolkit.Probe(context.Background(), "input.mkv")
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !result.HasAudio || !result.HasVideo {
		t.Fatalf("stream flags lost: %+v", result)
	}
	if result.AudioCodec != "opus" || result.SampleRate != 48000 || result.Channels != 2 {
		t.Fatalf("audio stream fields lost: %+v", result)
	}
	if result.Duration != 125.3 || result.BitRate != 256000 {
		t.Fatalf("format fields lost: %+v", result)
	}
}

func TestProbeRejectsUnparseableOutput(t *testing.T) {
	toolkit := media.NewToolkit("", "")
	toolkit.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("not json"), nil
	})
	if _, err := toolkit.Probe(context.Background(), "input.mkv"); err == nil {
		t.Fatal("expected a parse error")
	}
	if _, err := toolkit.Probe(context.Background(), ""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestExtractAudioBuildsMono16kArgs(t *testing.T) {
	toolkit := media.NewToolkit("", "")
	var gotArgs []string
	toolkit.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != media.FFmpegCommand {
			t.Errorf("unexpected binary %q", name)
		}
		gotArgs = args
		return nil, nil
	})

	if err := toolkit.ExtractAudio(context.Background(), "in.mkv", "out.wav"); err != nil {
		t.Fatalf("ExtractAudio failed: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"-i in.mkv", "-ar 16000", "-ac 1", "pcm_s16le", "out.wav"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, gotArgs)
		}
	}
}

func TestGenerateWaveformReducesPeaks(t *testing.T) {
	// 4 buckets of ramped PCM: each bucket peaks at a known amplitude.
	amplitudes := []int16{8192, 16384, 24576, 32767}
	const perBucket = 100
	pcm := make([]byte, 0, len(amplitudes)*perBucket*2)
	for _, amplitude := range amplitudes {
		for i := 0; i < perBucket; i++ {
			sample := int16(0)
			if i == perBucket/2 {
				sample = amplitude
			}
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], uint16(sample))
			pcm = append(pcm, buf[:]...)
		}
	}

	toolkit := media.NewToolkit("", "")
	toolkit.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		// The decode step writes raw PCM to the last argument.
		return nil, os.WriteFile(args[len(args)-1], pcm, 0o644)
	})

	waveform, err := toolkit.GenerateWaveform(context.Background(), "in.wav", 4)
	if err != nil {
		t.Fatalf("GenerateWaveform failed: %v", err)
	}
	if len(waveform.Peaks) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(waveform.Peaks))
	}
	for i, amplitude := range amplitudes {
		want := float64(amplitude) / 32767.0
		if math.Abs(waveform.Peaks[i]-want) > 1e-9 {
			t.Fatalf("bucket %d: got %f, want %f", i, waveform.Peaks[i], want)
		}
	}
	if waveform.Peaks[3] != 1.0 {
		t.Fatalf("full-scale sample must normalize to 1.0, got %f", waveform.Peaks[3])
	}

	wantDuration := float64(len(amplitudes)*perBucket) / float64(waveform.SampleRate)
	if math.Abs(waveform.Duration-wantDuration) > 1e-9 {
		t.Fatalf("duration mismatch: got %f, want %f", waveform.Duration, wantDuration)
	}
}

func TestGenerateWaveformRejectsEmptyAudio(t *testing.T) {
	toolkit := media.NewToolkit("", "")
	toolkit.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, os.WriteFile(args[len(args)-1], nil, 0o644)
	})
	if _, err := toolkit.GenerateWaveform(context.Background(), "in.wav", 10); err == nil {
		t.Fatal("expected an error for empty decoded audio")
	}
}
