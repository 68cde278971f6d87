package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Waveform holds downsampled peak data for rendering a progress scrubber.
type Waveform struct {
	SampleRate int       `json:"sample_rate"`
	Duration   float64   `json:"duration"`
	Peaks      []float64 `json:"peaks"`
}

const waveformSampleRate = 8000

// GenerateWaveform decodes the source's audio into raw PCM and reduces it
// to buckets peak values in the range [0, 1].
func (t *Toolkit) GenerateWaveform(ctx context.Context, source string, buckets int) (Waveform, error) {
	var waveform Waveform
	if source == "" {
		return waveform, errors.New("media: waveform source required")
	}
	if buckets <= 0 {
		buckets = 1000
	}

	workDir, err := os.MkdirTemp("", "waveform-")
	if err != nil {
		return waveform, fmt.Errorf("media: create waveform workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	pcmPath := filepath.Join(workDir, "audio.pcm")
	_, err = t.run(ctx, t.ffmpegBinary,
		"-y",
		"-i", source,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", waveformSampleRate),
		"-ac", "1",
		pcmPath,
	)
	if err != nil {
		return waveform, fmt.Errorf("media: decode audio for waveform: %w", err)
	}

	data, err := os.ReadFile(pcmPath)
	if err != nil {
		return waveform, fmt.Errorf("media: read decoded audio: %w", err)
	}

	samples := len(data) / 2
	if samples == 0 {
		return waveform, errors.New("media: decoded audio is empty")
	}

	peaks := reducePeaks(data, samples, buckets)
	return Waveform{
		SampleRate: waveformSampleRate,
		Duration:   float64(samples) / float64(waveformSampleRate),
		Peaks:      peaks,
	}, nil
}

func reducePeaks(pcm []byte, samples, buckets int) []float64 {
	if buckets > samples {
		buckets = samples
	}
	peaks := make([]float64, buckets)
	perBucket := samples / buckets
	for bucket := 0; bucket < buckets; bucket++ {
		start := bucket * perBucket
		end := start + perBucket
		if bucket == buckets-1 {
			end = samples
		}
		var peak int16
		for i := start; i < end; i++ {
			sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
			if sample < 0 {
				if sample == -32768 {
					sample = 32767
				} else {
					sample = -sample
				}
			}
			if sample > peak {
				peak = sample
			}
		}
		peaks[bucket] = float64(peak) / 32767.0
	}
	return peaks
}
