package media

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/videolens/worker/internal/analysis"
)

// AudioOptions tune the ASR-ready audio extraction.
type AudioOptions struct {
	SampleRate        int
	Mono              bool
	Denoise           bool
	LoudnessNormalize bool
}

// DefaultAudioOptions returns the ASR extraction settings: 16 kHz mono.
func DefaultAudioOptions() AudioOptions {
	return AudioOptions{SampleRate: 16000, Mono: true}
}

// ExtractAudioForASR extracts the audio track as ASR-ready PCM/WAV.
func (a *Adapter) ExtractAudioForASR(ctx context.Context, video, out string, opts AudioOptions) error {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}

	args := []string{
		"-y",
		"-i", video,
		"-vn",
		"-ar", strconv.Itoa(opts.SampleRate),
	}
	if opts.Mono {
		args = append(args, "-ac", "1")
	}

	var filters []string
	if opts.Denoise {
		filters = append(filters, "afftdn=nf=-25")
	}
	if opts.LoudnessNormalize {
		filters = append(filters, "loudnorm=I=-16:TP=-1.5:LRA=11")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	args = append(args, out)

	_, err := a.run(ctx, a.timeouts.AudioExtract, a.ffmpegPath, args, nil)
	return err
}

// ExtractAudioChunk slices [start, start+duration) of audio into out as
// 16 kHz mono PCM.
func (a *Adapter) ExtractAudioChunk(ctx context.Context, audio, out string, start, duration float64) error {
	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-i", audio,
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		out,
	}
	_, err := a.run(ctx, a.timeouts.AudioChunk, a.ffmpegPath, args, nil)
	return err
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?[0-9.]+)`)
)

// DetectSilences runs the silencedetect filter and returns the silence
// intervals. noiseDB is the silence threshold in dBFS; minSilence is the
// minimum silence length in seconds.
func (a *Adapter) DetectSilences(ctx context.Context, audio string, noiseDB float64, minSilence float64) ([]analysis.Section, error) {
	filter := fmt.Sprintf("silencedetect=noise=%.0fdB:d=%s", noiseDB, formatSeconds(minSilence))
	args := []string{
		"-i", audio,
		"-af", filter,
		"-f", "null", "-",
	}

	var sections []analysis.Section
	var pendingStart *float64
	onLine := func(line string) {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				start := v
				if start < 0 {
					start = 0
				}
				pendingStart = &start
			}
			return
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && pendingStart != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				sections = append(sections, analysis.Section{Start: *pendingStart, End: v})
				pendingStart = nil
			}
		}
	}

	if err := a.runExpectFailure(ctx, a.timeouts.AudioExtract, args, onLine); err != nil {
		return nil, err
	}
	return sections, nil
}

// AudioChunk is one slice of the extracted audio, with its absolute offset.
type AudioChunk struct {
	Index    int
	Path     string
	Offset   float64
	Duration float64
}

// ChunkOptions tune SplitAudioIntoChunks.
type ChunkOptions struct {
	// ChunkDuration is the target chunk length in seconds.
	ChunkDuration float64
	// OverlapDuration extends each chunk past the next one's start so speech
	// at the boundary is not cut; duplicates are removed after transcription.
	OverlapDuration float64
	// MinDurationForChunking skips splitting entirely for short audio.
	MinDurationForChunking float64
}

// DefaultChunkOptions returns 5-minute chunks with 1s overlap, splitting only
// audio longer than 10 minutes.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{ChunkDuration: 300, OverlapDuration: 1, MinDurationForChunking: 600}
}

// SplitAudioIntoChunks slices audio into overlapping chunks under outDir.
// Audio shorter than the chunking threshold is returned as a single chunk
// pointing at the original file.
func (a *Adapter) SplitAudioIntoChunks(ctx context.Context, audio, outDir string, totalDuration float64, opts ChunkOptions) ([]AudioChunk, error) {
	if opts.ChunkDuration <= 0 {
		opts = DefaultChunkOptions()
	}

	if totalDuration < opts.MinDurationForChunking {
		return []AudioChunk{{Index: 0, Path: audio, Offset: 0, Duration: totalDuration}}, nil
	}

	stride := opts.ChunkDuration - opts.OverlapDuration
	var chunks []AudioChunk
	for offset := 0.0; offset < totalDuration; offset += stride {
		dur := opts.ChunkDuration
		if offset+dur > totalDuration {
			dur = totalDuration - offset
		}
		idx := len(chunks)
		out := filepath.Join(outDir, fmt.Sprintf("chunk_%03d.wav", idx))
		if err := a.ExtractAudioChunk(ctx, audio, out, offset, dur); err != nil {
			return nil, fmt.Errorf("extract audio chunk %d: %w", idx, err)
		}
		chunks = append(chunks, AudioChunk{Index: idx, Path: out, Offset: offset, Duration: dur})
		if offset+dur >= totalDuration {
			break
		}
	}
	return chunks, nil
}

// formatSeconds renders a timestamp for an ffmpeg argument.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
