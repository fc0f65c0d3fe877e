package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/videolens/worker/internal/analysis"
	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/media"
	"github.com/videolens/worker/internal/ratelimit"
)

// Options tune the transcription engine.
type Options struct {
	// Chunking splits long audio into overlapping chunks; each chunk is a
	// resumable unit of work.
	Chunking media.ChunkOptions
	// VADSensitivity maps to the silence threshold, 0..1. Higher values treat
	// quieter audio as speech.
	VADSensitivity float64
	// MinSilenceDuration is the minimum gap treated as silence, in seconds.
	MinSilenceDuration float64
	// MinSpeechDuration drops speech windows shorter than this, in seconds.
	MinSpeechDuration float64
	// MaxSliceDuration splits speech windows longer than this before sending
	// them to the provider, in seconds.
	MaxSliceDuration float64
	// Retry paces and retries provider calls.
	Retry ratelimit.RetryPolicy
}

// DefaultOptions returns the calibrated engine settings.
func DefaultOptions() Options {
	return Options{
		Chunking:           media.DefaultChunkOptions(),
		VADSensitivity:     0.3,
		MinSilenceDuration: 0.3,
		MinSpeechDuration:  0.10,
		MaxSliceDuration:   10,
		Retry:              ratelimit.DefaultRetryPolicy(),
	}
}

// NoiseFloorDB maps a 0..1 sensitivity to the silencedetect threshold in
// dBFS. Sensitivity 0 is -60 dB (only near-digital-silence counts as
// silence); 1 is -20 dB (most quiet audio counts as silence).
func NoiseFloorDB(sensitivity float64) float64 {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 1 {
		sensitivity = 1
	}
	return -60 + 40*sensitivity
}

// Resume carries previously persisted transcription work into a re-run.
type Resume struct {
	// CompletedChunks are chunk indexes already transcribed, sorted ascending.
	CompletedChunks []int
	// Segments are the segments produced by those chunks, with absolute times.
	Segments []analysis.Segment
}

// ChunkDoneFunc is called after each chunk completes, with the chunk index
// and the segments it produced. Returning an error aborts the run.
type ChunkDoneFunc func(chunkIndex int, segments []analysis.Segment) error

// Engine runs voice activity detection and provider transcription over the
// extracted audio.
type Engine struct {
	media    *media.Adapter
	provider Provider
	limiter  *ratelimit.Limiter
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates a transcription engine.
func NewEngine(m *media.Adapter, provider Provider, limiter *ratelimit.Limiter, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxSliceDuration <= 0 {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{media: m, provider: provider, limiter: limiter, opts: opts, logger: logger}
}

// ChunkCount returns the number of chunks the engine will split the audio
// into, for progress bookkeeping.
func (e *Engine) ChunkCount(totalDuration float64) int {
	opts := e.opts.Chunking
	if totalDuration < opts.MinDurationForChunking {
		return 1
	}
	stride := opts.ChunkDuration - opts.OverlapDuration
	if stride <= 0 {
		return 1
	}
	n := 0
	for offset := 0.0; offset < totalDuration; offset += stride {
		n++
		if offset+opts.ChunkDuration >= totalDuration {
			break
		}
	}
	return n
}

// Transcribe splits the audio into chunks, detects speech windows inside each
// chunk, transcribes the windows, and returns merged segments with absolute
// timing. Chunks listed in resume are skipped and their segments reused.
// onChunkDone fires after every newly transcribed chunk, in chunk order.
func (e *Engine) Transcribe(ctx context.Context, audioPath, workDir string, totalDuration float64, resume Resume, onChunkDone ChunkDoneFunc) ([]analysis.Segment, error) {
	chunks, err := e.media.SplitAudioIntoChunks(ctx, audioPath, workDir, totalDuration, e.opts.Chunking)
	if err != nil {
		return nil, fmt.Errorf("split audio: %w", err)
	}

	resumed := make(map[int]bool, len(resume.CompletedChunks))
	for _, idx := range resume.CompletedChunks {
		resumed[idx] = true
	}

	segments := make([]analysis.Segment, 0, len(resume.Segments))
	segments = append(segments, resume.Segments...)

	for _, chunk := range chunks {
		if resumed[chunk.Index] {
			e.logger.Debug("skipping resumed audio chunk", "chunk", chunk.Index)
			continue
		}
		if err := ctx.Err(); err != nil {
			return segments, fmt.Errorf("transcription interrupted: %w", err)
		}

		chunkSegs, err := e.transcribeChunk(ctx, chunk, workDir)
		if err != nil {
			return segments, fmt.Errorf("transcribe chunk %d: %w", chunk.Index, err)
		}
		segments = append(segments, chunkSegs...)

		if onChunkDone != nil {
			if err := onChunkDone(chunk.Index, chunkSegs); err != nil {
				return segments, err
			}
		}
	}

	return analysis.MergeSegments(segments, e.opts.Chunking.OverlapDuration), nil
}

// transcribeChunk runs VAD over one chunk and transcribes each speech window.
// Window times are chunk-relative; the returned segments carry absolute times.
func (e *Engine) transcribeChunk(ctx context.Context, chunk media.AudioChunk, workDir string) ([]analysis.Segment, error) {
	silences, err := e.media.DetectSilences(ctx, chunk.Path, NoiseFloorDB(e.opts.VADSensitivity), e.opts.MinSilenceDuration)
	if err != nil {
		return nil, fmt.Errorf("voice activity detection: %w", err)
	}

	windows := SpeechWindows(silences, chunk.Duration, e.opts.MinSpeechDuration, e.opts.MaxSliceDuration)
	if len(windows) == 0 {
		return nil, nil
	}
	if e.provider == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "no transcription provider configured")
	}

	var segments []analysis.Segment
	for i, win := range windows {
		slicePath := filepath.Join(workDir, fmt.Sprintf("speech_%03d_%03d.wav", chunk.Index, i))
		if err := e.media.ExtractAudioChunk(ctx, chunk.Path, slicePath, win.Start, win.End-win.Start); err != nil {
			return segments, fmt.Errorf("extract speech window: %w", err)
		}

		var result Result
		err := e.limiter.ExecuteWithRetry(ctx, e.opts.Retry, func(ctx context.Context) error {
			var callErr error
			result, callErr = e.provider.Transcribe(ctx, slicePath)
			return callErr
		}, nil)
		if err != nil {
			return segments, fmt.Errorf("provider %s: %w", e.provider.Name(), err)
		}

		if result.Text == "" {
			continue
		}
		segments = append(segments, analysis.Segment{
			Start:      chunk.Offset + win.Start,
			Duration:   win.End - win.Start,
			Text:       result.Text,
			Confidence: result.Confidence,
		})
	}

	return segments, nil
}

// SpeechWindows inverts the detected silences into speech intervals over
// [0, duration], drops windows shorter than minSpeech, and splits windows
// longer than maxSlice. Silences must be sorted by start time, as the
// detector emits them.
func SpeechWindows(silences []analysis.Section, duration, minSpeech, maxSlice float64) []analysis.Section {
	var speech []analysis.Section
	cursor := 0.0
	for _, s := range silences {
		if s.Start > cursor {
			speech = append(speech, analysis.Section{Start: cursor, End: s.Start})
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if cursor < duration {
		speech = append(speech, analysis.Section{Start: cursor, End: duration})
	}

	var out []analysis.Section
	for _, w := range speech {
		if w.End-w.Start < minSpeech {
			continue
		}
		for start := w.Start; start < w.End; start += maxSlice {
			end := start + maxSlice
			if end > w.End {
				end = w.End
			}
			if end-start < minSpeech && len(out) > 0 && out[len(out)-1].End == start {
				// Fold a sub-minimum tail into the previous slice.
				out[len(out)-1].End = end
				break
			}
			out = append(out, analysis.Section{Start: start, End: end})
		}
	}
	return out
}
