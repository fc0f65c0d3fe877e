// Package pipeline orchestrates one video analysis job end to end: download,
// audio extraction, transcription, scene detection, frame extraction, OCR,
// report assembly, and upload. The orchestrator owns checkpoint save points
// and all status writes during a run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/videolens/worker/internal/analysis"
	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/checkpoint"
	"github.com/videolens/worker/internal/media"
	"github.com/videolens/worker/internal/objectstore"
	"github.com/videolens/worker/internal/ocr"
	"github.com/videolens/worker/internal/status"
	"github.com/videolens/worker/internal/transcribe"
)

// Detection modes accepted on a process request.
const (
	ModeStandard = "standard"
	ModeEnhanced = "enhanced"
)

// ErrBusy is returned when a run is requested while another is in flight;
// the worker processes one job at a time.
var ErrBusy = apperr.New(apperr.KindRateLimited, "worker is processing another job")

// Request describes one job.
type Request struct {
	UploadID      string
	UserID        string
	SourceKey     string
	FileName      string
	DetectionMode string
	DataConsent   bool
}

// Options tune the orchestrator. All values have working defaults.
type Options struct {
	TempDir          string
	SceneThresholds  []float64
	SceneMinInterval float64
	MinSceneDuration float64
	FrameConcurrency int
	CheckpointTTL    time.Duration
	// CheckpointInterval is the completion count between transcription save
	// points; the final chunk always saves.
	CheckpointInterval int
	MaxResumeRetries   int
	ProgressThrottle   time.Duration
	Download           objectstore.RangedOptions
}

// DefaultOptions returns the calibrated orchestrator settings.
func DefaultOptions() Options {
	return Options{
		TempDir:            "/tmp/videolens",
		SceneThresholds:    media.DefaultSceneThresholds,
		SceneMinInterval:   media.MinSceneInterval,
		MinSceneDuration:   0.8,
		FrameConcurrency:   4,
		CheckpointTTL:      7 * 24 * time.Hour,
		CheckpointInterval: 10,
		MaxResumeRetries:   3,
		ProgressThrottle:   2 * time.Second,
	}
}

// Deps are the ports the orchestrator drives.
type Deps struct {
	Store       *objectstore.Client
	Media       *media.Adapter
	Transcriber *transcribe.Engine
	OCR         *ocr.Engine
	Status      status.Store
	Checkpoints checkpoint.Store
	Logger      *slog.Logger
}

// runState is the in-flight job the shutdown coordinator flushes.
type runState struct {
	req      Request
	cp       *checkpoint.Checkpoint
	registry *ocr.Registry
	cancel   context.CancelFunc
	started  time.Time
	// done closes when Run returns; the checkpoint must not be read or
	// written by anyone else until then.
	done chan struct{}
	// maxPct is the high-water mark of the overall progress percentage.
	maxPct atomic.Int64
}

// Orchestrator runs jobs one at a time.
type Orchestrator struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	current *runState
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.FrameConcurrency <= 0 {
		opts = DefaultOptions()
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// Busy reports whether a job is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Active returns the in-flight job's checkpoint and OCR registry for the
// shutdown flush, or false when idle. Cancel aborts the run; done closes once
// the run has returned, and the checkpoint may only be touched after that.
func (o *Orchestrator) Active() (uploadID string, cp *checkpoint.Checkpoint, registry *ocr.Registry, cancel context.CancelFunc, done <-chan struct{}, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return "", nil, nil, nil, nil, false
	}
	return o.current.req.UploadID, o.current.cp, o.current.registry, o.current.cancel, o.current.done, true
}

func (o *Orchestrator) begin(state *runState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return ErrBusy
	}
	o.current = state
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = nil
}

// phase bands map pipeline stages onto overall progress percentages.
type phaseBand struct {
	phase      int
	label      string
	start, end int
}

var phases = []phaseBand{
	{1, "Downloading video", 0, 10},
	{2, "Probing video", 10, 12},
	{3, "Extracting audio", 12, 20},
	{4, "Transcribing audio", 20, 35},
	{5, "Detecting scenes", 35, 50},
	{6, "Extracting frames", 50, 65},
	{7, "OCR processing", 65, 90},
	{8, "Assembling report", 90, 97},
	{9, "Uploading report", 97, 100},
}

// overall maps a phase-local completion fraction onto the overall percentage.
func (b phaseBand) overall(fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return b.start + int(float64(b.end-b.start)*fraction)
}

// reportPhase writes a throttle-free status update for a phase boundary or a
// phase-internal progress tick. Status write failures are logged, never fatal.
// The overall percentage never decreases: a retried download chunk re-reports
// a lower byte count, which must not roll the row's progress back.
func (o *Orchestrator) reportPhase(ctx context.Context, state *runState, band phaseBand, fraction float64, subTask string) {
	pct := band.overall(fraction)
	for {
		prev := state.maxPct.Load()
		if int64(pct) <= prev {
			pct = int(prev)
			break
		}
		if state.maxPct.CompareAndSwap(prev, int64(pct)) {
			break
		}
	}
	meta := status.Metadata{
		Phase:         band.phase,
		PhaseProgress: int(fraction * 100),
		PhaseStatus:   band.label,
		SubTask:       subTask,
	}
	if eta := estimateRemaining(state.started, pct); eta > 0 {
		meta.EstimatedTimeRemaining = eta
	}

	u := status.Update{
		State:       status.Ptr(status.StateProcessing),
		Progress:    status.Ptr(pct),
		CurrentStep: status.Ptr(band.label),
		Metadata:    &meta,
	}
	if err := o.deps.Status.Update(ctx, state.req.UploadID, u); err != nil {
		o.deps.Logger.Warn("status update failed", "uploadId", state.req.UploadID, "error", err)
	}
}

// estimateRemaining projects the remaining seconds from elapsed time and
// overall progress. Early phases give noisy estimates; below 5% none is made.
func estimateRemaining(started time.Time, pct int) int {
	if pct < 5 || pct >= 100 {
		return 0
	}
	elapsed := time.Since(started).Seconds()
	return int(elapsed * float64(100-pct) / float64(pct))
}

// runStage runs fn with a small retry budget. Only retryable errors consume
// the budget; everything else fails the stage immediately.
func (o *Orchestrator) runStage(ctx context.Context, name string, attempts int, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.KindCancelled, name+" interrupted", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperr.Retryable(err) || attempt == attempts {
			return fmt.Errorf("%s: %w", name, err)
		}
		lastErr = err
		o.deps.Logger.Warn("stage failed, retrying", "stage", name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindCancelled, name+" interrupted", ctx.Err())
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("%s: %w", name, lastErr)
}

// saveCheckpoint persists the checkpoint with a version bump. A version
// conflict means the shutdown flush raced a save point; the persisted row is
// newer, so the local version is adopted and the write retried once.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	err := o.deps.Checkpoints.Save(ctx, cp, checkpoint.SaveOptions{IncrementVersion: true})
	if err == nil {
		return nil
	}
	if err != checkpoint.ErrVersionConflict {
		return err
	}

	stored, loadErr := o.deps.Checkpoints.Load(ctx, cp.UploadID)
	if loadErr != nil {
		return fmt.Errorf("reload after version conflict: %w", loadErr)
	}
	cp.Version = stored.Version
	cp.RetryCount = stored.RetryCount
	return o.deps.Checkpoints.Save(ctx, cp, checkpoint.SaveOptions{IncrementVersion: true})
}

// finalize retries a terminal status write until it sticks or the budget
// runs out; losing a terminal write leaves the job dangling in "processing".
func (o *Orchestrator) finalize(uploadID string, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for attempt := 0; attempt < 3; attempt++ {
		if err := write(ctx); err == nil {
			return
		} else if attempt == 2 {
			o.deps.Logger.Error("terminal status write failed", "uploadId", uploadID, "error", err)
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// applyOCR copies OCR results onto the scene list by scene index.
func applyOCR(scenes []analysis.Scene, results map[int]ocr.Result) {
	for i := range scenes {
		if res, ok := results[i]; ok {
			scenes[i].OCRText = res.Text
			scenes[i].OCRConfidence = res.Confidence
		}
	}
}

// sceneInputs pairs scene indices with their extracted frame paths.
func sceneInputs(scenes []analysis.Scene, framePaths []string) []ocr.SceneInput {
	inputs := make([]ocr.SceneInput, len(scenes))
	for i := range scenes {
		inputs[i] = ocr.SceneInput{Index: i, FramePath: framePaths[i]}
	}
	return inputs
}

// resumeOCRResults extracts the verbatim-preserved OCR results from the
// checkpoint, keyed only by completed scene indices.
func resumeOCRResults(cp *checkpoint.Checkpoint) map[int]string {
	out := make(map[int]string, len(cp.CompletedOCRScenes))
	for _, i := range cp.CompletedOCRScenes {
		if text, ok := cp.OCRResults[i]; ok {
			out[i] = text
		}
	}
	return out
}
