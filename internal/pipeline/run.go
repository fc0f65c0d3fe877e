package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/videolens/worker/internal/analysis"
	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/checkpoint"
	"github.com/videolens/worker/internal/media"
	"github.com/videolens/worker/internal/objectstore"
	"github.com/videolens/worker/internal/ocr"
	"github.com/videolens/worker/internal/progress"
	"github.com/videolens/worker/internal/report"
	"github.com/videolens/worker/internal/status"
	"github.com/videolens/worker/internal/transcribe"
)

// Run executes one job. The run is detached from the caller's context: a
// client disconnect must not abort a job mid-pipeline, so cancellation comes
// only from the shutdown coordinator via the run's own cancel. Run returns
// apperr.KindCancelled when interrupted that way, in which case the
// coordinator owns the terminal status write; every other failure is
// finalized here.
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	if req.DetectionMode == "" {
		req.DetectionMode = ModeStandard
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	state := &runState{req: req, cancel: cancel, started: time.Now(), done: make(chan struct{})}
	if err := o.begin(state); err != nil {
		return err
	}
	defer o.end()
	defer close(state.done)

	logger := o.deps.Logger.With("uploadId", req.UploadID)

	if err := o.deps.Status.Init(runCtx, req.UploadID, req.UserID); err != nil {
		return fmt.Errorf("init status: %w", err)
	}

	cp, err := o.loadOrCreateCheckpoint(runCtx, req)
	if err != nil {
		o.failJob(req, err)
		return err
	}
	state.cp = cp
	state.registry = ocr.NewRegistry(req.UploadID)

	workspace, err := ensureInside(o.opts.TempDir, req.UploadID)
	if err != nil {
		o.failJob(req, err)
		return err
	}
	if err := os.MkdirAll(workspace, 0o750); err != nil {
		err = apperr.Wrap(apperr.KindInternal, "create workspace", err)
		o.failJob(req, err)
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			logger.Warn("workspace cleanup failed", "error", rmErr)
		}
	}()

	if cp.RetryCount > 0 {
		logger.Info("resuming job", "retryCount", cp.RetryCount, "step", cp.CurrentStep)
	}

	stats, err := o.execute(runCtx, state, workspace, logger)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindCancelled {
			// The shutdown coordinator flushes the checkpoint and writes the
			// terminal status.
			logger.Info("job interrupted")
			return err
		}
		o.flushCheckpoint(cp, state.registry, logger)
		o.failJob(req, err)
		return err
	}

	resultKey := objectstore.GenerateResultKey(req.UserID, req.UploadID)
	o.finalize(req.UploadID, func(fctx context.Context) error {
		return o.deps.Status.Complete(fctx, req.UploadID, resultKey, stats)
	})
	if err := o.deps.Checkpoints.Delete(context.Background(), req.UploadID); err != nil {
		logger.Warn("checkpoint delete failed", "error", err)
	}
	logger.Info("job completed", "totalScenes", stats.TotalScenes, "segments", stats.SegmentCount)
	return nil
}

// execute runs the nine phases and returns the completion statistics.
func (o *Orchestrator) execute(ctx context.Context, state *runState, workspace string, logger *slog.Logger) (status.Metadata, error) {
	req, cp := state.req, state.cp
	var warnings []string

	// Phase 1: download the source video.
	videoPath, err := ensureInside(workspace, "source"+filepath.Ext(req.SourceKey))
	if err != nil {
		return status.Metadata{}, err
	}
	band := phases[0]
	o.reportPhase(ctx, state, band, 0, "")
	err = o.runStage(ctx, "download", 2, func(sctx context.Context) error {
		opts := o.opts.Download
		lastPct := -1
		opts.OnProgress = func(received, total int64) {
			if total <= 0 {
				return
			}
			pct := int(received * 100 / total)
			if pct != lastPct && pct%5 == 0 {
				lastPct = pct
				o.reportPhase(sctx, state, band, float64(received)/float64(total),
					fmt.Sprintf("Downloading %d/%d MiB", received>>20, total>>20))
			}
		}
		return o.deps.Store.DownloadRanged(sctx, req.SourceKey, videoPath, opts)
	})
	if err != nil {
		return status.Metadata{}, err
	}
	cp.IntermediateVideoPath = req.SourceKey

	// Phase 2: probe.
	band = phases[1]
	o.reportPhase(ctx, state, band, 0, "")
	var meta media.Metadata
	err = o.runStage(ctx, "probe", 1, func(sctx context.Context) error {
		var probeErr error
		meta, probeErr = o.deps.Media.Probe(sctx, videoPath)
		return probeErr
	})
	if err != nil {
		return status.Metadata{}, err
	}
	cp.VideoDuration = meta.Duration
	o.reportPhase(ctx, state, band, 1, fmt.Sprintf("%.0fs, %dx%d", meta.Duration, meta.Width, meta.Height))

	// Phases 3 and 4: audio extraction and transcription. Videos without an
	// audio track skip both.
	var segments []analysis.Segment
	if meta.HasAudio {
		audioPath := filepath.Join(workspace, "audio.wav")
		band = phases[2]
		o.reportPhase(ctx, state, band, 0, "")
		err = o.runStage(ctx, "audio extraction", 2, func(sctx context.Context) error {
			return o.deps.Media.ExtractAudioForASR(sctx, videoPath, audioPath, media.DefaultAudioOptions())
		})
		if err != nil {
			return status.Metadata{}, err
		}
		if !cp.CurrentStep.Reached(checkpoint.StepAudioExtraction) {
			cp.CurrentStep = checkpoint.StepAudioExtraction
		}
		o.reportPhase(ctx, state, band, 1, "")

		band = phases[3]
		o.reportPhase(ctx, state, band, 0, "")
		segments, err = o.transcribeAudio(ctx, state, audioPath, workspace, meta.Duration, band)
		if err != nil {
			return status.Metadata{}, err
		}
	} else {
		logger.Info("video has no audio track, skipping transcription")
	}

	// Phase 5: scene detection.
	band = phases[4]
	o.reportPhase(ctx, state, band, 0, "")
	cuts, err := o.detectScenes(ctx, state, videoPath, meta.Duration, band)
	if err != nil {
		return status.Metadata{}, err
	}
	scenes := analysis.BuildScenes(cuts, meta.Duration, o.opts.MinSceneDuration)
	cp.TotalScenes = len(scenes)
	o.reportPhase(ctx, state, band, 1, fmt.Sprintf("%d scenes", len(scenes)))

	// Phase 6: frame extraction. Per-frame failures degrade to an empty
	// frame; the scene still flows through OCR and the report.
	band = phases[5]
	o.reportPhase(ctx, state, band, 0, "")
	framePaths, failedFrames, err := o.extractFrames(ctx, state, videoPath, scenes, workspace, band)
	if err != nil {
		return status.Metadata{}, err
	}
	if failedFrames > 0 {
		warnings = append(warnings, fmt.Sprintf("frame extraction failed for %d of %d scenes", failedFrames, len(scenes)))
	}

	// Phase 7: OCR.
	band = phases[6]
	o.reportPhase(ctx, state, band, 0, "")
	results, ocrWarnings, err := o.runOCR(ctx, state, scenes, framePaths, band)
	if err != nil {
		return status.Metadata{}, err
	}
	warnings = append(warnings, ocrWarnings...)

	// Phase 8: post-processing and report assembly.
	band = phases[7]
	o.reportPhase(ctx, state, band, 0, "")
	applyOCR(scenes, results)
	scenes = ocr.FilterPersistentOverlays(scenes)
	scenes = ocr.SuppressConsecutiveDuplicates(scenes)
	analysis.AttachNarration(scenes, segments)

	rep := report.Build(scenes, segments, report.Info{
		FileName:      req.FileName,
		Duration:      meta.Duration,
		DetectionMode: req.DetectionMode,
	})
	workbook, err := rep.Encode()
	if err != nil {
		return status.Metadata{}, fmt.Errorf("assemble report: %w", err)
	}
	cp.CurrentStep = checkpoint.StepExcelGeneration
	if err := o.saveCheckpoint(ctx, cp); err != nil {
		logger.Warn("checkpoint save failed", "error", err)
	}
	o.reportPhase(ctx, state, band, 1, "")

	// Phase 9: upload the report, then remove intermediates.
	band = phases[8]
	o.reportPhase(ctx, state, band, 0, "")
	resultKey := objectstore.GenerateResultKey(req.UserID, req.UploadID)
	err = o.runStage(ctx, "upload report", 2, func(sctx context.Context) error {
		return o.deps.Store.Upload(sctx, resultKey, workbook, report.MIME)
	})
	if err != nil {
		return status.Metadata{}, err
	}
	o.cleanupIntermediates(ctx, state, logger)
	o.reportPhase(ctx, state, band, 1, "")

	repStats := rep.Stats()
	return status.Metadata{
		ResultKey:           resultKey,
		FileName:            req.FileName,
		Duration:            repStats.Duration,
		SegmentCount:        repStats.SegmentCount,
		OCRResultCount:      repStats.OCRResultCount,
		TotalScenes:         repStats.TotalScenes,
		ScenesWithOCR:       repStats.ScenesWithOCR,
		ScenesWithNarration: repStats.ScenesWithNarration,
		DetectionMode:       req.DetectionMode,
		Warnings:            warnings,
	}, nil
}

// transcribeAudio runs the transcription engine with checkpoint resume and
// per-chunk save points.
func (o *Orchestrator) transcribeAudio(ctx context.Context, state *runState, audioPath, workspace string, duration float64, band phaseBand) ([]analysis.Segment, error) {
	cp := state.cp
	cp.TotalAudioChunks = o.deps.Transcriber.ChunkCount(duration)
	resume := transcribe.Resume{
		CompletedChunks: cp.CompletedAudioChunks,
		Segments:        cp.TranscriptionSegments,
	}

	done := len(cp.CompletedAudioChunks)
	var segments []analysis.Segment
	err := o.runStage(ctx, "transcription", 1, func(sctx context.Context) error {
		var runErr error
		segments, runErr = o.deps.Transcriber.Transcribe(sctx, audioPath, workspace, duration, resume,
			func(chunkIndex int, chunkSegs []analysis.Segment) error {
				cp.AddAudioChunk(chunkIndex)
				cp.TranscriptionSegments = append(cp.TranscriptionSegments, chunkSegs...)
				sort.Slice(cp.TranscriptionSegments, func(i, j int) bool {
					return cp.TranscriptionSegments[i].Start < cp.TranscriptionSegments[j].Start
				})
				cp.CurrentStep = checkpoint.StepTranscription
				done++
				if cp.TotalAudioChunks > 0 {
					o.reportPhase(sctx, state, band, float64(done)/float64(cp.TotalAudioChunks),
						fmt.Sprintf("Audio chunk %d/%d", done, cp.TotalAudioChunks))
				}
				if !saveDue(done, cp.TotalAudioChunks, o.opts.CheckpointInterval) {
					return nil
				}
				return o.saveCheckpoint(sctx, cp)
			})
		return runErr
	})
	if err != nil {
		return nil, err
	}

	cp.TranscriptionSegments = segments
	o.reportPhase(ctx, state, band, 1, fmt.Sprintf("%d segments", len(segments)))
	return segments, nil
}

// detectScenes reuses checkpointed cuts when the run already passed scene
// detection; otherwise it runs the detector, optionally merged with the
// enhanced-mode detectors, and persists the cuts.
func (o *Orchestrator) detectScenes(ctx context.Context, state *runState, videoPath string, duration float64, band phaseBand) ([]analysis.SceneCut, error) {
	cp := state.cp
	if len(cp.SceneCuts) > 0 && cp.CurrentStep.Reached(checkpoint.StepSceneDetection) {
		return cp.SceneCuts, nil
	}

	var cuts []analysis.SceneCut
	err := o.runStage(ctx, "scene detection", 2, func(sctx context.Context) error {
		detected, detectErr := o.deps.Media.DetectSceneCuts(sctx, videoPath, duration,
			o.opts.SceneThresholds, o.opts.SceneMinInterval, func(pct float64) {
				o.reportPhase(sctx, state, band, pct/100, "")
			})
		if detectErr != nil {
			return detectErr
		}

		if state.req.DetectionMode == ModeEnhanced {
			extra, enhErr := o.deps.Media.DetectEnhancedCuts(sctx, videoPath, duration)
			if enhErr != nil {
				return enhErr
			}
			detected = analysis.MergeCutsWindow(detected, extra, media.EnhancedMergeWindow())
			detected = analysis.FilterMinInterval(detected, o.opts.SceneMinInterval)
		}
		cuts = detected
		return nil
	})
	if err != nil {
		return nil, err
	}

	cp.SceneCuts = cuts
	cp.CurrentStep = checkpoint.StepSceneDetection
	if err := o.saveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist scene cuts: %w", err)
	}
	return cuts, nil
}

// extractFrames extracts each scene's mid-point frame with bounded
// concurrency. A failed frame leaves an empty path and is counted, not fatal.
func (o *Orchestrator) extractFrames(ctx context.Context, state *runState, videoPath string, scenes []analysis.Scene, workspace string, band phaseBand) ([]string, int, error) {
	framesDir := filepath.Join(workspace, "frames")
	if err := os.MkdirAll(framesDir, 0o750); err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInternal, "create frames dir", err)
	}

	framePaths := make([]string, len(scenes))
	failures := make([]bool, len(scenes))

	err := o.runStage(ctx, "frame extraction", 2, func(sctx context.Context) error {
		g, gctx := errgroup.WithContext(sctx)
		g.SetLimit(o.opts.FrameConcurrency)

		var done atomic.Int64
		for i := range scenes {
			// Scenes with a checkpointed OCR result never reach a provider,
			// so their frames are not needed on resume.
			if state.cp.HasOCRScene(i) {
				continue
			}
			if framePaths[i] != "" || failures[i] {
				continue
			}
			g.Go(func() error {
				out := filepath.Join(framesDir, fmt.Sprintf("scene_%04d.jpg", i))
				extractErr := o.deps.Media.ExtractFrame(gctx, videoPath, scenes[i].MidTime(), out, media.FrameOptions{})
				if extractErr != nil {
					if apperr.KindOf(extractErr) == apperr.KindCancelled {
						return extractErr
					}
					failures[i] = true
					return nil
				}
				framePaths[i] = out
				if n := done.Add(1); n%10 == 0 {
					o.reportPhase(gctx, state, band, float64(n)/float64(len(scenes)),
						fmt.Sprintf("Frame %d/%d", n, len(scenes)))
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, 0, err
	}

	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}
	return framePaths, failed, nil
}

// runOCR drives the OCR engine, wiring its save points into the checkpoint
// and its progress into the status row.
func (o *Orchestrator) runOCR(ctx context.Context, state *runState, scenes []analysis.Scene, framePaths []string, band phaseBand) (map[int]ocr.Result, []string, error) {
	cp := state.cp
	if len(scenes) == 0 {
		return map[int]ocr.Result{}, nil, nil
	}

	tracker, err := progress.New(state.req.UploadID, len(scenes), "OCR processing",
		func(completed, total int, subTask string) {
			o.reportPhase(ctx, state, band, float64(completed)/float64(total), subTask)
		}, o.opts.ProgressThrottle)
	if err != nil {
		return nil, nil, err
	}

	save := func(sctx context.Context, completed []int, results map[int]string) error {
		cp.MergeOCR(completed, results)
		cp.CurrentStep = checkpoint.StepOCR
		return o.saveCheckpoint(sctx, cp)
	}

	results, warnings, err := o.deps.OCR.Process(ctx, state.registry,
		sceneInputs(scenes, framePaths), resumeOCRResults(cp), save, tracker)
	if err != nil {
		return nil, nil, err
	}
	return results, warnings, nil
}

// cleanupIntermediates removes the uploaded source after a successful run
// unless the user consented to retention. Deletion failures only warn; the
// checkpoint TTL sweep is the backstop.
func (o *Orchestrator) cleanupIntermediates(ctx context.Context, state *runState, logger *slog.Logger) {
	if state.req.DataConsent {
		return
	}
	if key := state.cp.IntermediateVideoPath; key != "" {
		if err := o.deps.Store.Delete(ctx, key); err != nil {
			logger.Warn("intermediate video delete failed", "key", key, "error", err)
		}
	}
	if key := state.cp.IntermediateAudioPath; key != "" {
		if err := o.deps.Store.Delete(ctx, key); err != nil {
			logger.Warn("intermediate audio delete failed", "key", key, "error", err)
		}
	}
}

// loadOrCreateCheckpoint loads the job's checkpoint, treating expired rows as
// absent. A resumed checkpoint consumes one resume retry; an exhausted budget
// fails the job immediately.
func (o *Orchestrator) loadOrCreateCheckpoint(ctx context.Context, req Request) (*checkpoint.Checkpoint, error) {
	cp, err := o.deps.Checkpoints.Load(ctx, req.UploadID)
	if err == checkpoint.ErrNotFound {
		return checkpoint.New(req.UploadID, req.UserID, o.opts.CheckpointTTL), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Expired(time.Now()) {
		if delErr := o.deps.Checkpoints.Delete(ctx, req.UploadID); delErr != nil {
			o.deps.Logger.Warn("expired checkpoint delete failed", "uploadId", req.UploadID, "error", delErr)
		}
		return checkpoint.New(req.UploadID, req.UserID, o.opts.CheckpointTTL), nil
	}
	if err := cp.Validate(); err != nil {
		o.deps.Logger.Warn("checkpoint failed validation, starting fresh", "uploadId", req.UploadID, "error", err)
		return checkpoint.New(req.UploadID, req.UserID, o.opts.CheckpointTTL), nil
	}

	if cp.RetryCount >= o.opts.MaxResumeRetries {
		return nil, apperr.Newf(apperr.KindResumeBudgetExhausted,
			"job was resumed %d times without completing", cp.RetryCount)
	}
	if err := o.deps.Checkpoints.Save(ctx, cp, checkpoint.SaveOptions{IncrementRetry: true}); err != nil {
		return nil, fmt.Errorf("record resume attempt: %w", err)
	}
	return cp, nil
}

// flushCheckpoint merges unsaved OCR work into the checkpoint and persists it
// before a failure is finalized, so a later retry resumes from it.
func (o *Orchestrator) flushCheckpoint(cp *checkpoint.Checkpoint, registry *ocr.Registry, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if registry != nil && registry.Dirty() {
		completed, results := registry.Snapshot()
		cp.MergeOCR(completed, results)
	}
	if err := o.saveCheckpoint(ctx, cp); err != nil {
		logger.Warn("checkpoint flush failed", "uploadId", cp.UploadID, "error", err)
	}
}

// failJob finalizes the status row for a non-cancellation failure. Messages
// surface the error kind as a stable code and a redacted message.
func (o *Orchestrator) failJob(req Request, err error) {
	kind := apperr.KindOf(err)
	msg := safeMessage(kind)
	o.finalize(req.UploadID, func(fctx context.Context) error {
		return o.deps.Status.Fail(fctx, req.UploadID, msg, string(kind), status.Metadata{
			ErrorCode:    string(kind),
			ErrorMessage: msg,
		})
	})
	o.deps.Logger.Error("job failed", "uploadId", req.UploadID, "kind", kind, "error", err)
}

// saveDue reports whether a transcription save point falls on the done-th
// completed chunk. The final chunk always saves so a finished phase never
// reruns.
func saveDue(done, total, interval int) bool {
	if interval <= 1 {
		return true
	}
	return done%interval == 0 || done == total
}

// ensureInside joins name onto dir and rejects any result that resolves
// outside dir. Request fields never become path components without it.
func ensureInside(dir, name string) (string, error) {
	path := filepath.Clean(filepath.Join(dir, name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.New(apperr.KindInvalidArgument, "path escapes workspace")
	}
	return path, nil
}

// safeMessage maps an error kind to the user-facing failure message. Raw
// error text never reaches the status row.
func safeMessage(kind apperr.Kind) string {
	switch kind {
	case apperr.KindInvalidArgument:
		return "The request was invalid."
	case apperr.KindPermissionDenied:
		return "You do not have access to this upload."
	case apperr.KindNotFound:
		return "The uploaded video could not be found."
	case apperr.KindTimeout, apperr.KindTransientExternal, apperr.KindRateLimited:
		return "Processing failed due to a temporary problem. Please try again."
	case apperr.KindResumeBudgetExhausted:
		return "Processing failed repeatedly and will not be retried automatically."
	case apperr.KindPermanentExternal:
		return "The video could not be processed."
	default:
		return "Processing failed due to an internal error."
	}
}
