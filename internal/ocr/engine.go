package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/progress"
	"github.com/videolens/worker/internal/ratelimit"
)

// WarnProvidersUnavailable is the single job warning emitted when every
// provider is exhausted for at least one scene.
const WarnProvidersUnavailable = "OCR providers unavailable; some scenes have no on-screen text"

// SceneInput identifies one frame to OCR.
type SceneInput struct {
	// Index is the zero-based scene index, stable across resumes.
	Index int
	// FramePath is the extracted mid-point frame on disk. Empty when frame
	// extraction failed; the scene completes with empty text.
	FramePath string
}

// SaveFunc persists a snapshot of completed OCR work into the checkpoint.
type SaveFunc func(ctx context.Context, completed []int, results map[int]string) error

// Options tune the OCR engine.
type Options struct {
	// BatchSize is the number of scenes processed per batch.
	BatchSize int
	// Parallel bounds concurrent scenes in flight per batch.
	Parallel int
	// SaveInterval is the completion count between intra-batch saves.
	SaveInterval int
	// Retry paces and retries calls to one provider before failing over.
	Retry ratelimit.RetryPolicy
}

// DefaultOptions returns the calibrated engine settings.
func DefaultOptions() Options {
	return Options{
		BatchSize:    100,
		Parallel:     3,
		SaveInterval: 10,
		Retry:        ratelimit.DefaultRetryPolicy(),
	}
}

// Engine drives OCR over the scene frames.
type Engine struct {
	set    *Set
	opts   Options
	logger *slog.Logger
}

// NewEngine creates an OCR engine over the provider set.
func NewEngine(set *Set, opts Options, logger *slog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{set: set, opts: opts, logger: logger}
}

// Process runs OCR over all scenes and returns per-scene results plus job
// warnings. Scenes present in resume are recorded verbatim without a
// provider call. Work is batched; completions are persisted through save
// every SaveInterval completions and at every batch boundary, so an
// interrupted run loses at most one save interval of work.
func (e *Engine) Process(ctx context.Context, registry *Registry, scenes []SceneInput, resume map[int]string, save SaveFunc, tracker *progress.Tracker) (map[int]Result, []string, error) {
	results := make(map[int]Result, len(scenes))
	var (
		resultsMu sync.Mutex
		saveMu    sync.Mutex

		warnedUnavailable bool
	)

	for _, s := range scenes {
		if text, ok := resume[s.Index]; ok {
			registry.Record(s.Index, text)
			results[s.Index] = Result{Text: text, Provider: "checkpoint"}
			tracker.Increment(fmt.Sprintf("scene %d", s.Index+1))
		}
	}
	registry.MarkSaved()

	persist := func() error {
		saveMu.Lock()
		defer saveMu.Unlock()
		if !registry.Dirty() {
			return nil
		}
		completed, snapshot := registry.Snapshot()
		if err := save(ctx, completed, snapshot); err != nil {
			return fmt.Errorf("persist OCR progress: %w", err)
		}
		registry.MarkSaved()
		return nil
	}

	for start := 0; start < len(scenes); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(scenes) {
			end = len(scenes)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Parallel)
		for _, s := range scenes[start:end] {
			if _, ok := resume[s.Index]; ok {
				continue
			}
			g.Go(func() error {
				res, warn, err := e.ocrScene(gctx, s)
				if err != nil {
					return err
				}

				registry.Record(s.Index, res.Text)
				resultsMu.Lock()
				results[s.Index] = res
				if warn && !warnedUnavailable {
					warnedUnavailable = true
				}
				resultsMu.Unlock()
				tracker.Increment(fmt.Sprintf("scene %d", s.Index+1))

				if _, _, due := registry.PendingSave(e.opts.SaveInterval); due {
					return persist()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// Flush whatever completed before surfacing the failure.
			_ = persist()
			return results, nil, err
		}
		if err := persist(); err != nil {
			return results, nil, err
		}
	}

	var warnings []string
	if warnedUnavailable {
		warnings = append(warnings, WarnProvidersUnavailable)
	}
	return results, warnings, nil
}

// ocrScene runs one frame through the provider set with failover. A
// permanent provider error completes the scene with empty text; only
// cancellation propagates as an error. The boolean reports that every
// provider was exhausted.
func (e *Engine) ocrScene(ctx context.Context, scene SceneInput) (Result, bool, error) {
	if scene.FramePath == "" {
		return Result{}, false, nil
	}

	tried := make(map[string]bool, e.set.Len())
	for {
		p := e.set.Next(tried)
		if p == nil {
			e.logger.Warn("all OCR providers unavailable", "scene", scene.Index)
			return Result{}, true, nil
		}
		tried[p.Name()] = true

		var res Result
		err := p.Limiter().ExecuteWithRetry(ctx, e.opts.Retry, func(ctx context.Context) error {
			var callErr error
			res, callErr = p.PerformOCR(ctx, scene.FramePath)
			return callErr
		}, nil)
		if err == nil {
			return res, false, nil
		}

		kind := apperr.KindOf(err)
		if kind == apperr.KindCancelled {
			return Result{}, false, err
		}
		if !apperr.Retryable(err) {
			e.logger.Warn("OCR provider permanent failure, scene completes empty",
				"scene", scene.Index, "provider", p.Name(), "error", err)
			return Result{Provider: p.Name()}, false, nil
		}

		e.logger.Warn("OCR provider exhausted retries, failing over",
			"scene", scene.Index, "provider", p.Name(), "error", err)
		e.set.MarkUnavailable(p.Name())
	}
}
