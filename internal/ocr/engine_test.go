package ocr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/progress"
	"github.com/videolens/worker/internal/ratelimit"
)

func fastRetry() ratelimit.RetryPolicy {
	return ratelimit.RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.NewLimiter(6000000)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func newTestEngine(t *testing.T, providers ...Provider) *Engine {
	t.Helper()
	set, err := NewSet(providers, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(set, Options{BatchSize: 100, Parallel: 3, SaveInterval: 10, Retry: fastRetry()}, nil)
}

func newTestTracker(t *testing.T, total int) *progress.Tracker {
	t.Helper()
	tr, err := progress.New("upload_1_abc", total, "OCR processing", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func noopSave(context.Context, []int, map[int]string) error { return nil }

type countingProvider struct {
	fakeProvider
	mu    sync.Mutex
	paths []string
}

func newCountingProvider(t *testing.T, name string, priority int, perform func(string) (Result, error)) *countingProvider {
	p := &countingProvider{}
	p.name = name
	p.priority = priority
	p.limiter = newTestLimiter(t)
	p.perform = func(ctx context.Context, imagePath string) (Result, error) {
		p.mu.Lock()
		p.paths = append(p.paths, imagePath)
		p.mu.Unlock()
		return perform(imagePath)
	}
	return p
}

func (p *countingProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paths)
}

func TestEngine_Process(t *testing.T) {
	provider := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		return Result{Text: "text for " + path, Confidence: 0.9, Provider: "primary"}, nil
	})
	engine := newTestEngine(t, provider)

	scenes := []SceneInput{
		{Index: 0, FramePath: "f0.jpg"},
		{Index: 1, FramePath: "f1.jpg"},
		{Index: 2, FramePath: "f2.jpg"},
	}
	registry := NewRegistry("upload_1_abc")
	results, warnings, err := engine.Process(context.Background(), registry, scenes, nil, noopSave, newTestTracker(t, len(scenes)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if len(results) != 3 || results[1].Text != "text for f1.jpg" {
		t.Errorf("results = %+v", results)
	}
	if provider.calls() != 3 {
		t.Errorf("provider calls = %d", provider.calls())
	}
	completed, _ := registry.Snapshot()
	if len(completed) != 3 {
		t.Errorf("registry completed = %v", completed)
	}
}

func TestEngine_ResumedScenesSkipProviders(t *testing.T) {
	provider := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		return Result{Text: "fresh", Provider: "primary"}, nil
	})
	engine := newTestEngine(t, provider)

	scenes := []SceneInput{
		{Index: 0, FramePath: "f0.jpg"},
		{Index: 1, FramePath: "f1.jpg"},
		{Index: 2, FramePath: "f2.jpg"},
	}
	resume := map[int]string{0: "from checkpoint", 2: "also resumed"}

	registry := NewRegistry("upload_1_abc")
	results, _, err := engine.Process(context.Background(), registry, scenes, resume, noopSave, newTestTracker(t, len(scenes)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls())
	}
	if results[0].Text != "from checkpoint" || results[0].Provider != "checkpoint" {
		t.Errorf("resumed result = %+v", results[0])
	}
	if results[1].Text != "fresh" {
		t.Errorf("fresh result = %+v", results[1])
	}
}

func TestEngine_FailoverToSecondary(t *testing.T) {
	primary := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		return Result{}, apperr.New(apperr.KindTransientExternal, "upstream flapping")
	})
	secondary := newCountingProvider(t, "secondary", 1, func(path string) (Result, error) {
		return Result{Text: "rescued", Provider: "secondary"}, nil
	})
	engine := newTestEngine(t, primary, secondary)

	scenes := []SceneInput{{Index: 0, FramePath: "f0.jpg"}}
	registry := NewRegistry("upload_1_abc")
	results, warnings, err := engine.Process(context.Background(), registry, scenes, nil, noopSave, newTestTracker(t, 1))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Provider != "secondary" || results[0].Text != "rescued" {
		t.Errorf("result = %+v", results[0])
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	// The primary burned its full retry budget before failing over.
	if primary.calls() != 2 {
		t.Errorf("primary calls = %d", primary.calls())
	}
}

func TestEngine_AllProvidersUnavailable(t *testing.T) {
	provider := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		return Result{}, apperr.New(apperr.KindRateLimited, "quota exhausted")
	})
	engine := newTestEngine(t, provider)

	scenes := []SceneInput{{Index: 0, FramePath: "f0.jpg"}}
	registry := NewRegistry("upload_1_abc")
	results, warnings, err := engine.Process(context.Background(), registry, scenes, nil, noopSave, newTestTracker(t, 1))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Text != "" {
		t.Errorf("result = %+v", results[0])
	}
	if len(warnings) != 1 || warnings[0] != WarnProvidersUnavailable {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestEngine_PermanentErrorCompletesSceneEmpty(t *testing.T) {
	provider := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		return Result{}, apperr.New(apperr.KindPermanentExternal, "image rejected")
	})
	engine := newTestEngine(t, provider)

	scenes := []SceneInput{{Index: 0, FramePath: "f0.jpg"}}
	registry := NewRegistry("upload_1_abc")
	results, warnings, err := engine.Process(context.Background(), registry, scenes, nil, noopSave, newTestTracker(t, 1))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Text != "" || results[0].Provider != "primary" {
		t.Errorf("result = %+v", results[0])
	}
	if len(warnings) != 0 {
		t.Errorf("permanent error is not a provider-availability warning: %v", warnings)
	}
	if provider.calls() != 1 {
		t.Errorf("permanent error retried: %d calls", provider.calls())
	}
}

func TestEngine_MissingFrameCompletesEmpty(t *testing.T) {
	provider := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		return Result{Text: "should not run"}, nil
	})
	engine := newTestEngine(t, provider)

	scenes := []SceneInput{{Index: 0, FramePath: ""}}
	registry := NewRegistry("upload_1_abc")
	results, _, err := engine.Process(context.Background(), registry, scenes, nil, noopSave, newTestTracker(t, 1))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Text != "" || provider.calls() != 0 {
		t.Errorf("missing frame reached a provider: %+v calls=%d", results[0], provider.calls())
	}
}

func TestEngine_SavesAtIntervalAndBatchEnd(t *testing.T) {
	provider := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		return Result{Text: "x", Provider: "primary"}, nil
	})
	set, err := NewSet([]Provider{provider}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(set, Options{BatchSize: 3, Parallel: 1, SaveInterval: 2, Retry: fastRetry()}, nil)

	var mu sync.Mutex
	var saves [][]int
	save := func(ctx context.Context, completed []int, results map[int]string) error {
		mu.Lock()
		saves = append(saves, completed)
		mu.Unlock()
		return nil
	}

	scenes := make([]SceneInput, 5)
	for i := range scenes {
		scenes[i] = SceneInput{Index: i, FramePath: "f.jpg"}
	}
	registry := NewRegistry("upload_1_abc")
	if _, _, err := engine.Process(context.Background(), registry, scenes, nil, save, newTestTracker(t, 5)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(saves) < 2 {
		t.Fatalf("saves = %d, want interval saves plus batch flushes", len(saves))
	}
	last := saves[len(saves)-1]
	if len(last) != 5 {
		t.Errorf("final save covers %d scenes, want 5", len(last))
	}
	if registry.Dirty() {
		t.Error("registry dirty after final save")
	}
}

func TestEngine_CancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := newCountingProvider(t, "primary", 0, func(path string) (Result, error) {
		cancel()
		return Result{}, apperr.Wrap(apperr.KindCancelled, "interrupted", context.Canceled)
	})
	engine := newTestEngine(t, provider)

	scenes := []SceneInput{{Index: 0, FramePath: "f0.jpg"}}
	registry := NewRegistry("upload_1_abc")
	_, _, err := engine.Process(ctx, registry, scenes, nil, noopSave, newTestTracker(t, 1))
	if apperr.KindOf(err) != apperr.KindCancelled {
		t.Errorf("expected cancellation to propagate, got %v", err)
	}
}
