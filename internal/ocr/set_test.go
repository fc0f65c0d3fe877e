package ocr

import (
	"context"
	"testing"
	"time"

	"github.com/videolens/worker/internal/ratelimit"
)

type fakeProvider struct {
	name     string
	priority int
	limiter  *ratelimit.Limiter
	perform  func(ctx context.Context, imagePath string) (Result, error)
}

func (f *fakeProvider) Name() string                { return f.name }
func (f *fakeProvider) Priority() int               { return f.priority }
func (f *fakeProvider) MaxParallel() int            { return 3 }
func (f *fakeProvider) Limiter() *ratelimit.Limiter { return f.limiter }
func (f *fakeProvider) PerformOCR(ctx context.Context, imagePath string) (Result, error) {
	return f.perform(ctx, imagePath)
}

func TestNewSet_RequiresProviders(t *testing.T) {
	if _, err := NewSet(nil, 0); err != ErrNoProviders {
		t.Errorf("empty set: got %v", err)
	}
}

func TestSet_PriorityOrder(t *testing.T) {
	secondary := &fakeProvider{name: "secondary", priority: 1}
	primary := &fakeProvider{name: "primary", priority: 0}
	set, err := NewSet([]Provider{secondary, primary}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if p := set.Next(nil); p.Name() != "primary" {
		t.Errorf("first pick = %s", p.Name())
	}
	if p := set.Next(map[string]bool{"primary": true}); p.Name() != "secondary" {
		t.Errorf("pick after trying primary = %s", p.Name())
	}
	if p := set.Next(map[string]bool{"primary": true, "secondary": true}); p != nil {
		t.Errorf("exhausted set returned %s", p.Name())
	}
}

func TestSet_CooldownAndRecovery(t *testing.T) {
	primary := &fakeProvider{name: "primary", priority: 0}
	secondary := &fakeProvider{name: "secondary", priority: 1}
	set, err := NewSet([]Provider{primary, secondary}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	set.now = func() time.Time { return base }

	set.MarkUnavailable("primary")
	if p := set.Next(nil); p.Name() != "secondary" {
		t.Errorf("cooled-down provider still picked: %s", p.Name())
	}

	// Past the cooldown the provider rejoins at its original priority.
	set.now = func() time.Time { return base.Add(61 * time.Second) }
	if p := set.Next(nil); p.Name() != "primary" {
		t.Errorf("recovered provider not picked: %s", p.Name())
	}
}

func TestSet_Len(t *testing.T) {
	set, err := NewSet([]Provider{&fakeProvider{name: "a"}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != 1 {
		t.Errorf("Len = %d", set.Len())
	}
}
