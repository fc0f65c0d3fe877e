// Package progress provides a throttled completion counter with
// guaranteed-final-emission semantics. The OCR engine increments it from all
// of its workers, so every operation is safe under concurrent writers.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/videolens/worker/internal/apperr"
)

// EmitFunc receives a throttled progress emission. subTask is the formatted
// phase-specific label, e.g. "Processing frame 500/3106 (16%)".
type EmitFunc func(completed, total int, subTask string)

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	Completed int
	Total     int
	LastItem  string
}

// Tracker counts completed items for one pipeline phase and invokes its
// callback at most once per throttle window. The emission for the final item
// is never dropped.
type Tracker struct {
	mu         sync.Mutex
	uploadID   string
	phaseLabel string
	total      int
	completed  int
	lastItem   string
	lastEmit   time.Time
	throttle   time.Duration
	onProgress EmitFunc

	now func() time.Time
}

// New creates a Tracker for totalItems items. onProgress may be nil, in which
// case emissions are dropped but counting still works.
func New(uploadID string, totalItems int, phaseLabel string, onProgress EmitFunc, throttle time.Duration) (*Tracker, error) {
	if totalItems <= 0 {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "totalItems must be positive, got %d", totalItems)
	}
	return &Tracker{
		uploadID:   uploadID,
		phaseLabel: phaseLabel,
		total:      totalItems,
		throttle:   throttle,
		onProgress: onProgress,
		now:        time.Now,
	}, nil
}

// Increment bumps the completed counter, capped at the total, and emits if
// the throttle window elapsed or the phase just completed. Skipped emissions
// do not accumulate.
func (t *Tracker) Increment(itemLabel string) {
	t.mu.Lock()

	if t.completed < t.total {
		t.completed++
	}
	if itemLabel != "" {
		t.lastItem = itemLabel
	}

	final := t.completed == t.total
	now := t.now()
	shouldEmit := final || t.lastEmit.IsZero() || now.Sub(t.lastEmit) >= t.throttle
	var (
		emit      EmitFunc
		completed int
		total     int
		subTask   string
	)
	if shouldEmit && t.onProgress != nil {
		t.lastEmit = now
		emit = t.onProgress
		completed = t.completed
		total = t.total
		subTask = t.formatLocked()
	}
	t.mu.Unlock()

	// Invoke outside the lock; the callback writes to the status store.
	if emit != nil {
		emit(completed, total, subTask)
	}
}

// SetTotalItems adjusts the total. It fails if n is below the completed count.
func (t *Tracker) SetTotalItems(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < t.completed {
		return apperr.Newf(apperr.KindInvalidArgument, "total %d below completed %d", n, t.completed)
	}
	t.total = n
	return nil
}

// Reset clears the counter and the throttle state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = 0
	t.lastItem = ""
	t.lastEmit = time.Time{}
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Completed: t.completed, Total: t.total, LastItem: t.lastItem}
}

// FormatSubTask returns the phase-specific progress label,
// e.g. "OCR processing 50/50 (100%)".
func (t *Tracker) FormatSubTask() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.formatLocked()
}

func (t *Tracker) formatLocked() string {
	pct := 0
	if t.total > 0 {
		pct = t.completed * 100 / t.total
	}
	return fmt.Sprintf("%s %d/%d (%d%%)", t.phaseLabel, t.completed, t.total, pct)
}
