package ocr

import (
	"sort"
	"sync"
	"time"
)

// Registry accumulates OCR completions in memory between checkpoint saves.
// The engine is its only writer; the shutdown coordinator is its only other
// reader, taking a snapshot to flush unsaved work into the checkpoint.
type Registry struct {
	mu        sync.Mutex
	uploadID  string
	completed []int
	results   map[int]string
	saved     int
	updatedAt time.Time
}

// NewRegistry creates an empty registry for one job.
func NewRegistry(uploadID string) *Registry {
	return &Registry{
		uploadID: uploadID,
		results:  make(map[int]string),
	}
}

// UploadID returns the job this registry belongs to.
func (r *Registry) UploadID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploadID
}

// Record stores one scene's OCR text. Recording the same index twice keeps
// the first result.
func (r *Registry) Record(sceneIndex int, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[sceneIndex]; ok {
		return
	}
	r.results[sceneIndex] = text
	r.completed = append(r.completed, sceneIndex)
	r.updatedAt = time.Now()
}

// Snapshot returns the completed indices (sorted) and a copy of the results.
func (r *Registry) Snapshot() ([]int, map[int]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() ([]int, map[int]string) {
	completed := make([]int, len(r.completed))
	copy(completed, r.completed)
	sort.Ints(completed)

	results := make(map[int]string, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	return completed, results
}

// PendingSave returns the snapshot and whether at least interval completions
// accumulated since the last MarkSaved.
func (r *Registry) PendingSave(interval int) ([]int, map[int]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	completed, results := r.snapshotLocked()
	return completed, results, len(r.completed)-r.saved >= interval
}

// MarkSaved records that the current contents were persisted.
func (r *Registry) MarkSaved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = len(r.completed)
}

// Dirty reports whether completions accumulated since the last MarkSaved.
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed) > r.saved
}
