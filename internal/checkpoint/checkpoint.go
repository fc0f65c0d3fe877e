// Package checkpoint persists resumable pipeline state. One row exists per
// active job, keyed by uploadId; the orchestrator is the only writer during
// a run and saves at explicit save points.
package checkpoint

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/videolens/worker/internal/analysis"
)

// Static errors for checkpoint operations.
var (
	// ErrNotFound is returned when no checkpoint exists for an uploadId.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrVersionConflict is returned when a Save loses the optimistic
	// concurrency check; callers reload and retry.
	ErrVersionConflict = errors.New("checkpoint: version conflict")
)

// Step identifies the pipeline stage a checkpoint was taken in.
type Step string

const (
	StepDownloading     Step = "downloading"
	StepAudioExtraction Step = "audio_extraction"
	StepTranscription   Step = "transcription"
	StepSceneDetection  Step = "scene_detection"
	StepOCR             Step = "ocr"
	StepExcelGeneration Step = "excel_generation"
)

// stepOrder positions steps for the advance-only invariant.
var stepOrder = map[Step]int{
	StepDownloading:     0,
	StepAudioExtraction: 1,
	StepTranscription:   2,
	StepSceneDetection:  3,
	StepOCR:             4,
	StepExcelGeneration: 5,
}

// Reached reports whether the checkpoint's step is at or past the given step.
func (s Step) Reached(other Step) bool {
	return stepOrder[s] >= stepOrder[other]
}

// Checkpoint is the durable record of resumable pipeline state.
type Checkpoint struct {
	UploadID string `json:"uploadId"`
	UserID   string `json:"userId"`

	CurrentStep Step `json:"currentStep"`

	// Intermediate artifact object-store keys.
	IntermediateVideoPath string `json:"intermediateVideoPath,omitempty"`
	IntermediateAudioPath string `json:"intermediateAudioPath,omitempty"`

	VideoDuration    float64 `json:"videoDuration"`
	TotalAudioChunks int     `json:"totalAudioChunks"`
	TotalScenes      int     `json:"totalScenes"`

	// CompletedAudioChunks is a sorted set of chunk indices.
	CompletedAudioChunks []int `json:"completedAudioChunks"`
	// TranscriptionSegments is ordered by absolute start time.
	TranscriptionSegments []analysis.Segment `json:"transcriptionSegments"`
	// SceneCuts is strictly increasing in timestamp.
	SceneCuts []analysis.SceneCut `json:"sceneCuts"`
	// CompletedOCRScenes is a sorted set of scene indices; every member has
	// an entry in OCRResults.
	CompletedOCRScenes []int `json:"completedOcrScenes"`
	// OCRResults maps scene index to extracted text.
	OCRResults map[int]string `json:"ocrResults"`

	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	RetryCount int       `json:"retryCount"`
	// Version increases on every persisted update; writers CAS on it.
	Version int64 `json:"version"`
}

// New creates a fresh checkpoint for a job with the given TTL.
func New(uploadID, userID string, ttl time.Duration) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		UploadID:    uploadID,
		UserID:      userID,
		CurrentStep: StepDownloading,
		OCRResults:  make(map[int]string),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Expired reports whether the checkpoint's TTL has passed; the orchestrator
// treats expired checkpoints as absent.
func (c *Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// HasAudioChunk reports whether chunk index i is already transcribed.
func (c *Checkpoint) HasAudioChunk(i int) bool {
	return containsInt(c.CompletedAudioChunks, i)
}

// AddAudioChunk records chunk index i as transcribed, keeping the set sorted
// and unique.
func (c *Checkpoint) AddAudioChunk(i int) {
	c.CompletedAudioChunks = insertInt(c.CompletedAudioChunks, i)
}

// HasOCRScene reports whether scene index i already has an OCR result.
func (c *Checkpoint) HasOCRScene(i int) bool {
	return containsInt(c.CompletedOCRScenes, i)
}

// MergeOCR records a batch of OCR results, keeping the completed set sorted
// and unique.
func (c *Checkpoint) MergeOCR(completed []int, results map[int]string) {
	if c.OCRResults == nil {
		c.OCRResults = make(map[int]string, len(results))
	}
	for _, i := range completed {
		c.CompletedOCRScenes = insertInt(c.CompletedOCRScenes, i)
	}
	for i, text := range results {
		c.OCRResults[i] = text
	}
}

// Validate checks the cross-field invariants the data model guarantees.
func (c *Checkpoint) Validate() error {
	for _, i := range c.CompletedAudioChunks {
		if i < 0 || (c.TotalAudioChunks > 0 && i >= c.TotalAudioChunks) {
			return errors.New("checkpoint: completed audio chunk index out of range")
		}
	}
	for _, i := range c.CompletedOCRScenes {
		if _, ok := c.OCRResults[i]; !ok {
			return errors.New("checkpoint: completed OCR scene missing result")
		}
	}
	for i := 1; i < len(c.SceneCuts); i++ {
		if c.SceneCuts[i].Timestamp <= c.SceneCuts[i-1].Timestamp {
			return errors.New("checkpoint: scene cuts not strictly increasing")
		}
	}
	for i := 1; i < len(c.TranscriptionSegments); i++ {
		if c.TranscriptionSegments[i].Start < c.TranscriptionSegments[i-1].Start {
			return errors.New("checkpoint: transcription segments not sorted")
		}
	}
	return nil
}

// SaveOptions control how a Save mutates bookkeeping fields.
type SaveOptions struct {
	// IncrementVersion bumps the version; implementations CAS against the
	// previous value. This is the default for orchestrator save points.
	IncrementVersion bool
	// IncrementRetry bumps retryCount, used on resume and on shutdown flush.
	IncrementRetry bool
}

// Store is the durable persistence port for checkpoints.
type Store interface {
	// Load returns the checkpoint for uploadID or ErrNotFound. Expired rows
	// are returned; callers check Expired and treat them as absent.
	Load(ctx context.Context, uploadID string) (*Checkpoint, error)

	// Save writes a full snapshot. With IncrementVersion it rejects stale
	// writes with ErrVersionConflict.
	Save(ctx context.Context, cp *Checkpoint, opts SaveOptions) error

	// Delete removes the row; called on successful completion.
	Delete(ctx context.Context, uploadID string) error

	// Sweep removes all rows whose expiry precedes now and returns the count.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

func containsInt(set []int, v int) bool {
	i := sort.SearchInts(set, v)
	return i < len(set) && set[i] == v
}

func insertInt(set []int, v int) []int {
	i := sort.SearchInts(set, v)
	if i < len(set) && set[i] == v {
		return set
	}
	set = append(set, 0)
	copy(set[i+1:], set[i:])
	set[i] = v
	return set
}
