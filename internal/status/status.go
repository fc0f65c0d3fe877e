// Package status maintains the externally observable job state: the coarse
// status row the HTTP layer serves, with a typed metadata blob carrying the
// finer phase state.
package status

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no status row exists for an uploadId.
var ErrNotFound = errors.New("status: job not found")

// State is the coarse job state.
type State string

const (
	// StatePending indicates the job is accepted but not yet started.
	StatePending State = "pending"
	// StateProcessing indicates a pipeline run is in progress.
	StateProcessing State = "processing"
	// StateCompleted indicates the report is ready.
	StateCompleted State = "completed"
	// StateError indicates a terminal failure.
	StateError State = "error"
)

// IsTerminal reports whether the state ends a run. Completed is final in the
// store; an errored job may be reopened by a resumed run.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// Metadata is the typed JSON blob carried on the status row. Field names are
// the wire contract with the status consumer.
type Metadata struct {
	Phase                  int      `json:"phase,omitempty"`
	PhaseProgress          int      `json:"phaseProgress,omitempty"`
	PhaseStatus            string   `json:"phaseStatus,omitempty"`
	SubTask                string   `json:"subTask,omitempty"`
	EstimatedTimeRemaining int      `json:"estimatedTimeRemaining,omitempty"`
	ResultKey              string   `json:"resultR2Key,omitempty"`
	FileName               string   `json:"fileName,omitempty"`
	Duration               float64  `json:"duration,omitempty"`
	SegmentCount           int      `json:"segmentCount,omitempty"`
	OCRResultCount         int      `json:"ocrResultCount,omitempty"`
	TotalScenes            int      `json:"totalScenes,omitempty"`
	ScenesWithOCR          int      `json:"scenesWithOCR,omitempty"`
	ScenesWithNarration    int      `json:"scenesWithNarration,omitempty"`
	DetectionMode          string   `json:"detectionMode,omitempty"`
	ErrorCode              string   `json:"errorCode,omitempty"`
	ErrorMessage           string   `json:"errorMessage,omitempty"`
	Signal                 string   `json:"signal,omitempty"`
	InterruptedAt          string   `json:"interruptedAt,omitempty"`
	Warnings               []string `json:"warnings,omitempty"`
}

// merge overlays non-zero fields of other onto m, so partial updates keep
// earlier metadata intact. A phase tick owns all phase-scoped fields: a new
// phase starts with phaseProgress 0 and an empty subTask, which must replace
// the previous phase's values rather than linger under them.
func (m Metadata) merge(other Metadata) Metadata {
	if other.Phase != 0 {
		m.Phase = other.Phase
		m.PhaseProgress = other.PhaseProgress
		m.PhaseStatus = other.PhaseStatus
		m.SubTask = other.SubTask
		m.EstimatedTimeRemaining = other.EstimatedTimeRemaining
	}
	if other.ResultKey != "" {
		m.ResultKey = other.ResultKey
	}
	if other.FileName != "" {
		m.FileName = other.FileName
	}
	if other.Duration != 0 {
		m.Duration = other.Duration
	}
	if other.SegmentCount != 0 {
		m.SegmentCount = other.SegmentCount
	}
	if other.OCRResultCount != 0 {
		m.OCRResultCount = other.OCRResultCount
	}
	if other.TotalScenes != 0 {
		m.TotalScenes = other.TotalScenes
	}
	if other.ScenesWithOCR != 0 {
		m.ScenesWithOCR = other.ScenesWithOCR
	}
	if other.ScenesWithNarration != 0 {
		m.ScenesWithNarration = other.ScenesWithNarration
	}
	if other.DetectionMode != "" {
		m.DetectionMode = other.DetectionMode
	}
	if other.ErrorCode != "" {
		m.ErrorCode = other.ErrorCode
	}
	if other.ErrorMessage != "" {
		m.ErrorMessage = other.ErrorMessage
	}
	if other.Signal != "" {
		m.Signal = other.Signal
	}
	if other.InterruptedAt != "" {
		m.InterruptedAt = other.InterruptedAt
	}
	if other.Warnings != nil {
		m.Warnings = other.Warnings
	}
	return m
}

// Row is one job's status record.
type Row struct {
	UploadID    string   `json:"uploadId"`
	UserID      string   `json:"userId"`
	State       State    `json:"status"`
	Progress    int      `json:"progress"`
	CurrentStep string   `json:"currentStep,omitempty"`
	ResultURL   string   `json:"resultUrl,omitempty"`
	Error       string   `json:"error,omitempty"`
	Metadata    Metadata `json:"metadata"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}

// Update is a partial status write; nil fields are left untouched.
// Metadata merges field-wise rather than replacing the blob.
type Update struct {
	State       *State
	Progress    *int
	CurrentStep *string
	ResultURL   *string
	Error       *string
	Metadata    *Metadata
}

// Store is the status persistence port. Update errors are logged by callers
// but must not crash the orchestrator; terminal Complete/Fail writes are
// retried by the caller until they stick.
type Store interface {
	// Init inserts the initial pending row; re-initializing an existing job
	// is a no-op.
	Init(ctx context.Context, uploadID, userID string) error

	// Update merges a partial update, last writer wins. Updates against a
	// completed row are silently dropped; an errored row accepts only a
	// reopen to processing, issued by a resumed run.
	Update(ctx context.Context, uploadID string, u Update) error

	// Complete finalizes the row as completed with the result reference and
	// run statistics.
	Complete(ctx context.Context, uploadID, resultKey string, stats Metadata) error

	// Fail finalizes the row as errored with a safe message and error code.
	Fail(ctx context.Context, uploadID, message, errorCode string, meta Metadata) error

	// Get returns the row or ErrNotFound. Ownership checks against userId
	// belong to the caller exposing status externally.
	Get(ctx context.Context, uploadID, userID string) (*Row, error)
}

// Ptr returns a pointer to v, for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}
