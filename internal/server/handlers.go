package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/checkpoint"
	"github.com/videolens/worker/internal/objectstore"
	"github.com/videolens/worker/internal/pipeline"
	"github.com/videolens/worker/internal/report"
	"github.com/videolens/worker/internal/status"
)

// Build information, set at link time.
var (
	Revision  = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

// ShutdownState reports whether the process is draining; new jobs are
// rejected once it is set.
type ShutdownState interface {
	ShuttingDown() bool
}

// Handlers contains the HTTP handlers for the worker API.
type Handlers struct {
	orchestrator *pipeline.Orchestrator
	store        *objectstore.Client
	statuses     status.Store
	checkpoints  checkpoint.Store
	shutdown     ShutdownState
	validator    *validator.Validate
	logger       *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(orchestrator *pipeline.Orchestrator, store *objectstore.Client, statuses status.Store, checkpoints checkpoint.Store, shutdown ShutdownState, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		orchestrator: orchestrator,
		store:        store,
		statuses:     statuses,
		checkpoints:  checkpoints,
		shutdown:     shutdown,
		validator:    validator.New(),
		logger:       logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Revision:  Revision,
		BuildTime: BuildTime,
		Commit:    Commit,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Process handles POST /process requests. The acknowledgement is written and
// flushed before processing starts; the connection is then held open while
// the pipeline runs, so the platform does not reap the worker mid-job.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	if !objectstore.ValidateUploadID(req.UploadID) {
		writeError(w, http.StatusBadRequest, "uploadId has invalid format", "VALIDATION_ERROR")
		return
	}
	if err := objectstore.VerifyOwnership(req.R2Key, req.UserID); err != nil {
		kind := apperr.KindOf(err)
		writeError(w, apperr.HTTPStatus(kind), "r2Key does not belong to userId", string(kind))
		return
	}

	if h.shutdown.ShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "worker is shutting down", "SERVER_SHUTDOWN")
		return
	}
	if h.orchestrator.Busy() {
		writeError(w, http.StatusTooManyRequests, "worker is processing another job", "RATE_LIMITED")
		return
	}

	mode := req.DetectionMode
	if mode == "" {
		mode = pipeline.ModeStandard
	}
	writeJSON(w, http.StatusAccepted, ProcessResponse{
		Success:       true,
		UploadID:      req.UploadID,
		Status:        "processing",
		DetectionMode: mode,
	})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	err := h.orchestrator.Run(r.Context(), pipeline.Request{
		UploadID:      req.UploadID,
		UserID:        req.UserID,
		SourceKey:     req.R2Key,
		FileName:      req.FileName,
		DetectionMode: mode,
		DataConsent:   req.DataConsent,
	})
	if err != nil {
		// The response is already committed; the outcome lives in the status
		// row the client polls.
		h.logger.Error("processing failed",
			slog.String("upload_id", req.UploadID),
			slog.String("error", err.Error()),
		)
	}
}

// GetStatus handles GET /status/{uploadId} requests. The userId query
// parameter scopes the read to the owner.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	userID := r.URL.Query().Get("userId")
	if uploadID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "uploadId and userId are required", "VALIDATION_ERROR")
		return
	}

	row, err := h.statuses.Get(r.Context(), uploadID, userID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		h.logger.Error("failed to get status",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get status", "INTERNAL")
		return
	}
	if row.UserID != userID {
		// Same response as an unknown job so ownership cannot be probed.
		writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return
	}

	writeJSON(w, http.StatusOK, row)
}

// GetResult handles GET /result/{uploadId} requests, streaming the finished
// workbook.
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	userID := r.URL.Query().Get("userId")
	if uploadID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "uploadId and userId are required", "VALIDATION_ERROR")
		return
	}

	row, err := h.statuses.Get(r.Context(), uploadID, userID)
	if err != nil || row.UserID != userID {
		writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return
	}
	if row.State != status.StateCompleted || row.Metadata.ResultKey == "" {
		writeError(w, http.StatusNotFound, "result not ready", "NOT_FOUND")
		return
	}

	data, err := h.store.Download(r.Context(), row.Metadata.ResultKey)
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindNotFound {
			writeError(w, http.StatusNotFound, "result object missing", "NOT_FOUND")
			return
		}
		h.logger.Error("failed to download result",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to fetch result", string(kind))
		return
	}

	w.Header().Set("Content-Type", report.MIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("result write interrupted", slog.String("upload_id", uploadID))
	}
}

// SweepCheckpoints handles POST /cron/cleanup-checkpoints requests.
func (h *Handlers) SweepCheckpoints(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.checkpoints.Sweep(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("checkpoint sweep failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "sweep failed", "INTERNAL")
		return
	}
	h.logger.Info("checkpoint sweep completed", slog.Int("deleted", deleted))
	writeJSON(w, http.StatusOK, SweepResponse{DeletedCount: deleted})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, statusCode int, message, code string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
