package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videolens/worker/internal/checkpoint"
	"github.com/videolens/worker/internal/db"
	"github.com/videolens/worker/internal/pipeline"
	"github.com/videolens/worker/internal/status"
)

type stubShutdown bool

func (s stubShutdown) ShuttingDown() bool { return bool(s) }

func newTestHandlers(t *testing.T, draining bool) *Handlers {
	t.Helper()
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	statuses, err := status.NewSQLiteStore(sqlDB)
	require.NoError(t, err)
	checkpoints, err := checkpoint.NewSQLiteStore(sqlDB)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	return NewHandlers(&pipeline.Orchestrator{}, nil, statuses, checkpoints, stubShutdown(draining), logger)
}

func newTestRouter(t *testing.T, draining bool) http.Handler {
	t.Helper()
	return NewRouter(newTestHandlers(t, draining), "worker-secret", slog.New(slog.DiscardHandler))
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer worker-secret")
	return req
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestAuth(t *testing.T) {
	router := newTestRouter(t, false)

	// Health is exempt.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Everything else requires the bearer token.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/upload_1_abc?userId=alice", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/upload_1_abc?userId=alice", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProcess_InvalidJSON(t *testing.T) {
	router := newTestRouter(t, false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("{not json"))))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_JSON", resp.Code)
}

func TestProcess_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{"uploadId": "upload_1_abc"}`},
		{"bad detection mode", `{"uploadId": "upload_1_abc", "userId": "alice", "r2Key": "uploads/alice/upload_1_abc/source.mp4", "fileName": "a.mp4", "detectionMode": "turbo"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, false)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(tt.body))))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "VALIDATION_ERROR", resp.Code)
		})
	}
}

func TestProcess_BadUploadID(t *testing.T) {
	router := newTestRouter(t, false)
	body := `{"uploadId": "not-an-upload", "userId": "alice", "r2Key": "uploads/alice/upload_1_abc/source.mp4", "fileName": "a.mp4"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcess_OwnershipMismatch(t *testing.T) {
	router := newTestRouter(t, false)
	body := `{"uploadId": "upload_1_abc", "userId": "mallory", "r2Key": "uploads/alice/upload_1_abc/source.mp4", "fileName": "a.mp4"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body))))

	require.Equal(t, http.StatusForbidden, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PERMISSION_DENIED", resp.Code)
}

func TestProcess_RejectedWhileDraining(t *testing.T) {
	router := newTestRouter(t, true)
	body := `{"uploadId": "upload_1_abc", "userId": "alice", "r2Key": "uploads/alice/upload_1_abc/source.mp4", "fileName": "a.mp4"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body))))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SERVER_SHUTDOWN", resp.Code)
}

func TestProcess_ClientDisconnectDoesNotOrphanJob(t *testing.T) {
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	statuses, err := status.NewSQLiteStore(sqlDB)
	require.NoError(t, err)
	checkpoints, err := checkpoint.NewSQLiteStore(sqlDB)
	require.NoError(t, err)

	opts := pipeline.DefaultOptions()
	opts.TempDir = t.TempDir()
	orch := pipeline.New(pipeline.Deps{
		Status:      statuses,
		Checkpoints: checkpoints,
		Logger:      slog.New(slog.DiscardHandler),
	}, opts)

	// The run terminates in the status store before needing any media or
	// object-store dependency: the resume budget is already exhausted.
	cp := checkpoint.New("upload_1_abc", "alice", time.Hour)
	cp.RetryCount = opts.MaxResumeRetries
	require.NoError(t, checkpoints.Save(context.Background(), cp, checkpoint.SaveOptions{IncrementVersion: true}))

	handlers := NewHandlers(orch, nil, statuses, checkpoints, stubShutdown(false), slog.New(slog.DiscardHandler))
	router := NewRouter(handlers, "worker-secret", slog.New(slog.DiscardHandler))

	// The client is gone before the handler runs the pipeline.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := `{"uploadId": "upload_1_abc", "userId": "alice", "r2Key": "uploads/alice/upload_1_abc/source.mp4", "fileName": "a.mp4"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body)).WithContext(ctx))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The run outlived the request context and finalized the status row
	// instead of leaving it dangling.
	row, err := statuses.Get(context.Background(), "upload_1_abc", "alice")
	require.NoError(t, err)
	assert.Equal(t, status.StateError, row.State)
	assert.Equal(t, "RESUME_BUDGET_EXHAUSTED", row.Metadata.ErrorCode)
}

func TestGetStatus(t *testing.T) {
	handlers := newTestHandlers(t, false)
	router := NewRouter(handlers, "worker-secret", slog.New(slog.DiscardHandler))

	ctx := context.Background()
	require.NoError(t, handlers.statuses.Init(ctx, "upload_1_abc", "alice"))
	require.NoError(t, handlers.statuses.Update(ctx, "upload_1_abc", status.Update{
		State:    status.Ptr(status.StateProcessing),
		Progress: status.Ptr(42),
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/status/upload_1_abc?userId=alice", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var row status.Row
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, status.StateProcessing, row.State)
	assert.Equal(t, 42, row.Progress)

	// Wrong owner and unknown job are indistinguishable.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/status/upload_1_abc?userId=mallory", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/status/upload_9_zzz?userId=alice", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/status/upload_1_abc", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetResult_NotReady(t *testing.T) {
	handlers := newTestHandlers(t, false)
	router := NewRouter(handlers, "worker-secret", slog.New(slog.DiscardHandler))

	require.NoError(t, handlers.statuses.Init(context.Background(), "upload_1_abc", "alice"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/result/upload_1_abc?userId=alice", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweepCheckpoints(t *testing.T) {
	router := newTestRouter(t, false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/cron/cleanup-checkpoints", nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SweepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.DeletedCount)
}
