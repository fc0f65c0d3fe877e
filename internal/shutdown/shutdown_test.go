package shutdown

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videolens/worker/internal/checkpoint"
	"github.com/videolens/worker/internal/db"
	"github.com/videolens/worker/internal/ocr"
	"github.com/videolens/worker/internal/status"
)

type fakeJobSource struct {
	uploadID  string
	cp        *checkpoint.Checkpoint
	registry  *ocr.Registry
	cancelled bool

	// onCancel, when set, runs in place of the default cancel behavior.
	onCancel func()
	done     chan struct{}
}

func (f *fakeJobSource) Active() (string, *checkpoint.Checkpoint, *ocr.Registry, context.CancelFunc, <-chan struct{}, bool) {
	if f.uploadID == "" {
		return "", nil, nil, nil, nil, false
	}
	if f.done == nil {
		f.done = make(chan struct{})
		close(f.done)
	}
	cancel := func() { f.cancelled = true }
	if f.onCancel != nil {
		cancel = f.onCancel
	}
	return f.uploadID, f.cp, f.registry, cancel, f.done, true
}

func newTestStores(t *testing.T) (checkpoint.Store, status.Store) {
	t.Helper()
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	checkpoints, err := checkpoint.NewSQLiteStore(sqlDB)
	require.NoError(t, err)
	statuses, err := status.NewSQLiteStore(sqlDB)
	require.NoError(t, err)
	return checkpoints, statuses
}

func TestListen_ReturnsOnContextDone(t *testing.T) {
	checkpoints, statuses := newTestStores(t)
	c := New(&fakeJobSource{}, checkpoints, statuses, time.Second, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := c.Listen(ctx); code != 0 {
		t.Errorf("Listen = %d", code)
	}
	assert.False(t, c.ShuttingDown())
}

func TestCrash_FlushesInFlightJob(t *testing.T) {
	checkpoints, statuses := newTestStores(t)
	ctx := context.Background()

	cp := checkpoint.New("upload_1_abc", "alice", time.Hour)
	cp.CurrentStep = checkpoint.StepOCR
	require.NoError(t, statuses.Init(ctx, "upload_1_abc", "alice"))

	registry := ocr.NewRegistry("upload_1_abc")
	registry.Record(0, "unsaved scene text")

	jobs := &fakeJobSource{uploadID: "upload_1_abc", cp: cp, registry: registry}
	c := New(jobs, checkpoints, statuses, time.Second, slog.New(slog.DiscardHandler))

	code := c.Crash("listener failed")
	assert.Equal(t, 1, code)
	assert.True(t, c.ShuttingDown())
	assert.True(t, jobs.cancelled, "in-flight job not cancelled")

	// Unsaved OCR work landed in the checkpoint, and the resume budget was
	// charged.
	saved, err := checkpoints.Load(ctx, "upload_1_abc")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.RetryCount)
	assert.Equal(t, "unsaved scene text", saved.OCRResults[0])
	assert.Contains(t, saved.CompletedOCRScenes, 0)

	row, err := statuses.Get(ctx, "upload_1_abc", "alice")
	require.NoError(t, err)
	assert.Equal(t, status.StateError, row.State)
	assert.Equal(t, InterruptedMessage, row.Error)
	assert.Equal(t, "SERVER_SHUTDOWN", row.Metadata.ErrorCode)
	assert.Equal(t, "UNCAUGHT_EXCEPTION", row.Metadata.Signal)
	assert.NotEmpty(t, row.Metadata.InterruptedAt)
}

func TestCrash_WaitsForRunToStopBeforeFlushing(t *testing.T) {
	checkpoints, statuses := newTestStores(t)
	ctx := context.Background()

	cp := checkpoint.New("upload_1_abc", "alice", time.Hour)
	require.NoError(t, statuses.Init(ctx, "upload_1_abc", "alice"))

	// The run goroutine keeps mutating the checkpoint until it observes the
	// cancel; work it records in that window must land in the flush.
	done := make(chan struct{})
	jobs := &fakeJobSource{
		uploadID: "upload_1_abc",
		cp:       cp,
		registry: ocr.NewRegistry("upload_1_abc"),
		done:     done,
		onCancel: func() {
			go func() {
				cp.AddAudioChunk(5)
				cp.CurrentStep = checkpoint.StepTranscription
				close(done)
			}()
		},
	}
	c := New(jobs, checkpoints, statuses, time.Second, slog.New(slog.DiscardHandler))

	code := c.Crash("listener failed")
	assert.Equal(t, 1, code)

	saved, err := checkpoints.Load(ctx, "upload_1_abc")
	require.NoError(t, err)
	assert.Contains(t, saved.CompletedAudioChunks, 5, "late chunk recorded before the run stopped must be flushed")
	assert.Equal(t, checkpoint.StepTranscription, saved.CurrentStep)
}

func TestCrash_IdleWorkerWritesNothing(t *testing.T) {
	checkpoints, statuses := newTestStores(t)
	c := New(&fakeJobSource{}, checkpoints, statuses, time.Second, slog.New(slog.DiscardHandler))

	code := c.Crash("listener failed")
	assert.Equal(t, 1, code)
	assert.True(t, c.ShuttingDown())

	_, err := checkpoints.Load(context.Background(), "upload_1_abc")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}
