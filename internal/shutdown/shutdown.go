// Package shutdown coordinates graceful termination: on the first signal the
// in-flight job is cancelled, its unsaved OCR work is flushed into the
// checkpoint, and the status row is finalized so the client can retry. The
// process then exits within a short grace window.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/videolens/worker/internal/apperr"
	"github.com/videolens/worker/internal/checkpoint"
	"github.com/videolens/worker/internal/ocr"
	"github.com/videolens/worker/internal/status"
)

// InterruptedMessage is the user-facing message written on shutdown.
const InterruptedMessage = "Processing was interrupted. Please try uploading again."

// JobSource exposes the in-flight job, if any.
type JobSource interface {
	// Active returns the running job's checkpoint and OCR registry, plus a
	// cancel that aborts the run and a done channel that closes once the run
	// has returned. The checkpoint is only safe to touch after done closes.
	// ok is false when the worker is idle.
	Active() (uploadID string, cp *checkpoint.Checkpoint, registry *ocr.Registry, cancel context.CancelFunc, done <-chan struct{}, ok bool)
}

// Coordinator owns the signal handling and the shutdown flush.
type Coordinator struct {
	jobs        JobSource
	checkpoints checkpoint.Store
	statuses    status.Store
	grace       time.Duration
	logger      *slog.Logger

	shuttingDown atomic.Bool
}

// New creates a Coordinator. A non-positive grace defaults to 3 seconds.
func New(jobs JobSource, checkpoints checkpoint.Store, statuses status.Store, grace time.Duration, logger *slog.Logger) *Coordinator {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		jobs:        jobs,
		checkpoints: checkpoints,
		statuses:    statuses,
		grace:       grace,
		logger:      logger,
	}
}

// ShuttingDown reports whether a termination signal was received. The server
// rejects new jobs once this is set.
func (c *Coordinator) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Listen blocks until a termination signal arrives or ctx is done, performs
// the shutdown flush, and returns the process exit code.
func (c *Coordinator) Listen(ctx context.Context) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt, syscall.SIGBUS)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return 0
	case sig := <-sigCh:
		c.logger.Info("termination signal received", "signal", sig.String())
		c.shuttingDown.Store(true)
		c.flush(sig.String())
		return 0
	}
}

// Crash performs the shutdown flush for an unrecoverable failure and returns
// the non-zero exit code.
func (c *Coordinator) Crash(reason string) int {
	c.logger.Error("unrecoverable failure", "reason", reason)
	c.shuttingDown.Store(true)
	c.flush("UNCAUGHT_EXCEPTION")
	return 1
}

// flush cancels the in-flight job, waits for the run to stop, persists its
// unsaved progress, and writes the interrupted status. The wait and the
// writes are each bounded by the grace window so the process never hangs.
func (c *Coordinator) flush(signalName string) {
	uploadID, cp, registry, cancel, done, ok := c.jobs.Active()
	if !ok {
		return
	}
	cancel()

	// Cancellation is cooperative; the run goroutine still owns the
	// checkpoint until done closes.
	select {
	case <-done:
	case <-time.After(c.grace):
		c.logger.Warn("job did not stop within the grace window", "uploadId", uploadID)
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), c.grace)
	defer cancelFlush()

	if registry != nil && registry.Dirty() {
		completed, results := registry.Snapshot()
		cp.MergeOCR(completed, results)
	}
	if err := c.checkpoints.Save(ctx, cp, checkpoint.SaveOptions{IncrementRetry: true}); err != nil {
		c.logger.Error("shutdown checkpoint flush failed", "uploadId", uploadID, "error", err)
	}

	meta := status.Metadata{
		ErrorCode:     string(apperr.KindServerShutdown),
		ErrorMessage:  InterruptedMessage,
		Signal:        signalName,
		InterruptedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.statuses.Fail(ctx, uploadID, InterruptedMessage, string(apperr.KindServerShutdown), meta); err != nil {
		c.logger.Error("shutdown status write failed", "uploadId", uploadID, "error", err)
	}

	c.logger.Info("in-flight job flushed", "uploadId", uploadID, "signal", signalName)
}
