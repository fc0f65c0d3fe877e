// Package media wraps the external ffmpeg/ffprobe toolchain. Every operation
// runs with an explicit argv (no shell composition), a bounded timeout that
// terminates the process, and incremental stderr parsing for progress.
package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/videolens/worker/internal/apperr"
)

// Timeouts bound each adapter operation. A timeout is recoverable; the job
// only fails once the stage retry budget is exhausted.
type Timeouts struct {
	Probe        time.Duration
	AudioExtract time.Duration
	AudioChunk   time.Duration
	SceneDetect  time.Duration
	Frame        time.Duration
}

// DefaultTimeouts returns the calibrated operation timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Probe:        60 * time.Second,
		AudioExtract: 20 * time.Minute,
		AudioChunk:   60 * time.Second,
		SceneDetect:  45 * time.Minute,
		Frame:        30 * time.Second,
	}
}

// Adapter invokes the media toolchain.
type Adapter struct {
	ffmpegPath  string
	ffprobePath string
	timeouts    Timeouts
	logger      *slog.Logger
}

// NewAdapter creates an Adapter. Empty binary paths default to "ffmpeg" and
// "ffprobe" found via PATH.
func NewAdapter(ffmpegPath, ffprobePath string, timeouts Timeouts, logger *slog.Logger) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		timeouts:    timeouts,
		logger:      logger,
	}
}

// ToolError represents a toolchain failure, including the stderr tail.
type ToolError struct {
	Bin    string
	Args   []string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s error: %v\nargs: %v\nstderr: %s", e.Bin, e.Err, e.Args, e.Stderr)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// stderrTailLines bounds the stderr kept for error reporting; progress lines
// are consumed incrementally so the pipe never fills.
const stderrTailLines = 40

// run executes bin with args under the given timeout, streaming each stderr
// line to onLine. The process is killed when the timeout elapses and the
// error is tagged Timeout.
func (a *Adapter) run(ctx context.Context, timeout time.Duration, bin string, args []string, onLine func(string)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 - bin is configured by the application, args are built internally
	cmd := exec.CommandContext(cctx, bin, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, fmt.Sprintf("start %s", bin), err)
	}

	tail := make([]string, 0, stderrTailLines)
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		if len(tail) == stderrTailLines {
			copy(tail, tail[1:])
			tail = tail[:stderrTailLines-1]
		}
		tail = append(tail, line)
	}

	err = cmd.Wait()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", apperr.Newf(apperr.KindTimeout, "%s timed out after %s", bin, timeout)
		}
		if ctx.Err() != nil {
			return "", apperr.Wrap(apperr.KindCancelled, fmt.Sprintf("%s interrupted", bin), ctx.Err())
		}
		return "", &ToolError{Bin: bin, Args: args, Stderr: strings.Join(tail, "\n"), Err: err}
	}

	return stdout.String(), nil
}

// runExpectFailure runs ffmpeg invocations whose normal exit code is non-zero
// (null-muxer analysis passes) and only surfaces timeouts and cancellation.
func (a *Adapter) runExpectFailure(ctx context.Context, timeout time.Duration, args []string, onLine func(string)) error {
	_, err := a.run(ctx, timeout, a.ffmpegPath, args, onLine)
	if err == nil {
		return nil
	}
	var te *ToolError
	if kind := apperr.KindOf(err); kind == apperr.KindTimeout || kind == apperr.KindCancelled {
		return err
	}
	if asToolError(err, &te) {
		// Analysis passes report through stderr and may exit non-zero.
		return nil
	}
	return err
}

func asToolError(err error, target **ToolError) bool {
	for err != nil {
		if te, ok := err.(*ToolError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
