package analyzer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/vidscan/internal/config"
)

const (
	maxLineBytes    = 16 << 20
	stderrTailBytes = 4 << 10
	waitDelay       = 5 * time.Second
)

// Request describes one analyzer invocation. Output paths are written by the
// analyzer itself.
type Request struct {
	InputPath        string
	OutputVideoPath  string
	OutputResultPath string
	MaxDuration      time.Duration
}

// Runner executes the analyzer for one job and reports stdout events in
// emission order. Run blocks until the process has exited.
type Runner interface {
	Run(ctx context.Context, req Request, onEvent func(Event)) error
}

// ProcessRunner runs the analyzer as a child process.
type ProcessRunner struct {
	python       string
	script       string
	stallTimeout time.Duration
	logger       *slog.Logger
}

func NewProcessRunner(cfg config.AnalyzerConfig, logger *slog.Logger) *ProcessRunner {
	return &ProcessRunner{
		python:       cfg.Python,
		script:       cfg.Script,
		stallTimeout: cfg.StallTimeout,
		logger:       logger,
	}
}

// Args returns the analyzer command line for req, excluding the interpreter.
func (r *ProcessRunner) Args(req Request) []string {
	return []string{
		r.script,
		"--input", req.InputPath,
		"--output-video", req.OutputVideoPath,
		"--output-json", req.OutputResultPath,
		"--max-duration", strconv.Itoa(int(req.MaxDuration / time.Second)),
	}
}

// Run starts the analyzer and blocks until it exits.
//
// It returns nil on exit code 0, *LaunchError if the process never started,
// ErrStalled if the watchdog killed it, ctx.Err() if ctx was cancelled and
// *ExitError for any other failure.
func (r *ProcessRunner) Run(ctx context.Context, req Request, onEvent func(Event)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.python, r.Args(req)...)
	cmd.WaitDelay = waitDelay

	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return &LaunchError{Command: r.python, Err: err}
	}

	r.logger.Debug("analyzer started", "pid", cmd.Process.Pid, "input", req.InputPath)

	var stalled atomic.Bool
	watchdog := time.AfterFunc(r.stallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		r.scan(pr, watchdog, onEvent)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-scanned
	watchdog.Stop()

	if tail := stderr.String(); tail != "" {
		r.logger.Debug("analyzer stderr", "tail", tail)
	}

	switch {
	case stalled.Load():
		return fmt.Errorf("%w: no output for %s", ErrStalled, r.stallTimeout)
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr == nil:
		return nil
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExitError{Code: code, Stderr: stderr.String(), Err: waitErr}
}

// scan feeds stdout lines to onEvent until the pipe is closed.
func (r *ProcessRunner) scan(stdout io.Reader, watchdog *time.Timer, onEvent func(Event)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for scanner.Scan() {
		watchdog.Reset(r.stallTimeout)

		ev, err := ParseEvent(scanner.Bytes())
		if err != nil {
			r.logger.Debug("ignoring analyzer output line", "line", truncate(scanner.Text(), 200), "error", err)
			continue
		}
		onEvent(ev)
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("analyzer stdout read failed", "error", err)
	}
	// keep the writer unblocked after a scan error
	_, _ = io.Copy(io.Discard, stdout)
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
