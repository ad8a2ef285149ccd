package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultKillGrace = 5 * time.Second
	maxPartialLine   = 64 * 1024
)

var progressPattern = regexp.MustCompile(`^\[progress\s+(\d{1,3})%\]\s*(.*)$`)

// EngineRequest describes a single automation invocation.
type EngineRequest struct {
	TaskID     int64
	Prompt     string
	WorkingDir string
	Timeout    time.Duration
	OnProgress func(Progress)
}

// Progress is one progress report streamed by the engine.
type Progress struct {
	Percent *int
	Message string
}

// EngineResult is the outcome of one engine invocation.
type EngineResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Engine runs the automation job behind a task prompt.
type Engine interface {
	Run(ctx context.Context, req EngineRequest) (*EngineResult, error)
}

// EngineOption configures a CommandEngine.
type EngineOption func(*CommandEngine)

// WithArgs overrides how the prompt is turned into command-line arguments.
func WithArgs(fn func(prompt string) []string) EngineOption {
	return func(e *CommandEngine) {
		if fn != nil {
			e.args = fn
		}
	}
}

// WithKillGrace sets how long a terminated process may linger before it is killed.
func WithKillGrace(d time.Duration) EngineOption {
	return func(e *CommandEngine) {
		if d > 0 {
			e.killGrace = d
		}
	}
}

// CommandEngine executes the automation CLI as a subprocess.
type CommandEngine struct {
	binary    string
	args      func(prompt string) []string
	killGrace time.Duration
	logger    *slog.Logger
}

// NewCommandEngine creates an engine that runs binary with arguments derived from the prompt.
func NewCommandEngine(binary string, logger *slog.Logger, opts ...EngineOption) *CommandEngine {
	e := &CommandEngine{
		binary:    binary,
		args:      ClaudeArgs,
		killGrace: defaultKillGrace,
		logger:    logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ClaudeArgs builds arguments for the claude CLI in non-interactive mode.
func ClaudeArgs(prompt string) []string {
	return []string{"-p", prompt, "--output-format", "text", "--dangerously-skip-permissions"}
}

// Run starts the subprocess and waits for it to exit. A timeout sends a termination
// signal, escalated to a kill after the grace period.
func (e *CommandEngine) Run(ctx context.Context, req EngineRequest) (*EngineResult, error) {
	cmd := exec.Command(e.binary, e.args(req.Prompt)...) // #nosec G204
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	lines := &lineWriter{onLine: func(line string) {
		if req.OnProgress != nil {
			req.OnProgress(parseProgress(line))
		}
	}}
	cmd.Stdout = io.MultiWriter(&stdout, lines)
	cmd.Stderr = &stderr
	// Children of the engine may inherit the output pipes and outlive it.
	cmd.WaitDelay = e.killGrace
	startInGroup(cmd)

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	done := make(chan struct{})
	guard := &exitGuard{}
	var terminateOnce sync.Once
	terminate := func(reason string) {
		terminateOnce.Do(func() {
			e.logger.Warn("terminating engine", "task_id", req.TaskID, "pid", cmd.Process.Pid, "reason", reason)
			terminateProcess(cmd.Process)
			go func() {
				select {
				case <-done:
				case <-time.After(e.killGrace):
					e.logger.Warn("engine ignored termination, killing", "task_id", req.TaskID, "pid", cmd.Process.Pid)
					killProcess(cmd.Process)
				}
			}()
		})
	}

	var watchdog *time.Timer
	if req.Timeout > 0 {
		watchdog = time.AfterFunc(req.Timeout, func() {
			if guard.expire() {
				terminate("timeout")
			}
		})
	}
	stopCtxWatch := context.AfterFunc(ctx, func() {
		if guard.running() {
			terminate("canceled")
		}
	})

	waitErr := cmd.Wait()
	timedOut := guard.exit()
	close(done)
	stopCtxWatch()
	if watchdog != nil {
		watchdog.Stop()
	}
	lines.flush()

	res := &EngineResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startedAt),
		TimedOut: timedOut,
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			res.ExitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("wait engine: %w", waitErr)
		}
	}
	return res, nil
}

func parseProgress(line string) Progress {
	m := progressPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Progress{Message: strings.TrimSpace(line)}
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct > 100 {
		return Progress{Message: strings.TrimSpace(line)}
	}
	return Progress{Percent: &pct, Message: m[2]}
}

// lineWriter splits a byte stream into lines and hands each non-empty one to onLine.
// exec copies each stream from a single goroutine so no locking is needed.
type lineWriter struct {
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxPartialLine {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	if strings.TrimSpace(line) != "" {
		w.onLine(line)
	}
}

// exitGuard orders the watchdog against process exit, so a timer firing after
// Wait returned neither marks the run timed out nor signals a reaped pid.
type exitGuard struct {
	mu       sync.Mutex
	exited   bool
	timedOut bool
}

// expire records a timeout unless the process already exited.
func (g *exitGuard) expire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exited {
		return false
	}
	g.timedOut = true
	return true
}

func (g *exitGuard) running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.exited
}

// exit marks the process reaped and reports whether the timeout fired first.
func (g *exitGuard) exit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exited = true
	return g.timedOut
}
