package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/daymonio/daymon-sub001/internal/events"
	"github.com/daymonio/daymon-sub001/internal/nudge"
)

const (
	defaultProgressInterval = 2 * time.Second
	defaultTaskTimeout      = 30 * time.Minute
	previewLimit            = 280
)

// ErrTaskNotFound is returned by stores when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Store abstracts the persistence layer used by the scheduler and runner.
type Store interface {
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListActiveTasks(ctx context.Context) ([]*Task, error)
	GetDueOnceTasks(ctx context.Context, now time.Time) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error
	RecordTaskResult(ctx context.Context, id int64, at time.Time, result string, failed bool) error

	CreateRun(ctx context.Context, taskID int64, startedAt time.Time) (*TaskRun, error)
	CompleteRun(ctx context.Context, runID int64, c RunCompletion) error
	UpdateRunProgress(ctx context.Context, runID int64, progress *int, message string) error
	ListRunningRuns(ctx context.Context) ([]*TaskRun, error)
	PruneOldRuns(ctx context.Context, taskID int64) error
	ResultPath(taskID, runID int64) string

	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// EventEmitter receives completion events.
type EventEmitter interface {
	Emit(eventType string, payload any)
}

// NudgeSink receives nudge requests.
type NudgeSink interface {
	Enqueue(opts nudge.Options)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func WithProgressInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.progressInterval = d
		}
	}
}

func WithEvents(e EventEmitter) RunnerOption { return func(r *Runner) { r.events = e } }

func WithNudges(n NudgeSink) RunnerOption { return func(r *Runner) { r.nudges = n } }

// Runner executes task invocations with at most one in-flight execution per task.
type Runner struct {
	store  Store
	engine Engine
	events EventEmitter
	nudges NudgeSink
	logger *slog.Logger
	clock  clock.Clock

	defaultTimeout   time.Duration
	progressInterval time.Duration

	mu       sync.Mutex
	running  map[int64]struct{}
	inflight sync.WaitGroup
}

// NewRunner constructs a runner with the given dependencies.
func NewRunner(store Store, engine Engine, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:            store,
		engine:           engine,
		logger:           logger,
		clock:            clock.New(),
		defaultTimeout:   defaultTaskTimeout,
		progressInterval: defaultProgressInterval,
		running:          make(map[int64]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type runOutcome struct {
	run        *TaskRun
	success    bool
	output     string
	errMsg     string
	duration   time.Duration
	resultFile string
}

// Execute runs the task once. A trigger that arrives while the task is already
// running is dropped. The execution is detached from ctx cancellation: once
// started it runs to completion or its own timeout.
func (r *Runner) Execute(ctx context.Context, taskID int64) error {
	if !r.acquire(taskID) {
		r.logger.Info("task already running, dropping trigger", "task_id", taskID)
		return nil
	}
	r.inflight.Add(1)
	defer r.inflight.Done()
	ctx = context.WithoutCancel(ctx)
	task, out, err := r.execute(ctx, taskID)
	if err != nil || out == nil {
		return err
	}
	r.notify(ctx, task, out)
	return nil
}

// Wait blocks until every in-flight execution has finished.
func (r *Runner) Wait() {
	r.inflight.Wait()
}

// IsRunning reports whether an execution of the task is in flight.
func (r *Runner) IsRunning(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[taskID]
	return ok
}

// Running returns the ids of tasks currently executing.
func (r *Runner) Running() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Runner) acquire(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[taskID]; ok {
		return false
	}
	r.running[taskID] = struct{}{}
	return true
}

func (r *Runner) release(taskID int64) {
	r.mu.Lock()
	delete(r.running, taskID)
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, taskID int64) (*Task, *runOutcome, error) {
	defer r.release(taskID)

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			r.logger.Info("task not found, nothing to run", "task_id", taskID)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load task: %w", err)
	}
	if task.Status != TaskStatusActive {
		r.logger.Info("task not active, nothing to run", "task_id", taskID, "status", task.Status)
		return nil, nil, nil
	}

	run, err := r.store.CreateRun(ctx, task.ID, r.clock.Now().UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	r.logger.Info("task started", "task_id", task.ID, "run_id", run.ID)

	out := r.invoke(ctx, task, run)
	if err := r.persist(ctx, task, out); err != nil {
		r.logger.Error("persist run", "task_id", task.ID, "run_id", run.ID, "err", err)
	}
	return task, out, nil
}

func (r *Runner) invoke(ctx context.Context, task *Task, run *TaskRun) *runOutcome {
	timeout := r.defaultTimeout
	if task.TimeoutSeconds != nil && *task.TimeoutSeconds > 0 {
		timeout = time.Duration(*task.TimeoutSeconds) * time.Second
	}
	var workingDir string
	if task.WorkingDir != nil {
		workingDir = *task.WorkingDir
	}

	limiter := rate.NewLimiter(rate.Every(r.progressInterval), 1)
	onProgress := func(p Progress) {
		if !limiter.AllowN(r.clock.Now(), 1) {
			return
		}
		if err := r.store.UpdateRunProgress(ctx, run.ID, p.Percent, p.Message); err != nil {
			r.logger.Warn("update run progress", "task_id", task.ID, "run_id", run.ID, "err", err)
		}
	}

	startedAt := r.clock.Now()
	res, err := r.engine.Run(ctx, EngineRequest{
		TaskID:     task.ID,
		Prompt:     task.Prompt,
		WorkingDir: workingDir,
		Timeout:    timeout,
		OnProgress: onProgress,
	})

	out := &runOutcome{run: run}
	switch {
	case err != nil:
		out.errMsg = err.Error()
		out.duration = r.clock.Since(startedAt)
	case res.TimedOut:
		out.output = res.Stdout
		out.errMsg = fmt.Sprintf("timed out after %s", timeout)
		out.duration = res.Duration
	case res.ExitCode != 0:
		out.output = res.Stdout
		out.errMsg = exitMessage(res)
		out.duration = res.Duration
	default:
		out.success = true
		out.output = res.Stdout
		out.duration = res.Duration
	}
	if out.output != "" {
		path, err := r.writeResult(task.ID, run.ID, out.output)
		if err != nil {
			r.logger.Warn("write result file", "task_id", task.ID, "run_id", run.ID, "err", err)
		} else {
			out.resultFile = path
		}
	}
	return out
}

func (r *Runner) persist(ctx context.Context, task *Task, out *runOutcome) error {
	finishedAt := r.clock.Now().UTC()
	c := RunCompletion{
		Status:     RunStatusFailed,
		FinishedAt: finishedAt,
		DurationMs: out.duration.Milliseconds(),
	}
	if out.success {
		c.Status = RunStatusCompleted
	}
	if out.output != "" {
		c.Result = ptrString(out.output)
	}
	if out.resultFile != "" {
		c.ResultFile = ptrString(out.resultFile)
	}
	if out.errMsg != "" {
		c.ErrorMessage = ptrString(out.errMsg)
	}
	if err := r.store.CompleteRun(ctx, out.run.ID, c); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}

	lastResult := preview(out.output)
	if !out.success {
		lastResult = out.errMsg
	}
	if err := r.store.RecordTaskResult(ctx, task.ID, finishedAt, lastResult, !out.success); err != nil {
		r.logger.Warn("record task result", "task_id", task.ID, "err", err)
	}
	if err := r.store.PruneOldRuns(ctx, task.ID); err != nil {
		r.logger.Warn("prune runs", "task_id", task.ID, "err", err)
	}
	r.logger.Info("task finished", "task_id", task.ID, "run_id", out.run.ID, "status", c.Status, "duration", out.duration)
	return nil
}

func (r *Runner) notify(ctx context.Context, task *Task, out *runOutcome) {
	ev := events.TaskEvent{
		TaskID:     task.ID,
		TaskName:   task.DisplayName(),
		Success:    out.success,
		DurationMs: out.duration.Milliseconds(),
		NudgeMode:  string(task.NudgeMode),
	}
	eventType := events.TaskComplete
	if out.success {
		ev.OutputPreview = preview(out.output)
	} else {
		eventType = events.TaskFailed
		ev.ErrorMessage = out.errMsg
	}
	if r.events != nil {
		r.events.Emit(eventType, ev)
	}

	if r.nudges == nil || !nudge.ShouldNudge(string(task.NudgeMode), out.success) {
		return
	}
	if nudge.QuietHours(ctx, r.store, r.clock.Now()) {
		r.logger.Debug("quiet hours, skipping nudge", "task_id", task.ID)
		return
	}
	r.nudges.Enqueue(nudge.Options{
		TaskID:       task.ID,
		TaskName:     task.DisplayName(),
		Success:      out.success,
		DurationMs:   out.duration.Milliseconds(),
		ErrorMessage: ev.ErrorMessage,
	})
}

func (r *Runner) writeResult(taskID, runID int64, output string) (string, error) {
	path := r.store.ResultPath(taskID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func exitMessage(res *EngineResult) string {
	msg := fmt.Sprintf("exit code %d", res.ExitCode)
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		msg += ": " + tail(stderr, previewLimit)
	}
	return msg
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit]) + "…"
}

func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return "…" + string(runes[len(runes)-n:])
}
