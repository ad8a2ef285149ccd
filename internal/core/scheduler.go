package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
)

const (
	defaultPollInterval = 30 * time.Second
	orphanedRunMessage  = "run abandoned: owning process exited before completion"
)

// TaskExecutor runs tasks on behalf of the scheduler.
type TaskExecutor interface {
	Execute(ctx context.Context, taskID int64) error
	IsRunning(taskID int64) bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

type scheduledJob struct {
	entryID cron.EntryID
	expr    string
}

// JobStatus describes one live cron job.
type JobStatus struct {
	TaskID int64      `json:"taskId"`
	Next   *time.Time `json:"next,omitempty"`
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	Running  bool        `json:"running"`
	JobCount int         `json:"jobCount"`
	Jobs     []JobStatus `json:"jobs"`
}

// Scheduler keeps the live cron jobs consistent with the task store and fires
// due one-shot tasks.
type Scheduler struct {
	store        Store
	runner       TaskExecutor
	logger       *slog.Logger
	location     *time.Location
	clock        clock.Clock
	pollInterval time.Duration

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[int64]scheduledJob
	invalid map[int64]string

	pendingMu sync.Mutex
	pending   map[int64]struct{}
	onceWG    sync.WaitGroup

	syncMu sync.Mutex

	lifeMu  sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, runner TaskExecutor, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        store,
		runner:       runner,
		logger:       logger,
		location:     time.Local,
		clock:        clock.New(),
		pollInterval: defaultPollInterval,
		entries:      make(map[int64]scheduledJob),
		invalid:      make(map[int64]string),
		pending:      make(map[int64]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.location),
	)
	return s
}

// Start reconciles immediately and then again on every poll interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifeMu.Lock()
	if s.started {
		s.lifeMu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.ctx = loopCtx
	s.cancel = cancel
	s.started = true
	s.cron.Start()
	s.lifeMu.Unlock()

	if err := s.Reconcile(loopCtx); err != nil {
		s.logger.Error("initial reconcile", "err", err)
	}
	go s.loop(loopCtx)
}

// Stop cancels every cron job and the poll ticker. In-flight executions keep running.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	if !s.started {
		s.lifeMu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.lifeMu.Unlock()

	cancel()
	s.cron.Stop()

	s.entryMu.Lock()
	for id, job := range s.entries {
		s.cron.Remove(job.entryID)
		delete(s.entries, id)
	}
	clear(s.invalid)
	s.entryMu.Unlock()
	s.logger.Info("scheduler stopped")
}

// Wait blocks until dispatched one-shot executions have settled.
func (s *Scheduler) Wait() {
	s.onceWG.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := s.clock.Ticker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error("reconcile", "err", err)
			}
		}
	}
}

// Reconcile recovers orphaned runs, aligns cron jobs with the active cron tasks
// and dispatches due one-shot tasks. Passes never overlap.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.sweepStaleRuns(ctx)

	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	s.syncCronJobs(tasks)

	if err := s.dispatchDueOnce(ctx); err != nil {
		return err
	}
	return nil
}

// Status returns the running flag and the live cron jobs.
func (s *Scheduler) Status() SchedulerStatus {
	s.lifeMu.Lock()
	running := s.started
	s.lifeMu.Unlock()

	s.entryMu.RLock()
	jobs := make([]JobStatus, 0, len(s.entries))
	for id, job := range s.entries {
		js := JobStatus{TaskID: id}
		if next := s.cron.Entry(job.entryID).Next; !next.IsZero() {
			nextUTC := next.UTC()
			js.Next = &nextUTC
		}
		jobs = append(jobs, js)
	}
	s.entryMu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].TaskID < jobs[j].TaskID })

	return SchedulerStatus{Running: running, JobCount: len(jobs), Jobs: jobs}
}

func (s *Scheduler) sweepStaleRuns(ctx context.Context) {
	runs, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		s.logger.Warn("stale run sweep", "err", err)
		return
	}
	for _, run := range runs {
		if s.runner.IsRunning(run.TaskID) {
			continue
		}
		now := s.clock.Now().UTC()
		c := RunCompletion{
			Status:       RunStatusFailed,
			FinishedAt:   now,
			ErrorMessage: ptrString(orphanedRunMessage),
			DurationMs:   now.Sub(run.StartedAt).Milliseconds(),
		}
		if err := s.store.CompleteRun(ctx, run.ID, c); err != nil {
			s.logger.Warn("fail orphaned run", "task_id", run.TaskID, "run_id", run.ID, "err", err)
			continue
		}
		s.logger.Warn("marked orphaned run as failed", "task_id", run.TaskID, "run_id", run.ID)
	}
}

func (s *Scheduler) syncCronJobs(tasks []*Task) {
	want := make(map[int64]string)
	for _, t := range tasks {
		if t.Status != TaskStatusActive || t.TriggerType != TriggerCron {
			continue
		}
		expr := ""
		if t.CronExpression != nil {
			expr = strings.TrimSpace(*t.CronExpression)
		}
		want[t.ID] = expr
	}

	s.entryMu.Lock()
	defer s.entryMu.Unlock()

	for id, job := range s.entries {
		if expr, ok := want[id]; ok && expr == job.expr {
			continue
		}
		s.cron.Remove(job.entryID)
		delete(s.entries, id)
		s.logger.Info("unscheduled task", "task_id", id)
	}
	for id := range s.invalid {
		if expr, ok := want[id]; !ok || expr != s.invalid[id] {
			delete(s.invalid, id)
		}
	}

	for id, expr := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		if _, ok := s.invalid[id]; ok {
			continue
		}
		schedule, err := ParseCron(expr)
		if err != nil {
			s.invalid[id] = expr
			s.logger.Error("skipping task with invalid cron expression", "task_id", id, "cron", expr, "err", err)
			continue
		}
		taskID := id
		entryID := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(taskID) }))
		s.entries[id] = scheduledJob{entryID: entryID, expr: expr}
		s.logger.Info("scheduled task", "task_id", id, "cron", expr)
	}
}

func (s *Scheduler) fire(taskID int64) {
	ctx := s.ctxOrBackground()
	if err := s.runner.Execute(ctx, taskID); err != nil {
		s.logger.Error("scheduled run", "task_id", taskID, "err", err)
	}
	s.enforceMaxRuns(context.WithoutCancel(ctx), taskID)
}

func (s *Scheduler) enforceMaxRuns(ctx context.Context, taskID int64) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("reload task after run", "task_id", taskID, "err", err)
		return
	}
	if task.MaxRuns == nil || *task.MaxRuns <= 0 || task.RunCount < *task.MaxRuns || task.Status != TaskStatusActive {
		return
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, TaskStatusCompleted); err != nil {
		s.logger.Error("complete task after max runs", "task_id", taskID, "err", err)
		return
	}
	s.unschedule(taskID)
	s.logger.Info("task reached max runs", "task_id", taskID, "max_runs", *task.MaxRuns)
}

func (s *Scheduler) unschedule(taskID int64) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if job, ok := s.entries[taskID]; ok {
		s.cron.Remove(job.entryID)
		delete(s.entries, taskID)
	}
}

func (s *Scheduler) dispatchDueOnce(ctx context.Context) error {
	due, err := s.store.GetDueOnceTasks(ctx, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("get due once tasks: %w", err)
	}
	runCtx := context.WithoutCancel(ctx)
	for _, task := range due {
		if !s.markPending(task.ID) {
			continue
		}
		s.logger.Info("dispatching one-shot task", "task_id", task.ID)
		s.onceWG.Add(1)
		go func(taskID int64) {
			defer s.onceWG.Done()
			defer s.clearPending(taskID)
			if err := s.runner.Execute(runCtx, taskID); err != nil {
				s.logger.Error("one-shot run", "task_id", taskID, "err", err)
			}
			// A one-shot task never runs twice on purpose, even after a failure.
			if err := s.store.UpdateTaskStatus(runCtx, taskID, TaskStatusCompleted); err != nil {
				s.logger.Error("complete one-shot task; it stays active until a later pass", "task_id", taskID, "err", err)
			}
		}(task.ID)
	}
	return nil
}

func (s *Scheduler) markPending(taskID int64) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, ok := s.pending[taskID]; ok {
		return false
	}
	s.pending[taskID] = struct{}{}
	return true
}

func (s *Scheduler) clearPending(taskID int64) {
	s.pendingMu.Lock()
	delete(s.pending, taskID)
	s.pendingMu.Unlock()
}

func (s *Scheduler) ctxOrBackground() context.Context {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
