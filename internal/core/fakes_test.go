package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/daymonio/daymon-sub001/internal/events"
	"github.com/daymonio/daymon-sub001/internal/nudge"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu         sync.Mutex
	dir        string
	tasks      map[int64]*Task
	runs       map[int64]*TaskRun
	settings   map[string]string
	nextRunID  int64
	createRuns int
	statusErr  error
}

func newMemStore(dir string, tasks ...*Task) *memStore {
	s := &memStore{
		dir:      dir,
		tasks:    make(map[int64]*Task),
		runs:     make(map[int64]*TaskRun),
		settings: make(map[string]string),
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *memStore) task(id int64) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *memStore) run(id int64) TaskRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

func (s *memStore) runsFor(taskID int64) []TaskRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskRun
	for id := int64(1); id <= s.nextRunID; id++ {
		if r, ok := s.runs[id]; ok && r.TaskID == taskID {
			out = append(out, *r)
		}
	}
	return out
}

func (s *memStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) ListActiveTasks(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == TaskStatusActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) GetDueOnceTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == TaskStatusActive && t.TriggerType == TriggerOnce && t.ScheduledAt != nil && !t.ScheduledAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	return nil
}

func (s *memStore) RecordTaskResult(ctx context.Context, id int64, at time.Time, result string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.RunCount++
	if failed {
		t.ErrorCount++
	}
	t.LastRun = &at
	t.LastResult = &result
	return nil
}

func (s *memStore) CreateRun(ctx context.Context, taskID int64, startedAt time.Time) (*TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createRuns++
	s.nextRunID++
	r := &TaskRun{ID: s.nextRunID, TaskID: taskID, StartedAt: startedAt, Status: RunStatusRunning}
	s.runs[r.ID] = r
	cp := *r
	return &cp, nil
}

func (s *memStore) CompleteRun(ctx context.Context, runID int64, c RunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.Status != RunStatusRunning {
		return fmt.Errorf("run %d not running", runID)
	}
	r.Status = c.Status
	r.FinishedAt = &c.FinishedAt
	r.Result = c.Result
	r.ResultFile = c.ResultFile
	r.ErrorMessage = c.ErrorMessage
	r.DurationMs = &c.DurationMs
	return nil
}

func (s *memStore) UpdateRunProgress(ctx context.Context, runID int64, progress *int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.Progress = progress
		r.ProgressMessage = &message
	}
	return nil
}

func (s *memStore) ListRunningRuns(ctx context.Context) ([]*TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TaskRun
	for _, r := range s.runs {
		if r.Status == RunStatusRunning {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) PruneOldRuns(ctx context.Context, taskID int64) error { return nil }

func (s *memStore) ResultPath(taskID, runID int64) string {
	return filepath.Join(s.dir, "results", fmt.Sprintf("task-%d", taskID), fmt.Sprintf("run-%d.md", runID))
}

func (s *memStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

// stubEngine returns a canned result, optionally blocking until release is closed.
type stubEngine struct {
	mu       sync.Mutex
	calls    int
	requests []EngineRequest
	result   *EngineResult
	err      error
	started  chan struct{}
	release  chan struct{}
	progress []Progress
}

func (e *stubEngine) Run(ctx context.Context, req EngineRequest) (*EngineResult, error) {
	e.mu.Lock()
	e.calls++
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	for _, p := range e.progress {
		if req.OnProgress != nil {
			req.OnProgress(p)
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	res := *e.result
	return &res, nil
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type recordedEvent struct {
	eventType string
	payload   events.TaskEvent
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Emit(eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{eventType: eventType, payload: payload.(events.TaskEvent)})
}

func (r *eventRecorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

type nudgeRecorder struct {
	mu    sync.Mutex
	items []nudge.Options
}

func (n *nudgeRecorder) Enqueue(opts nudge.Options) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, opts)
}

func (n *nudgeRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

func intPtr(v int) *int { return &v }
