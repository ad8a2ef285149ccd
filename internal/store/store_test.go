package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daymonio/daymon-sub001/internal/core"
)

func openTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), retention)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTask(t *testing.T, s *Store, task *core.Task) *core.Task {
	t.Helper()
	if task.Prompt == "" {
		task.Prompt = "summarize inbox"
	}
	if task.TriggerType == "" {
		task.TriggerType = core.TriggerManual
	}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask error = %v", err)
	}
	return task
}

func strPtr(v string) *string { return &v }

func TestOpenIsReentrant(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), dir, 0)
		if err != nil {
			t.Fatalf("Open #%d error = %v", i, err)
		}
		if s.RunRetention != 50 {
			t.Fatalf("RunRetention = %d, want 50", s.RunRetention)
		}
		_ = s.Close()
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10)
	ctx := context.Background()
	task := insertTask(t, s, &core.Task{
		Name:           "digest",
		TriggerType:    core.TriggerCron,
		CronExpression: strPtr("0 9 * * *"),
		TimeoutSeconds: func() *int { v := 60; return &v }(),
	})
	if task.ID == 0 {
		t.Fatalf("ID not assigned")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask error = %v", err)
	}
	if got.Status != core.TaskStatusActive || got.NudgeMode != core.NudgeAlways {
		t.Fatalf("defaults = %s/%s, want active/always", got.Status, got.NudgeMode)
	}
	if got.CronExpression == nil || *got.CronExpression != "0 9 * * *" {
		t.Fatalf("cron = %v", got.CronExpression)
	}
	if got.TimeoutSeconds == nil || *got.TimeoutSeconds != 60 {
		t.Fatalf("timeout = %v, want 60", got.TimeoutSeconds)
	}

	got.Prompt = "new prompt"
	got.Status = core.TaskStatusPaused
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask error = %v", err)
	}
	active, err := s.ListActiveTasks(ctx)
	if err != nil {
		t.Fatalf("ListActiveTasks error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active tasks = %d, want 0", len(active))
	}
	paused := core.TaskStatusPaused
	list, err := s.ListTasks(ctx, &paused)
	if err != nil {
		t.Fatalf("ListTasks error = %v", err)
	}
	if len(list) != 1 || list[0].Prompt != "new prompt" {
		t.Fatalf("paused tasks = %+v", list)
	}

	at := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	if err := s.RecordTaskResult(ctx, task.ID, at, "boom", true); err != nil {
		t.Fatalf("RecordTaskResult error = %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.RunCount != 1 || got.ErrorCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", got.RunCount, got.ErrorCount)
	}
	if got.LastRun == nil || !got.LastRun.Equal(at) {
		t.Fatalf("last run = %v, want %v", got.LastRun, at)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask error = %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("GetTask after delete error = %v, want ErrTaskNotFound", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, core.TaskStatusActive); !errors.Is(err, core.ErrTaskNotFound) {
		t.Fatalf("UpdateTaskStatus on missing task error = %v, want ErrTaskNotFound", err)
	}
}

func TestGetDueOnceTasks(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10)
	ctx := context.Background()
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	exact := now
	future := now.Add(time.Minute)
	// Same instant as past, expressed in another zone.
	pastOffset := past.In(time.FixedZone("plus9", 9*3600))

	due1 := insertTask(t, s, &core.Task{TriggerType: core.TriggerOnce, ScheduledAt: &past})
	due2 := insertTask(t, s, &core.Task{TriggerType: core.TriggerOnce, ScheduledAt: &exact})
	insertTask(t, s, &core.Task{TriggerType: core.TriggerOnce, ScheduledAt: &future})
	insertTask(t, s, &core.Task{TriggerType: core.TriggerOnce, ScheduledAt: &pastOffset, Status: core.TaskStatusCompleted})
	insertTask(t, s, &core.Task{TriggerType: core.TriggerCron, CronExpression: strPtr("* * * * *")})

	due, err := s.GetDueOnceTasks(ctx, now)
	if err != nil {
		t.Fatalf("GetDueOnceTasks error = %v", err)
	}
	if len(due) != 2 || due[0].ID != due1.ID || due[1].ID != due2.ID {
		t.Fatalf("due = %+v, want tasks %d and %d", due, due1.ID, due2.ID)
	}
}

func TestCompleteRunOnlyOnce(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10)
	ctx := context.Background()
	task := insertTask(t, s, &core.Task{})
	run, err := s.CreateRun(ctx, task.ID, time.Now())
	if err != nil {
		t.Fatalf("CreateRun error = %v", err)
	}

	first := core.RunCompletion{Status: core.RunStatusCompleted, FinishedAt: time.Now(), Result: strPtr("ok"), DurationMs: 42}
	if err := s.CompleteRun(ctx, run.ID, first); err != nil {
		t.Fatalf("CompleteRun error = %v", err)
	}
	second := core.RunCompletion{Status: core.RunStatusFailed, FinishedAt: time.Now(), ErrorMessage: strPtr("late")}
	if err := s.CompleteRun(ctx, run.ID, second); !errors.Is(err, ErrRunNotRunning) {
		t.Fatalf("second CompleteRun error = %v, want ErrRunNotRunning", err)
	}
	if err := s.CompleteRun(ctx, 9999, second); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("CompleteRun on missing run error = %v, want ErrRunNotFound", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun error = %v", err)
	}
	if got.Status != core.RunStatusCompleted || got.ErrorMessage != nil {
		t.Fatalf("run = %+v, want first completion kept", got)
	}
	if got.DurationMs == nil || *got.DurationMs != 42 {
		t.Fatalf("duration = %v, want 42", got.DurationMs)
	}

	// Progress on a finished run is ignored.
	pct := 50
	if err := s.UpdateRunProgress(ctx, run.ID, &pct, "late"); err != nil {
		t.Fatalf("UpdateRunProgress error = %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.Progress != nil {
		t.Fatalf("progress = %d, want nil", *got.Progress)
	}
}

func TestRunProgressAndRunningList(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10)
	ctx := context.Background()
	task := insertTask(t, s, &core.Task{})
	run, _ := s.CreateRun(ctx, task.ID, time.Now())

	pct := 30
	if err := s.UpdateRunProgress(ctx, run.ID, &pct, "fetching"); err != nil {
		t.Fatalf("UpdateRunProgress error = %v", err)
	}
	// A message-only update keeps the last percentage.
	if err := s.UpdateRunProgress(ctx, run.ID, nil, "parsing"); err != nil {
		t.Fatalf("UpdateRunProgress error = %v", err)
	}
	running, err := s.ListRunningRuns(ctx)
	if err != nil {
		t.Fatalf("ListRunningRuns error = %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("running = %d, want 1", len(running))
	}
	got := running[0]
	if got.Progress == nil || *got.Progress != 30 {
		t.Fatalf("progress = %v, want 30", got.Progress)
	}
	if got.ProgressMessage == nil || *got.ProgressMessage != "parsing" {
		t.Fatalf("progress message = %v, want parsing", got.ProgressMessage)
	}
}

func TestPruneOldRuns(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 2)
	ctx := context.Background()
	task := insertTask(t, s, &core.Task{})
	base := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

	var files []string
	for i := 0; i < 4; i++ {
		run, err := s.CreateRun(ctx, task.ID, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("CreateRun error = %v", err)
		}
		path := s.ResultPath(task.ID, run.ID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("out"), 0o644); err != nil {
			t.Fatalf("write result: %v", err)
		}
		files = append(files, path)
		c := core.RunCompletion{Status: core.RunStatusCompleted, FinishedAt: base, ResultFile: &path}
		if err := s.CompleteRun(ctx, run.ID, c); err != nil {
			t.Fatalf("CompleteRun error = %v", err)
		}
	}
	live, _ := s.CreateRun(ctx, task.ID, base.Add(-time.Hour))

	if err := s.PruneOldRuns(ctx, task.ID); err != nil {
		t.Fatalf("PruneOldRuns error = %v", err)
	}

	runs, err := s.ListRuns(ctx, task.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs after prune = %d, want 3 (two newest plus the running one)", len(runs))
	}
	if runs[2].ID != live.ID {
		t.Fatalf("oldest remaining run = %d, want running run %d", runs[2].ID, live.ID)
	}
	for i, path := range files {
		_, err := os.Stat(path)
		if kept := i >= 2; kept != (err == nil) {
			t.Fatalf("result file %d exists = %v, want %v", i, err == nil, kept)
		}
	}
}

func TestDeleteTaskRemovesResults(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10)
	ctx := context.Background()
	task := insertTask(t, s, &core.Task{})
	run, _ := s.CreateRun(ctx, task.ID, time.Now())
	path := s.ResultPath(task.ID, run.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("out"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask error = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); !os.IsNotExist(err) {
		t.Fatalf("results dir still present: %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun after delete error = %v, want ErrRunNotFound", err)
	}
}

func TestSettings(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10)
	ctx := context.Background()
	if _, ok, err := s.GetSetting(ctx, "quiet_hours_enabled"); err != nil || ok {
		t.Fatalf("GetSetting missing = %v/%v, want false/nil", ok, err)
	}
	for _, v := range []string{"true", "false"} {
		if err := s.SetSetting(ctx, "quiet_hours_enabled", v); err != nil {
			t.Fatalf("SetSetting error = %v", err)
		}
	}
	v, ok, err := s.GetSetting(ctx, "quiet_hours_enabled")
	if err != nil || !ok || v != "false" {
		t.Fatalf("GetSetting = %q/%v/%v, want false/true/nil", v, ok, err)
	}
}
