package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// TriggerType describes what causes a task to run.
type TriggerType string

const (
	TriggerCron   TriggerType = "cron"
	TriggerOnce   TriggerType = "once"
	TriggerManual TriggerType = "manual"
)

// RunStatus describes the state of an individual execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NudgeMode controls when a finished run pings the companion app.
type NudgeMode string

const (
	NudgeAlways      NudgeMode = "always"
	NudgeFailureOnly NudgeMode = "failure_only"
	NudgeNever       NudgeMode = "never"
)

// Task represents a user-defined automation job.
type Task struct {
	ID             int64
	Name           string
	Prompt         string
	TriggerType    TriggerType
	CronExpression *string
	ScheduledAt    *time.Time
	Status         TaskStatus
	MaxRuns        *int
	RunCount       int
	ErrorCount     int
	LastRun        *time.Time
	LastResult     *string
	NudgeMode      NudgeMode
	TimeoutSeconds *int
	WorkingDir     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DisplayName returns the name used in notifications.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return "task"
}

// TaskRun captures a single execution attempt of a task.
type TaskRun struct {
	ID              int64
	TaskID          int64
	StartedAt       time.Time
	FinishedAt      *time.Time
	Status          RunStatus
	Result          *string
	ResultFile      *string
	ErrorMessage    *string
	Progress        *int
	ProgressMessage *string
	DurationMs      *int64
}

// RunCompletion is the terminal state written for a run.
type RunCompletion struct {
	Status       RunStatus
	FinishedAt   time.Time
	Result       *string
	ResultFile   *string
	ErrorMessage *string
	DurationMs   int64
}

func ptrString(v string) *string {
	return &v
}
