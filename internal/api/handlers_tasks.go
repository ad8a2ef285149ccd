package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/daymonio/daymon-sub001/internal/core"
	"github.com/daymonio/daymon-sub001/internal/store"
)

type createTaskRequest struct {
	Name           string  `json:"name"`
	Prompt         string  `json:"prompt"`
	TriggerType    string  `json:"triggerType"`
	CronExpression *string `json:"cronExpression"`
	ScheduledAt    *string `json:"scheduledAt"`
	MaxRuns        *int    `json:"maxRuns"`
	NudgeMode      string  `json:"nudgeMode"`
	TimeoutSeconds *int    `json:"timeoutSeconds"`
	WorkingDir     *string `json:"workingDir"`
	Paused         bool    `json:"paused"`
}

type updateTaskRequest struct {
	Name           *string `json:"name"`
	Prompt         *string `json:"prompt"`
	TriggerType    *string `json:"triggerType"`
	CronExpression *string `json:"cronExpression"`
	ScheduledAt    *string `json:"scheduledAt"`
	MaxRuns        *int    `json:"maxRuns"`
	NudgeMode      *string `json:"nudgeMode"`
	TimeoutSeconds *int    `json:"timeoutSeconds"`
	WorkingDir     *string `json:"workingDir"`
	Status         *string `json:"status"`
}

type taskResponse struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Prompt         string  `json:"prompt"`
	TriggerType    string  `json:"triggerType"`
	CronExpression *string `json:"cronExpression,omitempty"`
	ScheduledAt    *string `json:"scheduledAt,omitempty"`
	Status         string  `json:"status"`
	MaxRuns        *int    `json:"maxRuns,omitempty"`
	RunCount       int     `json:"runCount"`
	ErrorCount     int     `json:"errorCount"`
	LastRun        *string `json:"lastRun,omitempty"`
	LastResult     *string `json:"lastResult,omitempty"`
	NextRun        *string `json:"nextRun,omitempty"`
	NudgeMode      string  `json:"nudgeMode"`
	TimeoutSeconds *int    `json:"timeoutSeconds,omitempty"`
	WorkingDir     *string `json:"workingDir,omitempty"`
	Running        bool    `json:"running"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	task := &core.Task{
		Name:      strings.TrimSpace(req.Name),
		Prompt:    strings.TrimSpace(req.Prompt),
		Status:    core.TaskStatusActive,
		NudgeMode: core.NudgeMode(strings.TrimSpace(req.NudgeMode)),
		MaxRuns:   positiveOrNil(req.MaxRuns),
	}
	if task.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "prompt is required")
		return
	}
	if req.Paused {
		task.Status = core.TaskStatusPaused
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeoutSeconds must be non-negative")
		return
	}
	task.TimeoutSeconds = positiveOrNil(req.TimeoutSeconds)
	task.WorkingDir = trimmedOrNil(req.WorkingDir)
	task.CronExpression = trimmedOrNil(req.CronExpression)
	if req.ScheduledAt != nil && strings.TrimSpace(*req.ScheduledAt) != "" {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ScheduledAt))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "scheduledAt must be RFC3339")
			return
		}
		at = at.UTC()
		task.ScheduledAt = &at
	}
	task.TriggerType = core.TriggerType(strings.TrimSpace(req.TriggerType))
	if task.TriggerType == "" {
		task.TriggerType = inferTrigger(task)
	}
	if code, msg := validateTrigger(task); code != "" {
		writeError(w, http.StatusBadRequest, code, msg)
		return
	}

	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create task")
		return
	}
	s.logger.Info("task created", "task_id", task.ID, "trigger", task.TriggerType)
	s.resync(r.Context())
	writeJSON(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusActive, core.TaskStatusPaused, core.TaskStatusCompleted:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active, paused or completed")
			return
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		task.Name = strings.TrimSpace(*req.Name)
	}
	if req.Prompt != nil {
		prompt := strings.TrimSpace(*req.Prompt)
		if prompt == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "prompt cannot be empty")
			return
		}
		task.Prompt = prompt
	}
	if req.TriggerType != nil {
		task.TriggerType = core.TriggerType(strings.TrimSpace(*req.TriggerType))
	}
	if req.CronExpression != nil {
		task.CronExpression = trimmedOrNil(req.CronExpression)
	}
	if req.ScheduledAt != nil {
		if strings.TrimSpace(*req.ScheduledAt) == "" {
			task.ScheduledAt = nil
		} else {
			at, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ScheduledAt))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_input", "scheduledAt must be RFC3339")
				return
			}
			at = at.UTC()
			task.ScheduledAt = &at
		}
	}
	if req.MaxRuns != nil {
		task.MaxRuns = positiveOrNil(req.MaxRuns)
	}
	if req.NudgeMode != nil {
		task.NudgeMode = core.NudgeMode(strings.TrimSpace(*req.NudgeMode))
	}
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "timeoutSeconds must be non-negative")
			return
		}
		task.TimeoutSeconds = positiveOrNil(req.TimeoutSeconds)
	}
	if req.WorkingDir != nil {
		task.WorkingDir = trimmedOrNil(req.WorkingDir)
	}
	if req.Status != nil {
		st := core.TaskStatus(strings.TrimSpace(*req.Status))
		switch st {
		case core.TaskStatusActive, core.TaskStatusPaused, core.TaskStatusCompleted:
			task.Status = st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active, paused or completed")
			return
		}
	}
	if code, msg := validateTrigger(task); code != "" {
		writeError(w, http.StatusBadRequest, code, msg)
		return
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("update task", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}
	s.resync(r.Context())
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	s.resync(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*core.Task, bool) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return nil, false
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return nil, false
	}
	return task, true
}

// resync applies task edits to the live cron jobs right away instead of
// waiting for the next poll.
func (s *Server) resync(ctx context.Context) {
	if err := s.scheduler.Reconcile(ctx); err != nil {
		s.logger.Error("reconcile after task change", "err", err)
	}
}

func (s *Server) taskToResponse(task *core.Task) taskResponse {
	res := taskResponse{
		ID:             task.ID,
		Name:           task.Name,
		Prompt:         task.Prompt,
		TriggerType:    string(task.TriggerType),
		CronExpression: task.CronExpression,
		Status:         string(task.Status),
		MaxRuns:        task.MaxRuns,
		RunCount:       task.RunCount,
		ErrorCount:     task.ErrorCount,
		LastResult:     task.LastResult,
		NudgeMode:      string(task.NudgeMode),
		TimeoutSeconds: task.TimeoutSeconds,
		WorkingDir:     task.WorkingDir,
		Running:        s.runner.IsRunning(task.ID),
		CreatedAt:      task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	res.ScheduledAt = formatOptional(task.ScheduledAt)
	res.LastRun = formatOptional(task.LastRun)
	if task.Status == core.TaskStatusActive && task.TriggerType == core.TriggerCron && task.CronExpression != nil {
		if schedule, err := core.ParseCron(*task.CronExpression); err == nil {
			if next := core.NextOccurrences(schedule, time.Now().In(s.location), 1); len(next) == 1 {
				res.NextRun = formatOptional(&next[0])
			}
		}
	}
	return res
}

// validateTrigger checks that the trigger type carries what it needs. Cron
// grammar is checked when the scheduler picks the task up.
func validateTrigger(task *core.Task) (code, message string) {
	switch task.TriggerType {
	case core.TriggerCron:
		if task.CronExpression == nil {
			return "invalid_input", "cronExpression is required for cron tasks"
		}
	case core.TriggerOnce:
		if task.ScheduledAt == nil {
			return "invalid_input", "scheduledAt is required for once tasks"
		}
	case core.TriggerManual:
	default:
		return "invalid_input", "triggerType must be cron, once or manual"
	}
	return "", ""
}

func inferTrigger(task *core.Task) core.TriggerType {
	switch {
	case task.CronExpression != nil:
		return core.TriggerCron
	case task.ScheduledAt != nil:
		return core.TriggerOnce
	default:
		return core.TriggerManual
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func positiveOrNil(v *int) *int {
	if v == nil || *v <= 0 {
		return nil
	}
	n := *v
	return &n
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
