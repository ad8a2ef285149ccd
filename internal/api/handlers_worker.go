package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/daymonio/daymon-sub001/internal/core"
	"github.com/daymonio/daymon-sub001/internal/store"
)

type healthResponse struct {
	OK        bool                 `json:"ok"`
	Uptime    float64              `json:"uptime"`
	PID       int                  `json:"pid"`
	Scheduler core.SchedulerStatus `json:"scheduler"`
}

type runTaskResponse struct {
	OK      bool   `json:"ok"`
	TaskID  int64  `json:"taskId"`
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

type taskRunningResponse struct {
	TaskID  int64 `json:"taskId"`
	Running bool  `json:"running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		OK:        true,
		Uptime:    time.Since(s.startedAt).Seconds(),
		PID:       os.Getpid(),
		Scheduler: s.scheduler.Status(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Reconcile(r.Context()); err != nil {
		s.logger.Error("sync", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scheduler": s.scheduler.Status()})
}

// handleRunTask starts the task in the background. Unknown or already running
// tasks yield a well-formed no-op rather than an error.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeJSON(w, http.StatusOK, runTaskResponse{OK: true, TaskID: taskID, Reason: "not_found"})
			return
		}
		s.logger.Error("get task for run", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		return
	}
	if task.Status != core.TaskStatusActive {
		writeJSON(w, http.StatusOK, runTaskResponse{OK: true, TaskID: taskID, Reason: "not_active"})
		return
	}
	if s.runner.IsRunning(taskID) {
		writeJSON(w, http.StatusOK, runTaskResponse{OK: true, TaskID: taskID, Reason: "already_running"})
		return
	}

	go func() {
		if err := s.runner.Execute(context.WithoutCancel(r.Context()), taskID); err != nil {
			s.logger.Error("manual run", "task_id", taskID, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, runTaskResponse{OK: true, TaskID: taskID, Started: true})
}

func (s *Server) handleTaskRunning(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, taskRunningResponse{TaskID: taskID, Running: s.runner.IsRunning(taskID)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub, err := s.bus.Subscribe(w)
	if err != nil {
		s.logger.Debug("event subscribe", "err", err)
		return
	}
	defer sub.Close()
	select {
	case <-r.Context().Done():
	case <-s.closing:
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutdown requested over http")
		close(s.shutdownCh)
	})
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "taskID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "task id out of range")
		return 0, false
	}
	return id, true
}
