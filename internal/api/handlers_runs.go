package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/daymonio/daymon-sub001/internal/core"
	"github.com/daymonio/daymon-sub001/internal/store"
)

type runResponse struct {
	ID              int64   `json:"id"`
	TaskID          int64   `json:"taskId"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"startedAt"`
	FinishedAt      *string `json:"finishedAt,omitempty"`
	Result          *string `json:"result,omitempty"`
	ResultFile      *string `json:"resultFile,omitempty"`
	ErrorMessage    *string `json:"errorMessage,omitempty"`
	Progress        *int    `json:"progress,omitempty"`
	ProgressMessage *string `json:"progressMessage,omitempty"`
	DurationMs      *int64  `json:"durationMs,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.store.ListRuns(r.Context(), task.ID, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleRunResult serves the full output artifact of a run. ?tail=N limits the
// response to the last N lines.
func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.ResultFile == nil {
		writeError(w, http.StatusNotFound, "not_found", "run has no result file")
		return
	}
	file, err := os.Open(*run.ResultFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "result file not found")
		} else {
			s.logger.Error("open result", "run_id", run.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read result")
		}
		return
	}
	defer file.Close()

	data, err := readTailLines(file, parseIntDefault(r.URL.Query().Get("tail"), 0))
	if err != nil {
		s.logger.Error("read result", "run_id", run.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read result")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*core.TaskRun, bool) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "run id out of range")
		return nil, false
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return nil, false
	}
	return run, true
}

func runToResponse(run *core.TaskRun) runResponse {
	return runResponse{
		ID:              run.ID,
		TaskID:          run.TaskID,
		Status:          string(run.Status),
		StartedAt:       run.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:      formatOptional(run.FinishedAt),
		Result:          run.Result,
		ResultFile:      run.ResultFile,
		ErrorMessage:    run.ErrorMessage,
		Progress:        run.Progress,
		ProgressMessage: run.ProgressMessage,
		DurationMs:      run.DurationMs,
	}
}

func readTailLines(file *os.File, tail int) ([]byte, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n")), nil
}
