package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/daymonio/daymon-sub001/internal/core"
)

var errUnavailable = errors.New("daymon worker is unavailable")

// Proxy forwards HTTP calls to the worker. A nil body means the worker could
// not be reached.
type Proxy interface {
	Request(ctx context.Context, method, path string, body []byte) []byte
}

// MCPServer exposes the worker's task surface as MCP tools over stdio.
type MCPServer struct {
	proxy    Proxy
	logger   *slog.Logger
	location *time.Location
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(proxy Proxy, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	return &MCPServer{
		proxy:    proxy,
		logger:   logger,
		location: location,
	}
}

// Run serves MCP on stdio until stdin closes.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"daymon",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("daymon_status",
		mcp.WithDescription("Show whether the daymon worker is healthy and which cron jobs are scheduled"),
	), s.handleStatus)

	mcpServer.AddTool(mcp.NewTool("daymon_sync",
		mcp.WithDescription("Force an immediate reconciliation of scheduled jobs with the task store"),
	), s.handleSync)

	mcpServer.AddTool(mcp.NewTool("daymon_create_task",
		mcp.WithDescription("Create a task that runs a Claude prompt on a 5-field cron schedule, once at a given time, or only on demand"),
		mcp.WithString("name",
			mcp.Description("Task name"),
		),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("Prompt passed to the automation CLI"),
		),
		mcp.WithString("cron",
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for 09:00 on weekdays"),
		),
		mcp.WithString("scheduled_at",
			mcp.Description("RFC3339 time for a one-shot task"),
		),
		mcp.WithString("working_dir",
			mcp.Description("Working directory of the run"),
		),
		mcp.WithNumber("timeout_minutes",
			mcp.Description("Timeout in minutes, default 30"),
			mcp.Min(0),
		),
		mcp.WithNumber("max_runs",
			mcp.Description("Complete the task after this many runs"),
			mcp.Min(0),
		),
		mcp.WithString("nudge_mode",
			mcp.Description("When to nudge the companion app"),
			mcp.Enum(string(core.NudgeAlways), string(core.NudgeFailureOnly), string(core.NudgeNever)),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("daymon_list_tasks",
		mcp.WithDescription("List tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum(string(core.TaskStatusActive), string(core.TaskStatusPaused), string(core.TaskStatusCompleted)),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("daymon_get_task",
		mcp.WithDescription("Show one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("daymon_update_task",
		mcp.WithDescription("Update a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("prompt",
			mcp.Description("New prompt"),
		),
		mcp.WithString("cron",
			mcp.Description("New cron expression"),
		),
		mcp.WithString("working_dir",
			mcp.Description("New working directory"),
		),
		mcp.WithBoolean("paused",
			mcp.Description("Pause or resume the task"),
		),
	), s.handleUpdateTask)

	mcpServer.AddTool(mcp.NewTool("daymon_delete_task",
		mcp.WithDescription("Delete a task and its run history"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("daymon_run_task",
		mcp.WithDescription("Run a task now. A task that is already running is left alone"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("daymon_list_runs",
		mcp.WithDescription("Show the run history of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	mcpServer.AddTool(mcp.NewTool("daymon_get_run_result",
		mcp.WithDescription("Read the full output of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Return only the last N lines"),
			mcp.Min(0),
		),
	), s.handleGetRunResult)

	mcpServer.AddTool(mcp.NewTool("daymon_cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", 11)
}

type apiErrorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type taskView struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Prompt         string  `json:"prompt"`
	TriggerType    string  `json:"triggerType"`
	CronExpression *string `json:"cronExpression"`
	ScheduledAt    *string `json:"scheduledAt"`
	Status         string  `json:"status"`
	MaxRuns        *int    `json:"maxRuns"`
	RunCount       int     `json:"runCount"`
	ErrorCount     int     `json:"errorCount"`
	LastRun        *string `json:"lastRun"`
	LastResult     *string `json:"lastResult"`
	NextRun        *string `json:"nextRun"`
	NudgeMode      string  `json:"nudgeMode"`
	TimeoutSeconds *int    `json:"timeoutSeconds"`
	WorkingDir     *string `json:"workingDir"`
	Running        bool    `json:"running"`
	CreatedAt      string  `json:"createdAt"`
}

type runView struct {
	ID              int64   `json:"id"`
	TaskID          int64   `json:"taskId"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"startedAt"`
	FinishedAt      *string `json:"finishedAt"`
	ErrorMessage    *string `json:"errorMessage"`
	Progress        *int    `json:"progress"`
	ProgressMessage *string `json:"progressMessage"`
	DurationMs      *int64  `json:"durationMs"`
}

type healthView struct {
	OK        bool    `json:"ok"`
	Uptime    float64 `json:"uptime"`
	PID       int     `json:"pid"`
	Scheduler struct {
		Running  bool `json:"running"`
		JobCount int  `json:"jobCount"`
		Jobs     []struct {
			TaskID int64   `json:"taskId"`
			Next   *string `json:"next"`
		} `json:"jobs"`
	} `json:"scheduler"`
}

type runTaskView struct {
	OK      bool   `json:"ok"`
	TaskID  int64  `json:"taskId"`
	Started bool   `json:"started"`
	Reason  string `json:"reason"`
}

// call sends a JSON request to the worker and decodes the reply into out.
func (s *MCPServer) call(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	data := s.proxy.Request(ctx, method, path, body)
	if data == nil {
		return errUnavailable
	}
	var apiErr apiErrorBody
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != nil {
		return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var health healthView
	if err := s.call(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status unavailable: %v", err)), nil
	}
	uptime := (time.Duration(health.Uptime) * time.Second).String()
	result := fmt.Sprintf("Worker pid %d, up %s\n", health.PID, uptime)
	result += fmt.Sprintf("Scheduler running: %t, cron jobs: %d\n", health.Scheduler.Running, health.Scheduler.JobCount)
	for _, job := range health.Scheduler.Jobs {
		result += fmt.Sprintf("  task %d next %s\n", job.TaskID, s.formatTime(job.Next))
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.call(ctx, http.MethodPost, "/sync", nil, nil); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}
	return mcp.NewToolResultText("Schedules reconciled"), nil
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := strings.TrimSpace(mcp.ParseString(request, "prompt", ""))
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	payload := map[string]any{
		"name":   mcp.ParseString(request, "name", ""),
		"prompt": prompt,
	}
	if cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", "")); cronExpr != "" {
		// Reject bad expressions here since the worker only checks them at schedule time.
		if _, err := core.ParseCron(cronExpr); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
		}
		payload["cronExpression"] = cronExpr
	}
	if at := strings.TrimSpace(mcp.ParseString(request, "scheduled_at", "")); at != "" {
		payload["scheduledAt"] = at
	}
	if dir := strings.TrimSpace(mcp.ParseString(request, "working_dir", "")); dir != "" {
		payload["workingDir"] = dir
	}
	if minutes := mcp.ParseFloat64(request, "timeout_minutes", 0); minutes > 0 {
		payload["timeoutSeconds"] = int(minutes * 60)
	}
	if maxRuns := int(mcp.ParseFloat64(request, "max_runs", 0)); maxRuns > 0 {
		payload["maxRuns"] = maxRuns
	}
	if mode := mcp.ParseString(request, "nudge_mode", ""); mode != "" {
		payload["nudgeMode"] = mode
	}

	var task taskView
	if err := s.call(ctx, http.MethodPost, "/tasks", payload, &task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}
	s.logger.Info("task created", "task_id", task.ID)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %d\nTrigger: %s\nNext run: %s",
		task.ID, task.TriggerType, s.formatTime(task.NextRun))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := "/tasks"
	if status := mcp.ParseString(request, "status", ""); status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []taskView
	if err := s.call(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "[%s] %d %s\n", t.Status, t.ID, t.Name)
		fmt.Fprintf(&b, "  Trigger: %s\n", describeTrigger(t))
		fmt.Fprintf(&b, "  Prompt: %s\n", truncateString(t.Prompt, 60))
		if t.NextRun != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(t.NextRun))
		}
		if t.Running {
			b.WriteString("  Running now\n")
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := parseID(mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var t taskView
	if err := s.call(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", taskID), nil, &t); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %d\n", t.ID)
	if t.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", t.Name)
	}
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Trigger: %s\n", describeTrigger(t))
	fmt.Fprintf(&b, "Prompt: %s\n", t.Prompt)
	if t.WorkingDir != nil {
		fmt.Fprintf(&b, "Working dir: %s\n", *t.WorkingDir)
	}
	if t.TimeoutSeconds != nil {
		fmt.Fprintf(&b, "Timeout: %d seconds\n", *t.TimeoutSeconds)
	}
	if t.MaxRuns != nil {
		fmt.Fprintf(&b, "Runs: %d of %d\n", t.RunCount, *t.MaxRuns)
	} else {
		fmt.Fprintf(&b, "Runs: %d\n", t.RunCount)
	}
	fmt.Fprintf(&b, "Errors: %d\n", t.ErrorCount)
	fmt.Fprintf(&b, "Nudge: %s\n", t.NudgeMode)
	if t.LastRun != nil {
		fmt.Fprintf(&b, "Last run: %s\n", s.formatTime(t.LastRun))
	}
	if t.LastResult != nil {
		fmt.Fprintf(&b, "Last result: %s\n", truncateString(*t.LastResult, 200))
	}
	if t.NextRun != nil {
		fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(t.NextRun))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := parseID(mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := map[string]any{}
	if prompt := strings.TrimSpace(mcp.ParseString(request, "prompt", "")); prompt != "" {
		payload["prompt"] = prompt
	}
	if cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", "")); cronExpr != "" {
		if _, err := core.ParseCron(cronExpr); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
		}
		payload["cronExpression"] = cronExpr
		payload["triggerType"] = string(core.TriggerCron)
	}
	if dir := strings.TrimSpace(mcp.ParseString(request, "working_dir", "")); dir != "" {
		payload["workingDir"] = dir
	}
	if mcp.ParseArgument(request, "paused", nil) != nil {
		status := core.TaskStatusActive
		if mcp.ParseBoolean(request, "paused", false) {
			status = core.TaskStatusPaused
		}
		payload["status"] = string(status)
	}
	if len(payload) == 0 {
		return mcp.NewToolResultError("nothing to update"), nil
	}

	var t taskView
	if err := s.call(ctx, http.MethodPatch, fmt.Sprintf("/tasks/%d", taskID), payload, &t); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update task failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %d\nStatus: %s", t.ID, t.Status)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := parseID(mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.call(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", taskID), nil, nil); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete task failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %d", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := parseID(mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var res runTaskView
	if err := s.call(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/run", taskID), nil, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run task failed: %v", err)), nil
	}
	if !res.Started {
		return mcp.NewToolResultText(fmt.Sprintf("Task %d not started: %s", taskID, strings.ReplaceAll(res.Reason, "_", " "))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %d started", taskID)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := parseID(mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	var runs []runView
	if err := s.call(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d/runs?limit=%d", taskID, limit), nil, &runs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("This task has no runs yet"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d runs:\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] Run %d\n", statusToIcon(core.RunStatus(r.Status)), r.ID)
		fmt.Fprintf(&b, "    Status: %s\n", r.Status)
		fmt.Fprintf(&b, "    Started: %s\n", s.formatTime(&r.StartedAt))
		if r.FinishedAt != nil {
			fmt.Fprintf(&b, "    Finished: %s\n", s.formatTime(r.FinishedAt))
		}
		if r.DurationMs != nil {
			fmt.Fprintf(&b, "    Duration: %s\n", (time.Duration(*r.DurationMs) * time.Millisecond).Round(time.Second))
		}
		if r.Progress != nil {
			fmt.Fprintf(&b, "    Progress: %d%%\n", *r.Progress)
		}
		if r.ErrorMessage != nil {
			fmt.Fprintf(&b, "    Error: %s\n", truncateString(*r.ErrorMessage, 200))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRunResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := parseID(mcp.ParseString(request, "run_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := fmt.Sprintf("/runs/%d/result", runID)
	if tail := int(mcp.ParseFloat64(request, "tail", 0)); tail > 0 {
		path += fmt.Sprintf("?tail=%d", tail)
	}
	data := s.proxy.Request(ctx, http.MethodGet, path, nil)
	if data == nil {
		return mcp.NewToolResultError(errUnavailable.Error()), nil
	}
	var apiErr apiErrorBody
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read result failed: %s", apiErr.Error.Message)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleCronPreview runs locally so it works while the worker is down.
func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}
	nextTimes := core.NextOccurrences(schedule, time.Now().In(s.location), count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) formatTime(value *string) string {
	if value == nil || *value == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return *value
	}
	return t.In(s.location).Format("2006-01-02 15:04:05")
}

func describeTrigger(t taskView) string {
	switch core.TriggerType(t.TriggerType) {
	case core.TriggerCron:
		if t.CronExpression != nil {
			return "cron " + *t.CronExpression
		}
	case core.TriggerOnce:
		if t.ScheduledAt != nil {
			return "once at " + *t.ScheduledAt
		}
	}
	return t.TriggerType
}

func parseID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func statusToIcon(status core.RunStatus) string {
	switch status {
	case core.RunStatusCompleted:
		return "✅"
	case core.RunStatusFailed:
		return "❌"
	case core.RunStatusRunning:
		return "▶️"
	default:
		return "❓"
	}
}
