package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

type proxyCall struct {
	method string
	path   string
	body   map[string]any
}

// fakeProxy answers worker requests from a table keyed by "METHOD path".
type fakeProxy struct {
	mu        sync.Mutex
	responses map[string]string
	calls     []proxyCall
}

func (p *fakeProxy) Request(ctx context.Context, method, path string, body []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := proxyCall{method: method, path: path}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &call.body)
	}
	p.calls = append(p.calls, call)
	resp, ok := p.responses[method+" "+path]
	if !ok {
		return nil
	}
	return []byte(resp)
}

func (p *fakeProxy) lastCall() proxyCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return proxyCall{}
	}
	return p.calls[len(p.calls)-1]
}

func newTestServer(responses map[string]string) (*MCPServer, *fakeProxy) {
	proxy := &fakeProxy{responses: responses}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMCPServer(proxy, logger, time.UTC), proxy
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want mcp.TextContent", res.Content[0])
	}
	return text.Text
}

func TestStatusWorkerUnavailable(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(nil)
	res, err := s.handleStatus(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handleStatus error = %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "unavailable") {
		t.Fatalf("result = %q, want unavailable error", resultText(t, res))
	}
}

func TestCreateTaskRejectsBadCronLocally(t *testing.T) {
	t.Parallel()

	s, proxy := newTestServer(nil)
	res, _ := s.handleCreateTask(context.Background(), callRequest(map[string]any{
		"prompt": "summarize inbox",
		"cron":   "not a cron",
	}))
	if !res.IsError || !strings.Contains(resultText(t, res), "invalid cron expression") {
		t.Fatalf("result = %q, want cron error", resultText(t, res))
	}
	if len(proxy.calls) != 0 {
		t.Fatalf("worker called %d times, want 0", len(proxy.calls))
	}
}

func TestCreateTaskSendsPayload(t *testing.T) {
	t.Parallel()

	s, proxy := newTestServer(map[string]string{
		"POST /tasks": `{"id":7,"triggerType":"cron","nextRun":"2026-01-02T09:00:00Z"}`,
	})
	res, _ := s.handleCreateTask(context.Background(), callRequest(map[string]any{
		"name":            "digest",
		"prompt":          " summarize inbox ",
		"cron":            "0 9 * * *",
		"timeout_minutes": 2.0,
		"max_runs":        3.0,
	}))
	if res.IsError {
		t.Fatalf("result error = %q", resultText(t, res))
	}
	text := resultText(t, res)
	if !strings.Contains(text, "ID: 7") || !strings.Contains(text, "2026-01-02 09:00:00") {
		t.Fatalf("result = %q", text)
	}
	body := proxy.lastCall().body
	if body["prompt"] != "summarize inbox" || body["cronExpression"] != "0 9 * * *" {
		t.Fatalf("payload = %v", body)
	}
	if body["timeoutSeconds"] != 120.0 || body["maxRuns"] != 3.0 {
		t.Fatalf("payload = %v, want timeoutSeconds 120 and maxRuns 3", body)
	}
}

func TestWorkerErrorsSurface(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(map[string]string{
		"GET /tasks/5": `{"error":{"code":"not_found","message":"task not found"}}`,
	})
	res, _ := s.handleGetTask(context.Background(), callRequest(map[string]any{"task_id": "5"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "not_found: task not found") {
		t.Fatalf("result = %q", resultText(t, res))
	}
}

func TestUpdateTaskPaused(t *testing.T) {
	t.Parallel()

	s, proxy := newTestServer(map[string]string{
		"PATCH /tasks/3": `{"id":3,"status":"paused"}`,
	})
	res, _ := s.handleUpdateTask(context.Background(), callRequest(map[string]any{
		"task_id": "3",
		"paused":  true,
	}))
	if res.IsError {
		t.Fatalf("result error = %q", resultText(t, res))
	}
	if got := proxy.lastCall().body["status"]; got != "paused" {
		t.Fatalf("status = %v, want paused", got)
	}

	res, _ = s.handleUpdateTask(context.Background(), callRequest(map[string]any{"task_id": "3"}))
	if !res.IsError || resultText(t, res) != "nothing to update" {
		t.Fatalf("result = %q, want nothing to update", resultText(t, res))
	}
}

func TestRunTaskNotStarted(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(map[string]string{
		"POST /tasks/4/run": `{"ok":true,"taskId":4,"started":false,"reason":"already_running"}`,
	})
	res, _ := s.handleRunTask(context.Background(), callRequest(map[string]any{"task_id": "4"}))
	if got := resultText(t, res); got != "Task 4 not started: already running" {
		t.Fatalf("result = %q", got)
	}
}

func TestGetRunResultReturnsRawText(t *testing.T) {
	t.Parallel()

	s, proxy := newTestServer(map[string]string{
		"GET /runs/9/result?tail=5": "# Report\nall good",
	})
	res, _ := s.handleGetRunResult(context.Background(), callRequest(map[string]any{
		"run_id": "9",
		"tail":   5.0,
	}))
	if got := resultText(t, res); got != "# Report\nall good" {
		t.Fatalf("result = %q", got)
	}
	if got := proxy.lastCall().path; got != "/runs/9/result?tail=5" {
		t.Fatalf("path = %q", got)
	}
}

func TestCronPreviewIsLocal(t *testing.T) {
	t.Parallel()

	s, proxy := newTestServer(nil)
	res, _ := s.handleCronPreview(context.Background(), callRequest(map[string]any{
		"cron":  "*/15 * * * *",
		"count": 3.0,
	}))
	text := resultText(t, res)
	if res.IsError || !strings.Contains(text, "  3. ") || strings.Contains(text, "  4. ") {
		t.Fatalf("result = %q, want three fire times", text)
	}
	if len(proxy.calls) != 0 {
		t.Fatalf("worker called %d times, want 0", len(proxy.calls))
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "12", want: 12},
		{raw: " 3 ", want: 3},
		{raw: "0", wantErr: true},
		{raw: "-4", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseID(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("parseID(%q) = %d, %v; want %d, err %t", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestTruncateString(t *testing.T) {
	t.Parallel()

	if got := truncateString("short", 10); got != "short" {
		t.Fatalf("truncateString = %q", got)
	}
	if got := truncateString("日本語のテキストです", 6); got != "日本語..." {
		t.Fatalf("truncateString = %q, want 日本語...", got)
	}
}
