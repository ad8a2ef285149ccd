package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/daymonio/daymon-sub001/internal/core"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"nextTimes,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "invalid JSON payload"})
		return
	}
	writeJSON(w, http.StatusOK, previewCron(req.Expr, req.Now, req.Count, s.location))
}

// previewCron validates expr and lists up to count upcoming fire times after
// now (RFC3339, defaults to the current time) in loc.
func previewCron(expr, now string, count int, loc *time.Location) cronPreviewResponse {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return cronPreviewResponse{Message: "cron expression is required"}
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return cronPreviewResponse{Message: err.Error()}
	}
	if count <= 0 || count > 10 {
		count = 5
	}
	if loc == nil {
		loc = time.Local
	}
	base := time.Now().In(loc)
	if now != "" {
		if parsed, err := time.Parse(time.RFC3339, now); err == nil {
			base = parsed.In(loc)
		}
	}
	times := core.NextOccurrences(schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	return cronPreviewResponse{Valid: true, NextTimes: formatted}
}
