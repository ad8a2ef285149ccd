package nudge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrCompanionNotFound is returned when no companion window could be located.
var ErrCompanionNotFound = errors.New("companion app not found")

// Nudger pings the companion application about a finished run.
type Nudger interface {
	Send(ctx context.Context, opts Options) error
}

// LogNudger only logs. It is used where no platform automation exists or when
// nudging is disabled.
type LogNudger struct {
	Logger *slog.Logger
}

func (n LogNudger) Send(ctx context.Context, opts Options) error {
	n.Logger.Info("nudge", "task_id", opts.TaskID, "message", FormatMessage(opts))
	return nil
}

// New returns the platform nudger for the companion app, or a LogNudger when app is empty.
func New(app string, logger *slog.Logger) Nudger {
	if strings.TrimSpace(app) == "" {
		return LogNudger{Logger: logger}
	}
	return newPlatformNudger(app, logger)
}

// FormatMessage renders the single-line status message typed into the companion app.
func FormatMessage(opts Options) string {
	name := strings.TrimSpace(opts.TaskName)
	if name == "" {
		name = fmt.Sprintf("#%d", opts.TaskID)
	}
	dur := (time.Duration(opts.DurationMs) * time.Millisecond).Round(time.Second)
	if opts.Success {
		return fmt.Sprintf("[daymon] task %q completed in %s", name, dur)
	}
	msg := fmt.Sprintf("[daymon] task %q failed after %s", name, dur)
	if e := singleLine(opts.ErrorMessage, 120); e != "" {
		msg += ": " + e
	}
	return msg
}

func singleLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return s
}
