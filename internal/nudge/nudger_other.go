//go:build !darwin && !linux && !windows

package nudge

import "log/slog"

func newPlatformNudger(app string, logger *slog.Logger) Nudger {
	logger.Warn("nudges not supported on this platform, logging only", "app", app)
	return LogNudger{Logger: logger}
}
