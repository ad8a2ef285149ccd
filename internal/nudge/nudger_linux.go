package nudge

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

type xdoNudger struct {
	app    string
	logger *slog.Logger
}

func newPlatformNudger(app string, logger *slog.Logger) Nudger {
	return &xdoNudger{app: app, logger: logger}
}

func (n *xdoNudger) Send(ctx context.Context, opts Options) error {
	if _, err := exec.LookPath("xdotool"); err != nil {
		return fmt.Errorf("xdotool unavailable: %w", err)
	}
	out, err := exec.CommandContext(ctx, "xdotool", "search", "--onlyvisible", "--name", n.app).Output()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCompanionNotFound, n.app)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s", ErrCompanionNotFound, n.app)
	}
	window := ids[0]

	steps := [][]string{
		{"windowactivate", "--sync", window},
		{"type", "--delay", "10", "--", FormatMessage(opts)},
		{"key", "Return"},
	}
	for _, args := range steps {
		if out, err := exec.CommandContext(ctx, "xdotool", args...).CombinedOutput(); err != nil {
			return fmt.Errorf("xdotool %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
