package nudge

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

type macNudger struct {
	app    string
	logger *slog.Logger
}

func newPlatformNudger(app string, logger *slog.Logger) Nudger {
	return &macNudger{app: app, logger: logger}
}

func (n *macNudger) Send(ctx context.Context, opts Options) error {
	out, err := exec.CommandContext(ctx, "osascript", "-e",
		fmt.Sprintf(`application %s is running`, appleQuote(n.app))).Output()
	if err != nil {
		return fmt.Errorf("query %s: %w", n.app, err)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("%w: %s", ErrCompanionNotFound, n.app)
	}

	script := strings.Join([]string{
		fmt.Sprintf(`tell application %s to activate`, appleQuote(n.app)),
		`delay 0.5`,
		fmt.Sprintf(`tell application "System Events" to keystroke %s`, appleQuote(FormatMessage(opts))),
		`tell application "System Events" to key code 36`,
	}, "\n")
	if out, err := exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func appleQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
