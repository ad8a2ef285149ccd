package nudge

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

type shellNudger struct {
	app    string
	logger *slog.Logger
}

func newPlatformNudger(app string, logger *slog.Logger) Nudger {
	return &shellNudger{app: app, logger: logger}
}

func (n *shellNudger) Send(ctx context.Context, opts Options) error {
	script := fmt.Sprintf(
		`$w = New-Object -ComObject WScript.Shell; if (-not $w.AppActivate(%s)) { exit 2 }; Start-Sleep -Milliseconds 400; $w.SendKeys(%s)`,
		psQuote(n.app), psQuote(sendKeysEscape(FormatMessage(opts))+"{ENTER}"),
	)
	cmd := exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 2 {
			return fmt.Errorf("%w: %s", ErrCompanionNotFound, n.app)
		}
		return fmt.Errorf("powershell: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sendKeysEscape wraps SendKeys metacharacters in braces.
func sendKeysEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '+', '^', '%', '~', '(', ')', '{', '}', '[', ']':
			b.WriteRune('{')
			b.WriteRune(r)
			b.WriteRune('}')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
