package nudge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Setting keys read from the store.
const (
	KeyQuietHoursEnabled = "quiet_hours_enabled"
	KeyQuietHoursFrom    = "quiet_hours_from"
	KeyQuietHoursUntil   = "quiet_hours_until"

	defaultQuietFrom  = "08:00"
	defaultQuietUntil = "22:00"
)

// SettingsReader is the narrow store capability used for quiet hours.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// ShouldNudge decides whether a finished run warrants a nudge. Unknown modes
// notify.
func ShouldNudge(mode string, success bool) bool {
	switch mode {
	case "never":
		return false
	case "failure_only":
		return !success
	default:
		return true
	}
}

// IsInQuietHours reports whether now falls inside [from, until). When from is
// after until the window wraps midnight. Unparsable bounds are never quiet.
func IsInQuietHours(now time.Time, from, until string) bool {
	f, err := parseClock(from)
	if err != nil {
		return false
	}
	u, err := parseClock(until)
	if err != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if f <= u {
		return cur >= f && cur < u
	}
	return cur >= f || cur < u
}

// QuietHours evaluates the configured quiet window at now. It is off unless
// explicitly enabled, and any failure reading settings counts as not quiet.
func QuietHours(ctx context.Context, settings SettingsReader, now time.Time) bool {
	if settings == nil {
		return false
	}
	enabled, ok, err := settings.GetSetting(ctx, KeyQuietHoursEnabled)
	if err != nil || !ok || !truthy(enabled) {
		return false
	}
	from, err := settingOr(ctx, settings, KeyQuietHoursFrom, defaultQuietFrom)
	if err != nil {
		return false
	}
	until, err := settingOr(ctx, settings, KeyQuietHoursUntil, defaultQuietUntil)
	if err != nil {
		return false
	}
	return IsInQuietHours(now, from, until)
}

func settingOr(ctx context.Context, settings SettingsReader, key, def string) (string, error) {
	v, ok, err := settings.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strings.TrimSpace(v), nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
