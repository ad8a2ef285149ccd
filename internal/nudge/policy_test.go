package nudge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShouldNudge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode    string
		success bool
		want    bool
	}{
		{mode: "always", success: true, want: true},
		{mode: "always", success: false, want: true},
		{mode: "failure_only", success: true, want: false},
		{mode: "failure_only", success: false, want: true},
		{mode: "never", success: true, want: false},
		{mode: "never", success: false, want: false},
		{mode: "", success: true, want: true},
		{mode: "bogus", success: false, want: true},
	}
	for _, tt := range tests {
		if got := ShouldNudge(tt.mode, tt.success); got != tt.want {
			t.Fatalf("ShouldNudge(%q, %v) = %v, want %v", tt.mode, tt.success, got, tt.want)
		}
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 6, hour, minute, 0, 0, time.UTC)
}

func TestIsInQuietHours(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		now         time.Time
		from, until string
		want        bool
	}{
		{name: "inside day window", now: at(12, 0), from: "08:00", until: "22:00", want: true},
		{name: "start is inclusive", now: at(8, 0), from: "08:00", until: "22:00", want: true},
		{name: "end is exclusive", now: at(22, 0), from: "08:00", until: "22:00", want: false},
		{name: "before day window", now: at(7, 59), from: "08:00", until: "22:00", want: false},
		{name: "wrapping late evening", now: at(23, 30), from: "23:00", until: "07:00", want: true},
		{name: "wrapping early morning", now: at(6, 59), from: "23:00", until: "07:00", want: true},
		{name: "wrapping end exclusive", now: at(7, 0), from: "23:00", until: "07:00", want: false},
		{name: "wrapping midday", now: at(12, 0), from: "23:00", until: "07:00", want: false},
		{name: "whole day window", now: at(12, 0), from: "00:00", until: "23:59", want: true},
		{name: "empty window", now: at(12, 0), from: "10:00", until: "10:00", want: false},
		{name: "bad from", now: at(12, 0), from: "noon", until: "22:00", want: false},
		{name: "bad until", now: at(12, 0), from: "08:00", until: "25:00", want: false},
	}
	for _, tt := range tests {
		if got := IsInQuietHours(tt.now, tt.from, tt.until); got != tt.want {
			t.Fatalf("%s: IsInQuietHours(%s, %s, %s) = %v, want %v", tt.name, tt.now.Format("15:04"), tt.from, tt.until, got, tt.want)
		}
	}
}

type mapSettings struct {
	values map[string]string
	err    error
}

func (m mapSettings) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func TestQuietHours(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name     string
		settings SettingsReader
		now      time.Time
		want     bool
	}{
		{name: "nil reader", settings: nil, now: at(12, 0), want: false},
		{name: "not enabled", settings: mapSettings{values: map[string]string{}}, now: at(12, 0), want: false},
		{name: "disabled", settings: mapSettings{values: map[string]string{KeyQuietHoursEnabled: "false"}}, now: at(12, 0), want: false},
		{name: "enabled with defaults", settings: mapSettings{values: map[string]string{KeyQuietHoursEnabled: "true"}}, now: at(12, 0), want: true},
		{name: "enabled outside defaults", settings: mapSettings{values: map[string]string{KeyQuietHoursEnabled: "1"}}, now: at(23, 0), want: false},
		{
			name: "custom window",
			settings: mapSettings{values: map[string]string{
				KeyQuietHoursEnabled: "yes",
				KeyQuietHoursFrom:    "22:00",
				KeyQuietHoursUntil:   "06:00",
			}},
			now:  at(23, 0),
			want: true,
		},
		{name: "read error", settings: mapSettings{err: errors.New("locked")}, now: at(12, 0), want: false},
	}
	for _, tt := range tests {
		if got := QuietHours(ctx, tt.settings, tt.now); got != tt.want {
			t.Fatalf("%s: QuietHours = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	t.Parallel()

	ok := FormatMessage(Options{TaskID: 3, TaskName: "digest", Success: true, DurationMs: 2400})
	if ok != `[daymon] task "digest" completed in 2s` {
		t.Fatalf("success message = %q", ok)
	}
	failed := FormatMessage(Options{TaskID: 4, DurationMs: 61000, ErrorMessage: "exit code 1:\n  boom"})
	if failed != `[daymon] task "#4" failed after 1m1s: exit code 1: boom` {
		t.Fatalf("failure message = %q", failed)
	}
}
