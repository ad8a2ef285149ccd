package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules use the classic minute/hour/day/month/weekday form only.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression and returns its schedule.
// Descriptors such as @daily and seconds fields are rejected.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, fmt.Errorf("cron expression is empty")
	case strings.HasPrefix(expr, "@"):
		return nil, fmt.Errorf("descriptor %q not supported, use 5 fields", expr)
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, fmt.Errorf("cron expression has %d fields, want 5", n)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return schedule, nil
}

// NextOccurrences lists the next n fire times strictly after base.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	times := make([]time.Time, 0, n)
	for next := base; len(times) < n; {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
