package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a standard 5-field cron expression and returns its
// schedule. Malformed expressions fail here, at task create/edit time,
// never inside the scheduler loop.
func ParseCron(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, ErrCronRequired
	}
	if strings.HasPrefix(trimmed, "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextTrigger returns the earliest trigger strictly after reference, in
// reference's location. A nil result means no next time could be computed;
// callers treat that as "scheduling paused", not as a failure.
func NextTrigger(expr string, reference time.Time, loc *time.Location) *time.Time {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	next := schedule.Next(reference.In(loc))
	if next.IsZero() {
		return nil
	}
	return &next
}

// NextOccurrences returns the next n trigger times of a schedule after base.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
