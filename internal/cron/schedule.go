// Package cron schedules time-triggered planner invocations from a
// persisted job set.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus the descriptor
// sugar forms (@hourly, @daily, @weekly, @every <duration>).
var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseExpression validates a job expression.
func ParseExpression(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule expression is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun computes the next firing time for an expression after now.
func NextRun(expr string, now time.Time) (time.Time, error) {
	sched, err := ParseExpression(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
