package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// parseSchedule validates a job schedule. Recurring jobs take a standard
// five-field cron expression (descriptors like @daily included); one-shot
// jobs take an RFC 3339 timestamp.
func parseSchedule(schedule string, recurring bool) (robfig.Schedule, time.Time, error) {
	if recurring {
		sched, err := robfig.ParseStandard(schedule)
		if err != nil {
			return nil, time.Time{}, apperr.Validation("schedule", fmt.Sprintf("invalid cron expression: %v", err))
		}
		return sched, time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, schedule)
	if err != nil {
		return nil, time.Time{}, apperr.Validation("schedule", "one-shot schedule must be an RFC 3339 timestamp")
	}
	return nil, at, nil
}

// NextRun returns when job should fire after now. ok is false for disabled
// jobs, one-shot jobs whose time has passed and unparsable schedules.
func NextRun(job *models.CronJob, now time.Time) (time.Time, bool) {
	if !job.Enabled {
		return time.Time{}, false
	}
	sched, at, err := parseSchedule(job.Schedule, job.Recurring)
	if err != nil {
		return time.Time{}, false
	}
	if sched != nil {
		next := sched.Next(now)
		return next, !next.IsZero()
	}
	if !at.After(now) {
		return time.Time{}, false
	}
	return at, true
}
