package scheduler

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

func parseMillis(value string) (int64, error) {
	return strconv.ParseInt(value, 10, 64)
}

// NextCronOccurrence parses expr as a standard cron expression and returns
// its next occurrence strictly after from. Used both by the engine's
// advance step and by the IPC mediator when computing a freshly scheduled
// task's initial nextRun.
func NextCronOccurrence(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}
