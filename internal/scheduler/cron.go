package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
)

// standard 5-field cron: minute hour day-of-month month day-of-week
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun returns the first instant strictly after from at which cronExpr
// fires, interpreting the expression in the IANA zone timezone. The result
// is in UTC. Invalid expressions or zones return a *ValidationError.
func NextRun(cronExpr, timezone string, from time.Time) (time.Time, error) {
	sched, loc, err := parseCron(cronExpr, timezone)
	if err != nil {
		return time.Time{}, err
	}

	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, apperrors.NewValidationError("cron_expression", "%q never fires", cronExpr)
	}
	return next.UTC(), nil
}

// ValidateCron checks an expression and timezone without evaluating them
func ValidateCron(cronExpr, timezone string) error {
	_, _, err := parseCron(cronExpr, timezone)
	return err
}

func parseCron(cronExpr, timezone string) (cron.Schedule, *time.Location, error) {
	if cronExpr == "" {
		return nil, nil, apperrors.NewValidationError("cron_expression", "cannot be empty")
	}
	// the zone comes from the schedule, never from the expression
	if upper := strings.ToUpper(strings.TrimSpace(cronExpr)); strings.HasPrefix(upper, "TZ=") || strings.HasPrefix(upper, "CRON_TZ=") {
		return nil, nil, apperrors.NewValidationError("cron_expression", "%q: set the timezone field instead of a TZ prefix", cronExpr)
	}
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, nil, apperrors.NewValidationError("cron_expression", "invalid expression %q: %v", cronExpr, err)
	}

	loc := time.UTC
	if timezone != "" && timezone != "UTC" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, apperrors.NewValidationError("timezone", "invalid timezone %q: %v", timezone, err)
		}
	}
	return sched, loc, nil
}

// period estimates the spacing between two consecutive firings after at.
// Used to size the data window of a scheduled run.
func period(cronExpr, timezone string, at time.Time) (time.Duration, error) {
	next, err := NextRun(cronExpr, timezone, at)
	if err != nil {
		return 0, err
	}
	after, err := NextRun(cronExpr, timezone, next)
	if err != nil {
		return 0, err
	}
	return after.Sub(next), nil
}
