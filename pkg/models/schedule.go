package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronExpression is returned when a cron expression does not parse
// with the standard 5-field format.
var ErrInvalidCronExpression = errors.New("invalid cron expression")

// cronParser accepts the standard 5-field format
// (minute hour day month weekday).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCronRun returns the next trigger instant strictly after the reference
// time, evaluated in the given timezone. An empty timezone means UTC.
func NextCronRun(expression, timezone string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, ErrInvalidCronExpression
	}

	loc := time.UTC

	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, err
		}
	}

	return schedule.Next(after.In(loc)).UTC(), nil
}

// CronIntervalSeconds estimates the recurrence interval of a cron expression
// in seconds, measured as the gap between its next two trigger instants.
// Shorter intervals are treated as more time-sensitive by the claim ordering.
func CronIntervalSeconds(expression, timezone string) (int64, error) {
	first, err := NextCronRun(expression, timezone, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	second, err := NextCronRun(expression, timezone, first)
	if err != nil {
		return 0, err
	}

	return int64(second.Sub(first) / time.Second), nil
}

// ValidateCron reports whether the expression parses.
func ValidateCron(expression string) error {
	_, err := cronParser.Parse(expression)
	if err != nil {
		return ErrInvalidCronExpression
	}

	return nil
}
