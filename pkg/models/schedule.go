package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind string

const (
	ScheduleKindFixed     ScheduleKind = "fixed"
	ScheduleKindRecurring ScheduleKind = "recurring"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Recurrence describes a repeating calendar pattern. Every populated component
// (frequency, day of week, day of month, time of day) must match for the
// pattern to fire.
type Recurrence struct {
	Frequency  Frequency `json:"frequency"              validate:"required,oneof=daily weekly monthly"`
	Interval   int       `json:"interval,omitempty"     validate:"min=0"`
	DaysOfWeek []int     `json:"days_of_week,omitempty" validate:"dive,min=0,max=6"`
	DayOfMonth int       `json:"day_of_month,omitempty" validate:"min=0,max=31"`
	TimeOfDay  string    `json:"time_of_day"            validate:"required"`
	Timezone   string    `json:"timezone,omitempty"`
}

// Schedule describes when to fire a time-based trigger: either a fixed
// instant or a recurring pattern.
type Schedule struct {
	Kind       ScheduleKind `json:"kind"                 validate:"required,oneof=fixed recurring"`
	At         *time.Time   `json:"at,omitempty"`
	Recurrence *Recurrence  `json:"recurrence,omitempty"`
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case ScheduleKindFixed:
		if s.At == nil || s.At.IsZero() {
			return fmt.Errorf("%w: fixed schedule requires an instant", ErrInvalidSchedule)
		}

		return nil
	case ScheduleKindRecurring:
		if s.Recurrence == nil {
			return fmt.Errorf("%w: recurring schedule requires a recurrence", ErrInvalidSchedule)
		}

		_, err := s.Recurrence.CronExpression(time.Now())

		return err
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}

// CronExpression converts the recurrence into a five-field cron expression.
// The anchor supplies the weekday or day of month when the pattern omits them.
func (r *Recurrence) CronExpression(anchor time.Time) (string, error) {
	hour, minute, err := parseTimeOfDay(r.TimeOfDay)
	if err != nil {
		return "", err
	}

	loc, err := r.location()
	if err != nil {
		return "", err
	}

	anchor = anchor.In(loc)

	var spec string

	switch r.Frequency {
	case FrequencyDaily:
		spec = fmt.Sprintf("%d %d * * *", minute, hour)
	case FrequencyWeekly:
		days := r.DaysOfWeek
		if len(days) == 0 {
			days = []int{int(anchor.Weekday())}
		}

		parts := make([]string, 0, len(days))
		for _, d := range days {
			parts = append(parts, strconv.Itoa(d))
		}

		spec = fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(parts, ","))
	case FrequencyMonthly:
		dom := r.DayOfMonth
		if dom == 0 {
			dom = anchor.Day()
		}

		spec = fmt.Sprintf("%d %d %d * *", minute, hour, dom)
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, r.Frequency)
	}

	if r.Timezone != "" {
		spec = "CRON_TZ=" + r.Timezone + " " + spec
	}

	if _, err := cronParser.Parse(spec); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return spec, nil
}

// Due reports whether the schedule fires in the window (prev, now]. The anchor
// is the trigger's creation instant and lastFired guards against double firing.
// For fixed schedules tolerance bounds how late a firing may still happen.
func (s *Schedule) Due(prev, now, anchor time.Time, lastFired *time.Time, tolerance time.Duration) (time.Time, bool, error) {
	switch s.Kind {
	case ScheduleKindFixed:
		if s.At == nil {
			return time.Time{}, false, ErrInvalidSchedule
		}

		at := *s.At
		if at.After(now) || now.Sub(at) > tolerance {
			return time.Time{}, false, nil
		}

		if lastFired != nil && !lastFired.Before(at) {
			return time.Time{}, false, nil
		}

		return at, true, nil
	case ScheduleKindRecurring:
		if s.Recurrence == nil {
			return time.Time{}, false, ErrInvalidSchedule
		}

		return s.Recurrence.due(prev, now, anchor, lastFired)
	default:
		return time.Time{}, false, ErrInvalidSchedule
	}
}

func (r *Recurrence) due(prev, now, anchor time.Time, lastFired *time.Time) (time.Time, bool, error) {
	spec, err := r.CronExpression(anchor)
	if err != nil {
		return time.Time{}, false, err
	}

	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	from := prev
	if lastFired != nil && lastFired.After(from) {
		from = *lastFired
	}

	loc, err := r.location()
	if err != nil {
		return time.Time{}, false, err
	}

	// Take the latest matching occurrence in the window so a long pause fires once.
	var latest time.Time

	for occurrence := schedule.Next(from); !occurrence.IsZero() && !occurrence.After(now); occurrence = schedule.Next(occurrence) {
		local := occurrence.In(loc)
		if r.onCalendar(local) && r.onInterval(anchor.In(loc), local) {
			latest = occurrence
		}
	}

	if latest.IsZero() {
		return time.Time{}, false, nil
	}

	return latest, true, nil
}

// onCalendar checks the day-of-week and day-of-month components. The cron
// expression only carries the ones its frequency needs.
func (r *Recurrence) onCalendar(at time.Time) bool {
	if len(r.DaysOfWeek) > 0 && !slices.Contains(r.DaysOfWeek, int(at.Weekday())) {
		return false
	}

	return r.DayOfMonth == 0 || at.Day() == r.DayOfMonth
}

func (r *Recurrence) onInterval(anchor, at time.Time) bool {
	interval := r.Interval
	if interval <= 1 {
		return true
	}

	startOfDay := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	days := int(startOfDay(at).Sub(startOfDay(anchor)).Hours() / 24)

	switch r.Frequency {
	case FrequencyDaily:
		return days%interval == 0
	case FrequencyWeekly:
		return (days/7)%interval == 0
	case FrequencyMonthly:
		months := (at.Year()-anchor.Year())*12 + int(at.Month()) - int(anchor.Month())

		return months%interval == 0
	default:
		return false
	}
}

func (r *Recurrence) location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return loc, nil
}

func parseTimeOfDay(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time of day %q must be HH:MM", ErrInvalidSchedule, value)
	}

	return t.Hour(), t.Minute(), nil
}
