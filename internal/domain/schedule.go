package domain

import (
	"errors"
	"fmt"
	"time"
)

type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// ScheduleSpec describes when a report recurs: a frequency, a time of day,
// and a timezone the time of day is interpreted in. DayOfWeek is required
// for weekly schedules, DayOfMonth for monthly ones. A monthly day past the
// end of a short month is clamped to that month's last day.
type ScheduleSpec struct {
	Frequency  Frequency `json:"frequency"`
	Hour       int       `json:"hour"`
	Minute     int       `json:"minute"`
	DayOfWeek  *int      `json:"day_of_week,omitempty"`  // 0 = Sunday .. 6 = Saturday
	DayOfMonth *int      `json:"day_of_month,omitempty"` // 1..31
	Timezone   string    `json:"timezone,omitempty"`     // IANA name, default UTC
}

func (s ScheduleSpec) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidSchedule, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidSchedule, s.Minute)
	}
	switch s.Frequency {
	case FrequencyDaily, FrequencyQuarterly:
	case FrequencyWeekly:
		if s.DayOfWeek == nil {
			return fmt.Errorf("%w: weekly schedule requires day_of_week", ErrInvalidSchedule)
		}
		if *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return fmt.Errorf("%w: day_of_week %d out of range", ErrInvalidSchedule, *s.DayOfWeek)
		}
	case FrequencyMonthly:
		if s.DayOfMonth == nil {
			return fmt.Errorf("%w: monthly schedule requires day_of_month", ErrInvalidSchedule)
		}
		if *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month %d out of range", ErrInvalidSchedule, *s.DayOfMonth)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	}
	return nil
}

func (s ScheduleSpec) location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextRun computes the next occurrence strictly after from.
func (s ScheduleSpec) NextRun(from time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	loc := s.location()
	local := from.In(loc)
	year, month, day := local.Date()

	var candidate time.Time
	switch s.Frequency {
	case FrequencyDaily:
		candidate = time.Date(year, month, day, s.Hour, s.Minute, 0, 0, loc)
		if !candidate.After(from) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	case FrequencyWeekly:
		candidate = time.Date(year, month, day, s.Hour, s.Minute, 0, 0, loc)
		delta := (*s.DayOfWeek - int(candidate.Weekday()) + 7) % 7
		candidate = candidate.AddDate(0, 0, delta)
		if !candidate.After(from) {
			candidate = candidate.AddDate(0, 0, 7)
		}
	case FrequencyMonthly:
		candidate = dayClamped(year, month, *s.DayOfMonth, s.Hour, s.Minute, loc)
		if !candidate.After(from) {
			candidate = dayClamped(year, month+1, *s.DayOfMonth, s.Hour, s.Minute, loc)
		}
	case FrequencyQuarterly:
		dom := day
		if s.DayOfMonth != nil {
			dom = *s.DayOfMonth
		}
		candidate = dayClamped(year, month, dom, s.Hour, s.Minute, loc)
		if !candidate.After(from) {
			candidate = dayClamped(year, month+3, dom, s.Hour, s.Minute, loc)
		}
	}
	return candidate, nil
}

// dayClamped builds a wall-clock time in the given month with the day
// clamped to the month's actual last day. The month may be out of range;
// time.Date normalizes it.
func dayClamped(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day(); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

var ErrInvalidSchedule = errors.New("invalid schedule spec")

// ReportSchedule is a recurring report owned by the scheduled-reports
// feature. QueuedJobID tracks the currently-armed future occurrence so
// deactivation can cancel it.
type ReportSchedule struct {
	ID          string
	ReportID    string
	Spec        ScheduleSpec
	Format      string
	Recipients  []string
	Active      bool
	NextRunAt   time.Time
	QueuedJobID *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
