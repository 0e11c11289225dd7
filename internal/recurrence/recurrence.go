package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidPattern = errors.New("invalid recurrence pattern")

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Pattern is the repeat rule of a recurring message.
// Weekdays use 0=Sunday..6=Saturday and only apply to Weekly.
// DayOfMonth is 1..31 and only applies to Monthly; shorter months clamp to their last day.
type Pattern struct {
	Frequency  Frequency `json:"frequency,omitempty"`
	Time       string    `json:"time,omitempty"` // HH:MM, 24h, local to the message timezone
	Weekdays   []int     `json:"weekdays,omitempty"`
	DayOfMonth int       `json:"day_of_month,omitempty"`
}

// Validate checks the fields required by the pattern's frequency.
func (p Pattern) Validate() error {
	if _, _, err := parseClock(p.Time); err != nil {
		return err
	}
	switch p.Frequency {
	case Daily:
	case Weekly:
		if len(p.Weekdays) == 0 {
			return fmt.Errorf("%w: weekly pattern needs at least one weekday", ErrInvalidPattern)
		}
		for _, d := range p.Weekdays {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidPattern, d)
			}
		}
	case Monthly:
		if p.DayOfMonth < 1 || p.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month %d out of range 1-31", ErrInvalidPattern, p.DayOfMonth)
		}
	case "":
		return fmt.Errorf("%w: frequency required", ErrInvalidPattern)
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidPattern, p.Frequency)
	}
	return nil
}

// LoadLocation resolves an IANA zone name. Empty names are rejected rather than
// silently treated as UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: timezone required", ErrInvalidPattern)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidPattern, name)
	}
	return loc, nil
}

// Next returns the first fire instant of p strictly after ref, in UTC.
// ref is passed in explicitly; nothing here reads the wall clock.
func Next(p Pattern, timezone string, ref time.Time) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, _ := parseClock(p.Time)

	local := ref.In(loc)
	y, m, d := local.Date()

	var next time.Time
	switch p.Frequency {
	case Daily:
		next = time.Date(y, m, d, hour, minute, 0, 0, loc)
		if !next.After(ref) {
			next = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
		}
	case Weekly:
		days := make(map[time.Weekday]bool, len(p.Weekdays))
		for _, wd := range p.Weekdays {
			days[time.Weekday(wd)] = true
		}
		// Day 0 through day 7: the eighth step covers "same weekday next week"
		// when today's slot has already passed.
		for i := 0; i <= 7; i++ {
			c := time.Date(y, m, d+i, hour, minute, 0, 0, loc)
			if days[c.Weekday()] && c.After(ref) {
				next = c
				break
			}
		}
	case Monthly:
		next = monthlyCandidate(y, m, p.DayOfMonth, hour, minute, loc)
		if !next.After(ref) {
			next = monthlyCandidate(y, m+1, p.DayOfMonth, hour, minute, loc)
		}
	}

	if next.IsZero() || !next.After(ref) {
		return time.Time{}, fmt.Errorf("%w: no fire time after %s", ErrInvalidPattern, ref.UTC().Format(time.RFC3339))
	}
	return next.UTC(), nil
}

func monthlyCandidate(y int, m time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	y, m = first.Year(), first.Month()
	if last := DaysIn(y, m); day > last {
		day = last
	}
	return time.Date(y, m, day, hour, minute, 0, 0, loc)
}

// DaysIn returns the number of days in the given month.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseClock(v string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidPattern, v)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidPattern, v)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidPattern, v)
	}
	return hh, mm, nil
}
