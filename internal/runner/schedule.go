package runner

import (
	"fmt"
	"time"

	"github.com/roach88/reajuste/internal/domain"
)

// Schedule fires once a day at a wall-clock time in Location.
type Schedule struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// ParseSchedule parses "HH:MM". A nil loc means UTC.
func ParseSchedule(hhmm string, loc *time.Location) (Schedule, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %q: want HH:MM", hhmm)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Schedule{Hour: t.Hour(), Minute: t.Minute(), Location: loc}, nil
}

// MustParseSchedule is ParseSchedule that panics on error.
func MustParseSchedule(hhmm string, loc *time.Location) Schedule {
	s, err := ParseSchedule(hhmm, loc)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Next returns the first firing strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	local := t.In(s.location())
	y, m, d := local.Date()
	next := time.Date(y, m, d, s.Hour, s.Minute, 0, 0, s.location())
	if !next.After(t) {
		next = time.Date(y, m, d+1, s.Hour, s.Minute, 0, 0, s.location())
	}
	return next
}

// AsOf returns the pass date of a firing: its calendar day in Location.
func (s Schedule) AsOf(fired time.Time) time.Time {
	y, m, d := fired.In(s.location()).Date()
	return domain.Day(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// String renders the schedule as "HH:MM Location".
func (s Schedule) String() string {
	return fmt.Sprintf("%02d:%02d %s", s.Hour, s.Minute, s.location())
}
