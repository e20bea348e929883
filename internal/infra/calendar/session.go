// Package calendar answers "is the US equity market open" for cache lifetimes.
package calendar

import (
	"time"

	"github.com/scmhub/calendar"
)

// Session reports regular trading hours for one exchange.
type Session struct {
	cal      *calendar.Calendar
	location *time.Location
	fallback bool
}

// NewSession loads the calendar for the ISO 10383 MIC (e.g. "xnys"). When the
// calendar is unknown it falls back to Mon-Fri 09:30-16:00 New York time.
func NewSession(mic string) *Session {
	if mic == "" {
		mic = "xnys"
	}
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		cal = calendar.GetCalendar("xnys")
	}
	if cal == nil {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		return &Session{location: loc, fallback: true}
	}
	return &Session{cal: cal, location: cal.Loc}
}

// IsOpen reports whether t falls inside a regular session.
func (s *Session) IsOpen(t time.Time) bool {
	if s == nil {
		return false
	}
	if s.location != nil {
		t = t.In(s.location)
	}
	if !s.fallback {
		return s.cal.IsOpen(t)
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// TTL returns open while the session is open at now and closed otherwise.
func (s *Session) TTL(open, closed time.Duration) func(now time.Time) time.Duration {
	return func(now time.Time) time.Duration {
		if s.IsOpen(now) {
			return open
		}
		return closed
	}
}
