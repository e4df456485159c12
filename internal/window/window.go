package window

import "time"

// Default marking window: 8:00-9:00 with a 5 minute grace period before
// auto-absence kicks in.
const (
	DefaultStartMinute = 8 * 60
	DefaultEndMinute   = 9 * 60
	DefaultGraceMin    = 5
)

// Policy is the daily time-of-day interval during which attendance may be
// self-reported. Both boundaries are inclusive.
type Policy struct {
	StartMinute int // minute of day, e.g. 480 for 8:00
	EndMinute   int
	GraceMin    int // minutes past EndMinute before auto-absence
}

// Default returns the 8:00-9:00 policy with a 5 minute grace period.
func Default() Policy {
	return Policy{StartMinute: DefaultStartMinute, EndMinute: DefaultEndMinute, GraceMin: DefaultGraceMin}
}

// IsWithin reports whether t falls inside the marking window.
func (p Policy) IsWithin(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= p.StartMinute && m <= p.EndMinute
}

// Deadline returns the auto-absence instant (window end + grace) on the
// calendar day of t, in t's location.
func (p Policy) Deadline(t time.Time) time.Time {
	m := p.EndMinute + p.GraceMin
	return time.Date(t.Year(), t.Month(), t.Day(), m/60, m%60, 0, 0, t.Location())
}

// NextDeadline returns the first deadline strictly after now: today's if it
// has not passed yet, otherwise tomorrow's. Anchoring to the wall-clock
// deadline keeps the schedule drift-free across restarts.
func (p Policy) NextDeadline(now time.Time) time.Time {
	d := p.Deadline(now)
	if d.After(now) {
		return d
	}
	return p.Deadline(now.AddDate(0, 0, 1))
}

// DateKey formats t as the calendar-day key used throughout the ledger.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
