package domain

import "time"

// Clock abstracts "now" so tests can inject time. All "today" computations
// go through a Clock.
type Clock interface {
	Now() time.Time
}

// RealClock returns the wall-clock time.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	Time time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time {
	return c.Time
}

// Day truncates a time to its wall-clock day string.
func Day(t time.Time) string {
	return t.Format(DateFormat)
}

// ParseDay parses a wall-clock day string.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(DateFormat, s)
}
