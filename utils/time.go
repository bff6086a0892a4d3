// Package utils provides utility functions for the application.
package utils

import (
	"time"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// IsExpiredAt reports whether deadline has passed at instant now
func IsExpiredAt(deadline, now time.Time) bool {
	return now.After(deadline)
}

// StartOfDay returns midnight of t's calendar day in loc, expressed in UTC
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}

// LoadLocationOrUTC resolves an IANA zone name, falling back to UTC
func LoadLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
