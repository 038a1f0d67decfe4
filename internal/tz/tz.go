// Package tz resolves wall-clock times in IANA zones to UTC instants.
//
// The resolution policy for daylight-saving edges is fixed: when a local
// day contains a backward transition every wall time on that day maps to
// the instant derived from the pre-transition offset (the earlier of the
// two candidates), and when a wall time falls inside a spring-forward gap
// it maps to the first instant after the gap.
package tz

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownZone = errors.New("unknown timezone")

// ValidateZone accepts canonical IANA names only. Abbreviations such as
// EST or PST load in Go but are ambiguous across regions, so anything
// that is not UTC and carries no region separator is rejected.
func ValidateZone(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownZone)
	}

	if name != "UTC" && !strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q is not a canonical IANA name", ErrUnknownZone, name)
	}

	_, err := time.LoadLocation(name)

	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}

	return nil
}

// Resolve returns the UTC instant at which the given wall clock occurs in
// the named zone on the given local date.
func Resolve(zone string, year int, month time.Month, day, hour, min int) (time.Time, error) {
	if err := ValidateZone(zone); err != nil {
		return time.Time{}, err
	}

	loc, err := time.LoadLocation(zone)

	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}

	// wall clock carried as a UTC value so offset arithmetic stays exact
	wall := time.Date(year, month, day, hour, min, 0, 0, time.UTC)

	offStart, offEnd, changed := dayOffsets(loc, year, month, day)

	if !changed {
		return wall.Add(-time.Duration(offStart) * time.Second), nil
	}

	if offStart > offEnd {
		// clocks fell back during this local day: every wall time has two
		// candidate instants, one per offset, and the earlier one always
		// derives from the pre-transition offset.
		return wall.Add(-time.Duration(offStart) * time.Second), nil
	}

	// clocks sprang forward: wall times inside the gap do not exist.
	early := wall.Add(-time.Duration(offStart) * time.Second)
	late := wall.Add(-time.Duration(offEnd) * time.Second)

	if roundTrips(early, loc, year, month, day, hour, min) {
		return early, nil
	}

	if roundTrips(late, loc, year, month, day, hour, min) {
		return late, nil
	}

	return transitionAfter(loc, late, early), nil
}

// ObservedDay maps an event's month and day onto the calendar of a given
// year. February 29 events observe on February 28 in non-leap years.
func ObservedDay(year int, month time.Month, day int) (time.Month, int) {
	if month == time.February && day == 29 && !IsLeap(year) {
		return time.February, 28
	}

	return month, day
}

func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// dayOffsets reports the UTC offsets in force at the start and end of the
// named local calendar day. Instants across a window wide enough for any
// real offset are sampled and only those whose local date matches count.
func dayOffsets(loc *time.Location, year int, month time.Month, day int) (first, last int, changed bool) {
	base := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)

	lo := base.Add(-15 * time.Hour)
	hi := base.Add(38 * time.Hour)

	seen := false

	for t := lo; !t.After(hi); t = t.Add(30 * time.Minute) {
		lt := t.In(loc)
		ly, lm, ld := lt.Date()

		if ly != year || lm != month || ld != day {
			continue
		}

		_, off := lt.Zone()

		if !seen {
			first = off
			seen = true
		}

		last = off
	}

	return first, last, seen && first != last
}

func roundTrips(t time.Time, loc *time.Location, year int, month time.Month, day, hour, min int) bool {
	lt := t.In(loc)
	ly, lm, ld := lt.Date()

	return ly == year && lm == month && ld == day && lt.Hour() == hour && lt.Minute() == min
}

// transitionAfter locates the first instant in (lo, hi] whose offset
// differs from the offset at lo. Callers guarantee exactly one
// transition inside the bracket.
func transitionAfter(loc *time.Location, lo, hi time.Time) time.Time {
	_, offLo := lo.In(loc).Zone()

	loSec := lo.Unix()
	hiSec := hi.Unix()

	for loSec+1 < hiSec {
		mid := (loSec + hiSec) / 2
		_, off := time.Unix(mid, 0).In(loc).Zone()

		if off == offLo {
			loSec = mid
		} else {
			hiSec = mid
		}
	}

	return time.Unix(hiSec, 0).UTC()
}
