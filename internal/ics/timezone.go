package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
)

const localLayout = "20060102T150405"

var (
	propTzOffsetFrom = ical.ComponentProperty(ical.PropertyTzoffsetfrom)
	propTzOffsetTo   = ical.ComponentProperty(ical.PropertyTzoffsetto)
	propTzName       = ical.ComponentProperty(ical.PropertyTzname)
)

var byDayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// observance is one offset change of a zone.
type observance struct {
	at       time.Time
	from, to int
	name     string
	dst      bool
}

// wallStart is the transition in the wall clock that was in effect before it.
func (o observance) wallStart() time.Time {
	return o.at.In(time.FixedZone("", o.from))
}

// yearlyRule describes the transition as a month and nth weekday, the way
// zone rules are written. A date in the last seven days of the month is
// taken as the last such weekday.
func (o observance) yearlyRule() string {
	w := o.wallStart()
	daysInMonth := time.Date(w.Year(), w.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	n := (w.Day()-1)/7 + 1
	if w.Day()+7 > daysInMonth {
		n = -1
	}
	return fmt.Sprintf("FREQ=YEARLY;BYMONTH=%d;BYDAY=%d%s", int(w.Month()), n, byDayCodes[w.Weekday()])
}

func transitionsIn(loc *time.Location, year int) []observance {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, loc)
	end := start.AddDate(1, 0, 0)

	var out []observance
	t := start
	for {
		_, next := t.ZoneBounds()
		if next.IsZero() || !next.Before(end) {
			return out
		}
		_, from := next.Add(-time.Second).Zone()
		name, to := next.Zone()
		if from != to {
			out = append(out, observance{at: next, from: from, to: to, name: name, dst: next.IsDST()})
		}
		t = next
	}
}

// addTimezone appends a VTIMEZONE for loc covering year onward. Transitions
// found in year are emitted with a yearly rule when the following year
// repeats them; a zone without transitions gets a single STANDARD block.
func addTimezone(cal *ical.Calendar, loc *time.Location, tzid string, year int) {
	vtz := cal.AddTimezone(tzid)

	current := transitionsIn(loc, year)
	if len(current) == 0 {
		ref := time.Date(year, 1, 1, 0, 0, 0, 0, loc)
		name, off := ref.Zone()
		std := vtz.AddStandard()
		std.SetProperty(ical.ComponentPropertyDtStart, "19700101T000000")
		std.SetProperty(propTzOffsetFrom, formatOffset(off))
		std.SetProperty(propTzOffsetTo, formatOffset(off))
		std.SetProperty(propTzName, name)
		return
	}

	following := transitionsIn(loc, year+1)
	for i, o := range current {
		var comp *ical.ComponentBase
		if o.dst {
			d := &ical.Daylight{}
			vtz.Components = append(vtz.Components, d)
			comp = &d.ComponentBase
		} else {
			comp = &vtz.AddStandard().ComponentBase
		}
		comp.SetProperty(ical.ComponentPropertyDtStart, o.wallStart().Format(localLayout))
		comp.SetProperty(propTzOffsetFrom, formatOffset(o.from))
		comp.SetProperty(propTzOffsetTo, formatOffset(o.to))
		comp.SetProperty(propTzName, o.name)
		if i < len(following) && repeats(o, following[i]) {
			comp.SetProperty(ical.ComponentPropertyRrule, o.yearlyRule())
		}
	}
}

func repeats(a, b observance) bool {
	return a.from == b.from && a.to == b.to && a.yearlyRule() == b.yearlyRule() &&
		a.wallStart().Format("150405") == b.wallStart().Format("150405")
}

// formatOffset renders a UTC offset in seconds as +HHMM, or +HHMMSS when
// seconds are present.
func formatOffset(sec int) string {
	sign := '+'
	if sec < 0 {
		sign = '-'
		sec = -sec
	}
	h, m, s := sec/3600, sec%3600/60, sec%60
	if s != 0 {
		return fmt.Sprintf("%c%02d%02d%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%c%02d%02d", sign, h, m)
}
