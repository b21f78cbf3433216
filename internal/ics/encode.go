// Package ics writes the RFC 5545 calendar file for a batch of normalized
// events and reads subscribed feeds whose events count as already booked.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	goical "github.com/emersion/go-ical"
	"github.com/google/uuid"

	"syllacal/internal/model"
	"syllacal/internal/recurrence"
)

const (
	DefaultProductID = "-//syllacal//Syllabus Calendar//EN"
	DefaultUIDDomain = "syllacal"
)

// EncodeOptions carries the calendar-level fields. Now stamps DTSTAMP and
// CREATED; NewUID overrides UID generation (tests use it for stable output).
type EncodeOptions struct {
	CourseName string
	TimeZone   string
	ProductID  string
	UIDDomain  string
	Now        time.Time
	NewUID     func() string
}

func (o EncodeOptions) uid() string {
	if o.NewUID != nil {
		return o.NewUID()
	}
	domain := o.UIDDomain
	if domain == "" {
		domain = DefaultUIDDomain
	}
	return uuid.NewString() + "@" + domain
}

// Encode renders events as a VCALENDAR document with CRLF line endings. The
// document is decoded again before it is returned; output that does not
// read back is an error and is never handed to the caller.
func Encode(events []model.NormalizedEvent, opts EncodeOptions) ([]byte, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	cal := ical.NewCalendarFor("syllacal")
	if opts.ProductID != "" {
		cal.SetProductId(opts.ProductID)
	} else {
		cal.SetProductId(DefaultProductID)
	}
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(ical.MethodPublish)
	if name := strings.TrimSpace(opts.CourseName); name != "" {
		cal.SetXWRCalName(name)
	}
	if opts.TimeZone != "" {
		cal.SetXWRTimezone(opts.TimeZone)
	}

	if tzid, loc := timedZone(events, opts.TimeZone); tzid != "" {
		addTimezone(cal, loc, tzid, firstTimedYear(events, loc))
	}

	for _, ev := range events {
		if !ev.End.After(ev.Start) {
			return nil, fmt.Errorf("event %q: end %s not after start %s", ev.ID, ev.End, ev.Start)
		}

		vev := cal.AddEvent(opts.uid())
		vev.SetDtStampTime(now)
		vev.SetCreatedTime(now)
		vev.SetSummary(ev.Title)
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.Type != "" {
			vev.AddCategory(ev.Type)
		}

		if ev.AllDay {
			vev.SetAllDayStartAt(ev.Start)
			vev.SetAllDayEndAt(ev.End)
		} else {
			setTimed(vev, ev.Start, ev.End, opts.TimeZone)
		}

		if ev.Rule != nil {
			vev.AddRrule(recurrence.RRule(*ev.Rule, ev.AllDay))
		}
	}

	var buf bytes.Buffer
	if err := cal.SerializeTo(&buf, ical.WithNewLineWindows); err != nil {
		return nil, fmt.Errorf("serialize calendar: %w", err)
	}
	n, err := Verify(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if n != len(events) {
		return nil, fmt.Errorf("generated calendar has %d events, want %d", n, len(events))
	}
	return buf.Bytes(), nil
}

// zoneName returns the TZID timed values are tagged with, or "" when they
// are written in UTC.
func zoneName(start time.Time, tz string) string {
	if tz == "" {
		tz = start.Location().String()
	}
	if tz == "UTC" || tz == "Local" {
		return ""
	}
	return tz
}

// timedZone returns the TZID used by the first timed event and the zone its
// VTIMEZONE describes. A TZID the zone database does not know is described
// with the event's own location. It returns "" when no value carries a TZID.
func timedZone(events []model.NormalizedEvent, tz string) (string, *time.Location) {
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		name := zoneName(ev.Start, tz)
		if name == "" {
			return "", nil
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			loc = ev.Start.Location()
		}
		return name, loc
	}
	return "", nil
}

func firstTimedYear(events []model.NormalizedEvent, loc *time.Location) int {
	year := 0
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		if y := ev.Start.In(loc).Year(); year == 0 || y < year {
			year = y
		}
	}
	return year
}

// setTimed writes DTSTART/DTEND as local wall-clock values tagged with the
// zone, which Encode defines in a VTIMEZONE. Without a named zone the
// instants are written in UTC.
func setTimed(vev *ical.VEvent, start, end time.Time, tz string) {
	tz = zoneName(start, tz)
	if tz == "" {
		vev.SetStartAt(start)
		vev.SetEndAt(end)
		return
	}
	vev.SetProperty(ical.ComponentPropertyDtStart, start.Format(localLayout), ical.WithTZID(tz))
	vev.SetProperty(ical.ComponentPropertyDtEnd, end.Format(localLayout), ical.WithTZID(tz))
}

// Verify decodes data with an independent parser and returns the number of
// VEVENTs, each of which must carry a UID and a DTSTART.
func Verify(data []byte) (int, error) {
	cal, err := goical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return 0, fmt.Errorf("decode generated calendar: %w", err)
	}
	n := 0
	for _, comp := range cal.Children {
		if comp.Name != goical.CompEvent {
			continue
		}
		if comp.Props.Get(goical.PropUID) == nil {
			return n, errors.New("generated event without UID")
		}
		if comp.Props.Get(goical.PropDateTimeStart) == nil {
			return n, errors.New("generated event without DTSTART")
		}
		n++
	}
	return n, nil
}
