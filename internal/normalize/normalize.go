// Package normalize turns extracted events into NormalizedEvent values with
// concrete start and end instants in the target time zone.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "syllacal/internal/log"
	"syllacal/internal/model"
	"syllacal/internal/recurrence"
	"syllacal/internal/timeparse"
)

const (
	// DefaultAnchor fires at midnight every Monday.
	DefaultAnchor   = "0 0 * * 1"
	DefaultDuration = time.Hour
)

// Skipped records an event that produced no output and why.
type Skipped struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Formatter converts events for one target location. Now is the reference
// instant used to anchor recurring events that carry no date.
type Formatter struct {
	Location        *time.Location
	Anchor          cron.Schedule
	Now             time.Time
	DefaultDuration time.Duration
}

// NewFormatter builds a Formatter from a cron anchor spec. An empty spec
// selects DefaultAnchor.
func NewFormatter(loc *time.Location, anchorSpec string, now time.Time, dur time.Duration) (*Formatter, error) {
	if strings.TrimSpace(anchorSpec) == "" {
		anchorSpec = DefaultAnchor
	}
	sched, err := cron.ParseStandard(anchorSpec)
	if err != nil {
		return nil, fmt.Errorf("parse anchor schedule %q: %w", anchorSpec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if dur <= 0 {
		dur = DefaultDuration
	}
	return &Formatter{Location: loc, Anchor: sched, Now: now, DefaultDuration: dur}, nil
}

func (f *Formatter) loc() *time.Location {
	if f.Location == nil {
		return time.UTC
	}
	return f.Location
}

func (f *Formatter) duration() time.Duration {
	if f.DefaultDuration <= 0 {
		return DefaultDuration
	}
	return f.DefaultDuration
}

// AnchorDate returns local midnight of the next anchor firing after Now.
func (f *Formatter) AnchorDate() time.Time {
	loc := f.loc()
	now := f.Now.In(loc)
	var next time.Time
	if f.Anchor != nil {
		next = f.Anchor.Next(now)
	}
	if next.IsZero() {
		next = nextMonday(now)
	}
	next = next.In(loc)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, loc)
}

func nextMonday(now time.Time) time.Time {
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return now.AddDate(0, 0, days)
}

// Format normalizes one event. The boolean is false when the event has
// neither a usable date nor a recognized recurrence; such events are
// excluded from every output.
func (f *Formatter) Format(raw model.ExtractedEvent) (model.NormalizedEvent, bool) {
	ev := raw.Normalize()
	loc := f.loc()

	out := model.NormalizedEvent{
		ID:          ev.ID,
		Title:       ev.Title,
		Type:        ev.Type,
		Location:    ev.Location,
		Description: TagDescription(ev.Description, ev.Type),
	}

	if ev.Recurrence != "" {
		res := recurrence.Compile(ev.Recurrence, loc)
		switch {
		case !res.Matched:
			out.Warnings = append(out.Warnings, fmt.Sprintf("unrecognized recurrence %q", ev.Recurrence))
		default:
			rule := res.Rule
			out.Rule = &rule
			if res.UntilDropped {
				out.Warnings = append(out.Warnings, fmt.Sprintf("could not parse end date in recurrence %q", ev.Recurrence))
			}
		}
	}

	var day time.Time
	if ev.Date != "" {
		d, err := timeparse.ParseDate(ev.Date, loc)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("unparseable date %q", ev.Date))
		} else {
			day = d
		}
	}

	if day.IsZero() {
		if out.Rule == nil {
			return out, false
		}
		day = f.AnchorDate()
	}
	if out.Rule != nil {
		day = recurrence.FirstOnOrAfter(*out.Rule, day)
	}

	if ev.Time == "" {
		f.allDay(&out, day)
		return out, true
	}

	r, err := timeparse.ParseRange(ev.Time)
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("unparseable time %q, treated as all-day", ev.Time))
		f.allDay(&out, day)
		return out, true
	}

	out.Start = r.Start.On(day, loc)
	if r.HasEnd {
		out.End = r.End.On(day, loc)
	}
	if !out.End.After(out.Start) {
		out.End = out.Start.Add(f.duration())
	}
	return out, true
}

func (f *Formatter) allDay(out *model.NormalizedEvent, day time.Time) {
	out.AllDay = true
	out.Start = day
	out.End = day.AddDate(0, 0, 1)
}

// FormatAll normalizes events in order and reports the ones left out.
func (f *Formatter) FormatAll(events []model.ExtractedEvent) ([]model.NormalizedEvent, []Skipped) {
	out := make([]model.NormalizedEvent, 0, len(events))
	var skipped []Skipped
	for _, raw := range events {
		n, ok := f.Format(raw)
		if !ok {
			ev := raw.Normalize()
			reason := "no date and no recognized recurrence"
			skipped = append(skipped, Skipped{ID: ev.ID, Title: ev.Title, Reason: reason})
			appLog.Debug("event skipped", "id", ev.ID, "title", ev.Title, "reason", reason)
			continue
		}
		for _, w := range n.Warnings {
			appLog.Debug("event normalized with warning", "id", n.ID, "warning", w)
		}
		out = append(out, n)
	}
	return out, skipped
}

// TagDescription appends the event type to the description.
func TagDescription(desc, typ string) string {
	desc = strings.TrimSpace(desc)
	if typ == "" {
		return desc
	}
	if desc == "" {
		return "Type: " + typ
	}
	return desc + "\n\nType: " + typ
}
