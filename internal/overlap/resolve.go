// Package overlap staggers deadline-like events that would otherwise land on
// the same date and start time.
package overlap

import (
	"strings"
	"time"

	"syllacal/internal/model"
	"syllacal/internal/timeparse"
)

// DefaultStep is the offset applied per colliding priority event.
const DefaultStep = 30 * time.Minute

var priorityWords = []string{"homework", "assignment", "deadline"}

// IsPriority reports whether s names a deadline-like type.
func IsPriority(s string) bool {
	s = strings.ToLower(s)
	for _, w := range priorityWords {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Key identifies a start slot: a calendar date and a 24-hour HH:MM clock.
type Key struct {
	Date  string
	Clock string
}

func (k Key) String() string {
	return k.Date + " " + k.Clock
}

// KeyAt builds the slot key for a wall-clock instant.
func KeyAt(t time.Time) Key {
	return Key{Date: t.Format("2006-01-02"), Clock: t.Format("15:04")}
}

// slot is an event's parsed placement. Arithmetic is done on wall-clock
// values in UTC so a shift is never distorted by a DST transition.
type slot struct {
	start time.Time
	dur   time.Duration
}

func parseSlot(ev model.ExtractedEvent) (slot, bool) {
	date := strings.TrimSpace(ev.Date)
	tm := strings.TrimSpace(ev.Time)
	if date == "" || tm == "" {
		return slot{}, false
	}
	d, err := timeparse.ParseDate(date, time.UTC)
	if err != nil {
		return slot{}, false
	}
	r, err := timeparse.ParseRange(tm)
	if err != nil {
		return slot{}, false
	}
	s := slot{start: r.Start.On(d, time.UTC)}
	if r.HasEnd && r.End.Minutes() > r.Start.Minutes() {
		s.dur = time.Duration(r.End.Minutes()-r.Start.Minutes()) * time.Minute
	}
	return s, true
}

// KeyOf returns the slot key of a timed, dated event. All-day and undated
// events have no key.
func KeyOf(ev model.ExtractedEvent) (Key, bool) {
	s, ok := parseSlot(ev)
	if !ok {
		return Key{}, false
	}
	return KeyAt(s.start), true
}

// shift moves ev later by d, rewriting Date and Time canonically. A range
// keeps its duration.
func shift(ev model.ExtractedEvent, d time.Duration) model.ExtractedEvent {
	s, ok := parseSlot(ev)
	if !ok || d == 0 {
		return ev
	}
	start := s.start.Add(d)
	ev.Date = timeparse.FormatDate(start)
	startClock := timeparse.Clock{Hour: start.Hour(), Minute: start.Minute()}
	if s.dur > 0 {
		end := start.Add(s.dur)
		endClock := timeparse.Clock{Hour: end.Hour(), Minute: end.Minute()}
		ev.Time = startClock.String() + " - " + endClock.String()
	} else {
		ev.Time = startClock.String()
	}
	return ev
}

// Resolve staggers priority events so no two share a slot key. Events are
// visited in input order; a priority event whose slot is already held by an
// earlier priority event moves later one step at a time until it reaches a
// free slot. Other events are never touched and neither block nor move. Output
// order matches input order, and resolving an already-resolved batch changes
// nothing. A non-positive step selects DefaultStep.
func Resolve(events []model.ExtractedEvent, step time.Duration) []model.ExtractedEvent {
	if step <= 0 {
		step = DefaultStep
	}
	out := make([]model.ExtractedEvent, len(events))
	copy(out, events)

	taken := make(map[Key]bool)
	for i, ev := range out {
		if !IsPriority(ev.Type) {
			continue
		}
		s, ok := parseSlot(ev)
		if !ok {
			continue
		}
		var d time.Duration
		for taken[KeyAt(s.start.Add(d))] {
			d += step
		}
		taken[KeyAt(s.start.Add(d))] = true
		if d > 0 {
			out[i] = shift(ev, d)
		}
	}
	return out
}
