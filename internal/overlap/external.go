package overlap

import (
	"time"

	appLog "syllacal/internal/log"
	"syllacal/internal/model"
)

// CheckExternal staggers new priority events against deadline-like events
// already present in the destination calendar. Existing events are counted
// per slot key in loc; a new priority event on an occupied slot moves
// count*step later and the count grows by one.
func CheckExternal(events []model.ExtractedEvent, existing []model.ExistingEvent, loc *time.Location, step time.Duration) []model.ExtractedEvent {
	if loc == nil {
		loc = time.UTC
	}
	if step <= 0 {
		step = DefaultStep
	}
	out := make([]model.ExtractedEvent, len(events))
	copy(out, events)
	if len(existing) == 0 {
		return out
	}

	counts := make(map[Key]int)
	for _, ex := range existing {
		if ex.AllDay || ex.Start.IsZero() {
			continue
		}
		if !IsPriority(ex.Title) && !IsPriority(ex.Description) {
			continue
		}
		counts[KeyAt(ex.Start.In(loc))]++
	}
	if len(counts) == 0 {
		return out
	}

	for i, ev := range out {
		if !IsPriority(ev.Type) {
			continue
		}
		k, ok := KeyOf(ev)
		if !ok {
			continue
		}
		n := counts[k]
		if n == 0 {
			continue
		}
		out[i] = shift(ev, time.Duration(n)*step)
		counts[k]++
		appLog.Debug("shifted event past existing calendar entries",
			"id", ev.ID, "slot", k.String(), "offset", (time.Duration(n) * step).String())
	}
	return out
}
