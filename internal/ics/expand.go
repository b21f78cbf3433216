package ics

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "syllacal/internal/log"
	"syllacal/internal/model"
)

const defaultMaxOccurrences = 1000

// ExpandConfig bounds expansion to a window and caps runaway rules.
type ExpandConfig struct {
	Location       *time.Location
	RangeStart     time.Time
	RangeEnd       time.Time
	MaxOccurrences int
}

// Expand turns feed events into concrete existing events inside the window.
// Recurring series are expanded with their EXDATEs removed and
// RECURRENCE-ID overrides applied. The result is sorted by start.
func Expand(events []FeedEvent, cfg ExpandConfig) ([]model.ExistingEvent, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: range end before range start")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	base := make(map[string][]FeedEvent)
	overrides := make(map[string][]FeedEvent)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, ok := base[ev.UID]; !ok {
			uids = append(uids, ev.UID)
		}
		base[ev.UID] = append(base[ev.UID], ev)
	}

	out := make([]model.ExistingEvent, 0)
	for _, uid := range uids {
		for _, ev := range base[uid] {
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, overrides[uid], cfg)...)
				continue
			}
			occ, capped := expandSeries(ev, overrides[uid], cfg)
			if capped {
				appLog.Debug("expand: occurrence cap reached", "uid", uid, "cap", cfg.MaxOccurrences)
			}
			out = append(out, occ...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func expandSingle(ev FeedEvent, overrides []FeedEvent, cfg ExpandConfig) []model.ExistingEvent {
	if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	if o, ok := findOverride(overrides, ev.Start); ok {
		return []model.ExistingEvent{toExisting(o, o.Start, o.End, cfg.Location)}
	}
	return []model.ExistingEvent{toExisting(ev, ev.Start, ev.End, cfg.Location)}
}

func expandSeries(ev FeedEvent, overrides []FeedEvent, cfg ExpandConfig) ([]model.ExistingEvent, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: bad RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	starts := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	capped := false
	if len(starts) > cfg.MaxOccurrences {
		starts = starts[:cfg.MaxOccurrences]
		capped = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]model.ExistingEvent, 0, len(starts))
	for _, s := range starts {
		e := s.Add(dur)
		if ev.AllDay {
			s = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, s.Location())
			e = s.AddDate(0, 0, 1)
		}
		if o, ok := findOverride(overrides, s); ok {
			out = append(out, toExisting(o, o.Start, o.End, cfg.Location))
			continue
		}
		out = append(out, toExisting(ev, s, e, cfg.Location))
	}
	return out, capped
}

func findOverride(overrides []FeedEvent, start time.Time) (FeedEvent, bool) {
	for _, o := range overrides {
		if o.RecurrenceID != nil && o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return FeedEvent{}, false
}

func toExisting(ev FeedEvent, start, end time.Time, loc *time.Location) model.ExistingEvent {
	desc := ev.Description
	if len(ev.Categories) > 0 {
		desc = strings.TrimSpace(desc + "\n" + strings.Join(ev.Categories, ", "))
	}
	return model.ExistingEvent{
		SourceID:    ev.Feed.ID,
		UID:         ev.UID,
		Title:       ev.Summary,
		Description: desc,
		AllDay:      ev.AllDay,
		Start:       start.In(loc),
		End:         end.In(loc),
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
