package gcal

import (
	"context"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"syllacal/internal/model"
)

// ToExisting converts listed service events for the conflict checker.
// Events without usable times are skipped.
func ToExisting(items []*calendar.Event, loc *time.Location) []model.ExistingEvent {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]model.ExistingEvent, 0, len(items))
	for _, it := range items {
		if it == nil || it.Start == nil || it.End == nil || it.Status == "cancelled" {
			continue
		}
		ex := model.ExistingEvent{
			SourceID:    "google",
			UID:         it.Id,
			Title:       it.Summary,
			Description: it.Description,
		}
		switch {
		case it.Start.DateTime != "":
			start, err := time.Parse(time.RFC3339, it.Start.DateTime)
			if err != nil {
				continue
			}
			end, err := time.Parse(time.RFC3339, it.End.DateTime)
			if err != nil {
				end = start
			}
			ex.Start, ex.End = start.In(loc), end.In(loc)
		case it.Start.Date != "":
			start, err := time.ParseInLocation("2006-01-02", it.Start.Date, loc)
			if err != nil {
				continue
			}
			end, err := time.ParseInLocation("2006-01-02", it.End.Date, loc)
			if err != nil {
				end = start.AddDate(0, 0, 1)
			}
			ex.AllDay = true
			ex.Start, ex.End = start, end
		default:
			continue
		}
		out = append(out, ex)
	}
	return out
}

// ListExisting returns events already in the session's calendar within
// [from, to).
func (s *Session) ListExisting(ctx context.Context, from, to time.Time, loc *time.Location) ([]model.ExistingEvent, error) {
	items, err := s.svc.List(ctx, s.calendarID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list existing events: %w", err)
	}
	return ToExisting(items, loc), nil
}
