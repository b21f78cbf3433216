package gcal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Service is the subset of the Calendar API the exporter uses.
type Service interface {
	Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	List(ctx context.Context, calendarID string, from, to time.Time) ([]*calendar.Event, error)
}

// ServiceFactory opens a Service authorized by ts.
type ServiceFactory func(ctx context.Context, ts oauth2.TokenSource) (Service, error)

type apiService struct {
	svc *calendar.Service
}

// NewAPIService is the ServiceFactory backed by the real Calendar API.
func NewAPIService(ctx context.Context, ts oauth2.TokenSource) (Service, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return &apiService{svc: svc}, nil
}

func (s *apiService) Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	return s.svc.Events.Insert(calendarID, ev).Context(ctx).Do()
}

// List returns single-expanded events in [from, to), following pagination.
func (s *apiService) List(ctx context.Context, calendarID string, from, to time.Time) ([]*calendar.Event, error) {
	var out []*calendar.Event
	page := ""
	for {
		call := s.svc.Events.List(calendarID).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(250)
		if page != "" {
			call = call.PageToken(page)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return out, err
		}
		out = append(out, resp.Items...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		page = resp.NextPageToken
	}
}
