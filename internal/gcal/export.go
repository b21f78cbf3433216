package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	appLog "syllacal/internal/log"
	"syllacal/internal/model"
	"syllacal/internal/recurrence"
)

const (
	DefaultCalendarID  = "primary"
	DefaultConcurrency = 4
)

// Exporter authorizes a user and writes events to their calendar.
type Exporter struct {
	Auth        Authenticator
	NewService  ServiceFactory
	CalendarID  string
	Concurrency int
}

// Session is an authorized connection to one user's calendar. NewAccessToken
// and NewRefreshToken are set when authorization had to refresh.
type Session struct {
	svc             Service
	calendarID      string
	limit           int
	NewAccessToken  string
	NewRefreshToken string
}

// Connect validates creds, refreshing once if the access token is rejected.
// When Google refuses both credentials the error wraps ErrAuthExpired; a
// failure to reach Google is returned as is.
func (e *Exporter) Connect(ctx context.Context, creds Credentials, calendarID string) (*Session, error) {
	if strings.TrimSpace(creds.AccessToken) == "" {
		return nil, ErrMissingToken
	}

	sess := &Session{
		calendarID: firstNonEmpty(calendarID, e.CalendarID, DefaultCalendarID),
		limit:      e.Concurrency,
	}
	if sess.limit <= 0 {
		sess.limit = DefaultConcurrency
	}

	tok := &oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}
	if err := e.Auth.Validate(ctx, creds.AccessToken); err != nil {
		if !rejected(err) {
			return nil, fmt.Errorf("validate access token: %w", err)
		}
		appLog.Info("access token rejected, trying refresh", "reason", err.Error())
		fresh, rerr := e.Auth.Refresh(ctx, creds.RefreshToken)
		if rerr != nil {
			if !rejected(rerr) {
				return nil, fmt.Errorf("refresh access token: %w", rerr)
			}
			return nil, fmt.Errorf("%w: %v", ErrAuthExpired, rerr)
		}
		tok = fresh
		sess.NewAccessToken = fresh.AccessToken
		if fresh.RefreshToken != "" && fresh.RefreshToken != creds.RefreshToken {
			sess.NewRefreshToken = fresh.RefreshToken
		}
	}

	newService := e.NewService
	if newService == nil {
		newService = NewAPIService
	}
	svc, err := newService(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, err
	}
	sess.svc = svc
	return sess, nil
}

// CreatedEvent is one successful insert.
type CreatedEvent struct {
	Title          string `json:"title"`
	ServiceEventID string `json:"serviceEventId"`
	Link           string `json:"link,omitempty"`
}

// EventError is one failed insert.
type EventError struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

type Summary struct {
	Total      int `json:"totalEvents"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Result is the batch outcome. Success is true only when every insert
// succeeded. CreatedEvents and Errors always encode as lists.
type Result struct {
	Success         bool           `json:"success"`
	CreatedEvents   []CreatedEvent `json:"createdEvents"`
	Errors          []EventError   `json:"errors"`
	NewAccessToken  string         `json:"newAccessToken,omitempty"`
	NewRefreshToken string         `json:"newRefreshToken,omitempty"`
	Summary         Summary        `json:"summary"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(plain(r.WithLists()))
}

// WithLists returns r with nil CreatedEvents and Errors replaced by empty
// slices.
func (r Result) WithLists() Result {
	if r.CreatedEvents == nil {
		r.CreatedEvents = []CreatedEvent{}
	}
	if r.Errors == nil {
		r.Errors = []EventError{}
	}
	return r
}

// InsertOptions are the per-batch insert settings.
type InsertOptions struct {
	TimeZone string
	ColorID  string
}

type outcome struct {
	created *calendar.Event
	err     error
}

// InsertAll inserts every event with bounded concurrency. A failed insert
// never stops its siblings; once ctx is done the remaining events fail with
// the context error.
func (s *Session) InsertAll(ctx context.Context, events []model.NormalizedEvent, opts InsertOptions) Result {
	outcomes := make([]outcome, len(events))

	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			created, err := s.svc.Insert(ctx, s.calendarID, BuildEvent(ev, opts.TimeZone, opts.ColorID))
			outcomes[i] = outcome{created: created, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		CreatedEvents:   make([]CreatedEvent, 0, len(events)),
		Errors:          make([]EventError, 0),
		NewAccessToken:  s.NewAccessToken,
		NewRefreshToken: s.NewRefreshToken,
	}
	for i, o := range outcomes {
		title := events[i].Title
		if o.err != nil {
			res.Errors = append(res.Errors, EventError{Event: title, Error: describe(o.err)})
			appLog.Error("calendar insert failed", o.err, "id", events[i].ID, "title", title)
			continue
		}
		ce := CreatedEvent{Title: title}
		if o.created != nil {
			ce.ServiceEventID = o.created.Id
			ce.Link = o.created.HtmlLink
		}
		res.CreatedEvents = append(res.CreatedEvents, ce)
	}
	res.Summary = Summary{
		Total:      len(events),
		Successful: len(res.CreatedEvents),
		Failed:     len(res.Errors),
	}
	res.Success = res.Summary.Failed == 0
	appLog.Info("calendar export finished",
		"total", res.Summary.Total, "successful", res.Summary.Successful, "failed", res.Summary.Failed)
	return res
}

// Export connects and inserts in one step.
func (e *Exporter) Export(ctx context.Context, events []model.NormalizedEvent, creds Credentials, calendarID string, opts InsertOptions) (Result, error) {
	if strings.TrimSpace(opts.TimeZone) == "" {
		return Result{}, ErrMissingTimeZone
	}
	sess, err := e.Connect(ctx, creds, calendarID)
	if err != nil {
		return Result{}, err
	}
	return sess.InsertAll(ctx, events, opts), nil
}

// BuildEvent maps a normalized event onto an insert request. Timed events
// carry local wall-clock values plus the zone name; the service resolves the
// instant. All-day events use an exclusive end date.
func BuildEvent(ev model.NormalizedEvent, tz, colorID string) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		ColorId:     ValidColorID(colorID),
	}

	if ev.AllDay {
		out.Start = &calendar.EventDateTime{Date: ev.Start.Format("2006-01-02")}
		out.End = &calendar.EventDateTime{Date: ev.End.Format("2006-01-02")}
		if ev.Rule != nil && tz != "" {
			out.Start.TimeZone = tz
			out.End.TimeZone = tz
		}
	} else {
		const layout = "2006-01-02T15:04:05"
		out.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(layout), TimeZone: tz}
		out.End = &calendar.EventDateTime{DateTime: ev.End.Format(layout), TimeZone: tz}
	}

	if ev.Rule != nil {
		out.Recurrence = []string{"RRULE:" + recurrence.RRule(*ev.Rule, ev.AllDay)}
	}
	return out
}

// ValidColorID returns id when it names one of the eleven event colors.
func ValidColorID(id string) string {
	id = strings.TrimSpace(id)
	n, err := strconv.Atoi(id)
	if err != nil || n < 1 || n > 11 {
		return ""
	}
	return strconv.Itoa(n)
}

func describe(err error) string {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.Code)
		}
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return "authorization rejected: " + msg
		}
		return msg
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "export cancelled before this event was sent"
	}
	return err.Error()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
