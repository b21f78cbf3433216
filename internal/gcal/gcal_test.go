package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"syllacal/internal/model"
)

type fakeAuth struct {
	valid        map[string]bool
	fresh        *oauth2.Token
	refreshErr   error
	refreshCalls int
}

func (a *fakeAuth) Validate(_ context.Context, token string) error {
	if a.valid[token] {
		return nil
	}
	return ErrTokenRejected
}

func (a *fakeAuth) Refresh(_ context.Context, refresh string) (*oauth2.Token, error) {
	a.refreshCalls++
	if a.refreshErr != nil {
		return nil, a.refreshErr
	}
	if refresh == "" {
		return nil, errNoRefreshToken
	}
	return a.fresh, nil
}

type fakeService struct {
	mu       sync.Mutex
	inserted []*calendar.Event
	fail     map[string]error
	listed   []*calendar.Event
}

func (s *fakeService) Insert(_ context.Context, _ string, ev *calendar.Event) (*calendar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[ev.Summary]; err != nil {
		return nil, err
	}
	s.inserted = append(s.inserted, ev)
	return &calendar.Event{Id: "id-" + ev.Summary, HtmlLink: "https://calendar.example/" + ev.Summary}, nil
}

func (s *fakeService) List(_ context.Context, _ string, _, _ time.Time) ([]*calendar.Event, error) {
	return s.listed, nil
}

func newExporter(auth Authenticator, svc *fakeService, usedToken *string) *Exporter {
	return &Exporter{
		Auth: auth,
		NewService: func(_ context.Context, ts oauth2.TokenSource) (Service, error) {
			tok, err := ts.Token()
			if err != nil {
				return nil, err
			}
			*usedToken = tok.AccessToken
			return svc, nil
		},
		Concurrency: 2,
	}
}

func sampleEvents() []model.NormalizedEvent {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	return []model.NormalizedEvent{
		{ID: "1", Title: "A", AllDay: true, Start: day, End: day.AddDate(0, 0, 1)},
		{ID: "2", Title: "B", Start: day.Add(14 * time.Hour), End: day.Add(15 * time.Hour)},
		{ID: "3", Title: "C", Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)},
	}
}

func TestExport_RefreshesInvalidAccessToken(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{fresh: &oauth2.Token{AccessToken: "fresh", RefreshToken: "rotated"}}
	svc := &fakeService{}
	var used string

	res, err := newExporter(auth, svc, &used).Export(context.Background(), sampleEvents(),
		Credentials{AccessToken: "stale", RefreshToken: "r1"}, "", InsertOptions{TimeZone: "America/Chicago"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if used != "fresh" {
		t.Fatalf("service authorized with %q, want refreshed token", used)
	}
	if res.NewAccessToken != "fresh" || res.NewRefreshToken != "rotated" {
		t.Fatalf("new tokens = %q / %q", res.NewAccessToken, res.NewRefreshToken)
	}
	if !res.Success || res.Summary != (Summary{Total: 3, Successful: 3}) {
		t.Fatalf("result = %+v", res)
	}
}

func TestExport_ValidTokenSkipsRefresh(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{valid: map[string]bool{"good": true}}
	var used string
	res, err := newExporter(auth, &fakeService{}, &used).Export(context.Background(), sampleEvents(),
		Credentials{AccessToken: "good"}, "", InsertOptions{TimeZone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	if auth.refreshCalls != 0 || used != "good" || res.NewAccessToken != "" {
		t.Fatalf("refreshCalls=%d used=%q new=%q", auth.refreshCalls, used, res.NewAccessToken)
	}
}

func TestExport_BothCredentialsInvalid(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{refreshErr: &oauth2.RetrieveError{ErrorCode: "invalid_grant"}}
	svc := &fakeService{}
	var used string

	_, err := newExporter(auth, svc, &used).Export(context.Background(), sampleEvents(),
		Credentials{AccessToken: "stale", RefreshToken: "revoked"}, "", InsertOptions{TimeZone: "UTC"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if len(svc.inserted) != 0 || used != "" {
		t.Fatalf("no insert may be attempted: inserted=%d used=%q", len(svc.inserted), used)
	}

	_, err = newExporter(&fakeAuth{}, svc, &used).Export(context.Background(), sampleEvents(),
		Credentials{AccessToken: "stale"}, "", InsertOptions{TimeZone: "UTC"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("missing refresh token: err = %v, want ErrAuthExpired", err)
	}
}

func TestExport_InputValidation(t *testing.T) {
	t.Parallel()

	var used string
	ex := newExporter(&fakeAuth{}, &fakeService{}, &used)
	if _, err := ex.Export(context.Background(), sampleEvents(), Credentials{AccessToken: "x"}, "", InsertOptions{}); !errors.Is(err, ErrMissingTimeZone) {
		t.Fatalf("err = %v, want ErrMissingTimeZone", err)
	}
	if _, err := ex.Export(context.Background(), sampleEvents(), Credentials{}, "", InsertOptions{TimeZone: "UTC"}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestInsertAll_IsolatesFailures(t *testing.T) {
	t.Parallel()

	svc := &fakeService{fail: map[string]error{
		"B": &googleapi.Error{Code: http.StatusInternalServerError, Message: "backend error"},
	}}
	sess := &Session{svc: svc, calendarID: "primary", limit: 1}

	res := sess.InsertAll(context.Background(), sampleEvents(), InsertOptions{TimeZone: "UTC"})
	if res.Success {
		t.Fatal("batch with a failure must not report success")
	}
	if res.Summary != (Summary{Total: 3, Successful: 2, Failed: 1}) {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if len(res.Errors) != 1 || res.Errors[0] != (EventError{Event: "B", Error: "backend error"}) {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if res.CreatedEvents[0].Title != "A" || res.CreatedEvents[1].Title != "C" || res.CreatedEvents[1].ServiceEventID != "id-C" {
		t.Fatalf("created = %+v", res.CreatedEvents)
	}
}

func TestInsertAll_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := &fakeService{}
	sess := &Session{svc: svc, calendarID: "primary", limit: 2}

	res := sess.InsertAll(ctx, sampleEvents(), InsertOptions{TimeZone: "UTC"})
	if res.Summary.Failed != 3 || len(svc.inserted) != 0 {
		t.Fatalf("summary = %+v inserted = %d", res.Summary, len(svc.inserted))
	}
}

func TestBuildEvent(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CST", -6*3600)
	until := time.Date(2025, 5, 2, 23, 59, 59, 0, loc)
	timed := model.NormalizedEvent{
		Title: "Lecture", Description: "Intro\n\nType: class", Location: "Room 1",
		Start: time.Date(2025, 3, 11, 10, 0, 0, 0, loc),
		End:   time.Date(2025, 3, 11, 11, 15, 0, 0, loc),
		Rule:  &model.RecurrenceRule{Days: []model.Weekday{model.TU, model.TH}, Until: &until},
	}
	got := BuildEvent(timed, "America/Chicago", "5")
	if got.Start.DateTime != "2025-03-11T10:00:00" || got.Start.TimeZone != "America/Chicago" {
		t.Fatalf("start = %+v", got.Start)
	}
	if got.End.DateTime != "2025-03-11T11:15:00" || got.Start.Date != "" {
		t.Fatalf("end = %+v", got.End)
	}
	if len(got.Recurrence) != 1 || got.Recurrence[0] != "RRULE:FREQ=WEEKLY;UNTIL=20250503T055959Z;BYDAY=TU,TH" {
		t.Fatalf("recurrence = %v", got.Recurrence)
	}
	if got.ColorId != "5" || got.Location != "Room 1" || got.Description != timed.Description {
		t.Fatalf("fields = %+v", got)
	}

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, loc)
	allDay := BuildEvent(model.NormalizedEvent{Title: "Break", AllDay: true, Start: day, End: day.AddDate(0, 0, 1)}, "America/Chicago", "12")
	if allDay.Start.Date != "2025-03-10" || allDay.End.Date != "2025-03-11" || allDay.Start.DateTime != "" {
		t.Fatalf("all-day = %+v / %+v", allDay.Start, allDay.End)
	}
	if allDay.ColorId != "" || allDay.Recurrence != nil {
		t.Fatalf("unexpected color %q or recurrence %v", allDay.ColorId, allDay.Recurrence)
	}
}

func TestValidColorID(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{"1": "1", "11": "11", " 07 ": "7", "0": "", "12": "", "blue": "", "": ""} {
		if got := ValidColorID(in); got != want {
			t.Errorf("ValidColorID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListExisting(t *testing.T) {
	t.Parallel()

	svc := &fakeService{listed: []*calendar.Event{
		{Id: "1", Summary: "Essay deadline", Start: &calendar.EventDateTime{DateTime: "2025-03-10T23:59:00-06:00"}, End: &calendar.EventDateTime{DateTime: "2025-03-11T00:59:00-06:00"}},
		{Id: "2", Summary: "Holiday", Start: &calendar.EventDateTime{Date: "2025-03-14"}, End: &calendar.EventDateTime{Date: "2025-03-15"}},
		{Id: "3", Summary: "Gone", Status: "cancelled", Start: &calendar.EventDateTime{Date: "2025-03-14"}, End: &calendar.EventDateTime{Date: "2025-03-15"}},
		{Id: "4", Summary: "Broken"},
	}}
	sess := &Session{svc: svc, calendarID: "primary", limit: 1}
	loc := time.FixedZone("CST", -6*3600)

	got, err := sess.ListExisting(context.Background(), time.Now(), time.Now().AddDate(0, 6, 0), loc)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("existing = %+v", got)
	}
	if got[0].Start.Format("2006-01-02 15:04") != "2025-03-10 23:59" || got[0].AllDay {
		t.Fatalf("timed = %+v", got[0])
	}
	if !got[1].AllDay || got[1].Start.Format("2006-01-02") != "2025-03-14" {
		t.Fatalf("all-day = %+v", got[1])
	}
}

func TestGoogleAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/tokeninfo":
			switch r.URL.Query().Get("access_token") {
			case "good":
				_ = json.NewEncoder(w).Encode(map[string]string{
					"scope": "https://www.googleapis.com/auth/calendar.events", "expires_in": "3599",
				})
			case "narrow":
				_ = json.NewEncoder(w).Encode(map[string]string{
					"scope": "https://www.googleapis.com/auth/userinfo.email", "expires_in": "3599",
				})
			default:
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token", "error_description": "Invalid Value"})
			}
		case "/token":
			if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != "r1" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	auth := NewGoogleAuth("client", "secret", srv.URL+"/tokeninfo", srv.URL+"/token")
	ctx := context.Background()

	if err := auth.Validate(ctx, "good"); err != nil {
		t.Fatalf("Validate(good) = %v", err)
	}
	if err := auth.Validate(ctx, "bad"); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("Validate(bad) = %v", err)
	}
	if err := auth.Validate(ctx, "narrow"); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("Validate(narrow) = %v", err)
	}

	tok, err := auth.Refresh(ctx, "r1")
	if err != nil || tok.AccessToken != "fresh" {
		t.Fatalf("Refresh(r1) = %v, %v", tok, err)
	}
	if _, err := auth.Refresh(ctx, "revoked"); !rejected(err) {
		t.Fatalf("Refresh(revoked) = %v, want a rejection", err)
	}
	if _, err := auth.Refresh(ctx, ""); !errors.Is(err, errNoRefreshToken) {
		t.Fatalf("Refresh(\"\") = %v", err)
	}
}

func TestConnect_UnreachableGoogleIsNotAuthExpired(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	auth := NewGoogleAuth("client", "secret", srv.URL+"/tokeninfo", srv.URL+"/token")
	var used string
	_, err := newExporter(auth, &fakeService{}, &used).Connect(context.Background(),
		Credentials{AccessToken: "tok", RefreshToken: "r1"}, "")
	if err == nil {
		t.Fatal("Connect should fail when Google is unreachable")
	}
	if errors.Is(err, ErrAuthExpired) {
		t.Fatalf("transport failure reported as expired authorization: %v", err)
	}
	if used != "" {
		t.Fatalf("service built with %q", used)
	}
}

func TestConnect_RefreshTransportFailure(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{refreshErr: errors.New("dial tcp: connection refused")}
	var used string
	_, err := newExporter(auth, &fakeService{}, &used).Connect(context.Background(),
		Credentials{AccessToken: "stale", RefreshToken: "r1"}, "")
	if err == nil || errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want a non-auth failure", err)
	}
}

func TestResult_JSONShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Result{
		Success:       true,
		CreatedEvents: []CreatedEvent{{Title: "x", ServiceEventID: "id1", Link: "http://l"}},
		Summary:       Summary{Total: 1, Successful: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	created := got["createdEvents"].([]any)[0].(map[string]any)
	if created["serviceEventId"] != "id1" || created["link"] != "http://l" {
		t.Errorf("created = %v", created)
	}
	if got["summary"].(map[string]any)["totalEvents"] != float64(1) {
		t.Errorf("summary = %v", got["summary"])
	}
	if errs, ok := got["errors"].([]any); !ok || len(errs) != 0 {
		t.Errorf("errors = %#v, want an empty list", got["errors"])
	}

	data, _ = json.Marshal(Result{})
	if string(data) != `{"success":false,"createdEvents":[],"errors":[],"summary":{"totalEvents":0,"successful":0,"failed":0}}` {
		t.Errorf("zero result = %s", data)
	}
}
