package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"

	"syllacal/internal/config"
	"syllacal/internal/gcal"
	"syllacal/internal/pipeline"
)

type stubAuth struct {
	valid bool
	down  bool
}

func (a stubAuth) Validate(context.Context, string) error {
	switch {
	case a.down:
		return errors.New("dial tcp: connection refused")
	case a.valid:
		return nil
	}
	return gcal.ErrTokenRejected
}

func (a stubAuth) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
}

type stubService struct{}

func (stubService) Insert(_ context.Context, _ string, ev *calendar.Event) (*calendar.Event, error) {
	return &calendar.Event{Id: "evt-" + ev.Summary, HtmlLink: "https://calendar.example/evt"}, nil
}

func (stubService) List(context.Context, string, time.Time, time.Time) ([]*calendar.Event, error) {
	return nil, nil
}

func newTestServer(t *testing.T, validToken bool, auth *config.BasicAuthConfig) *Server {
	t.Helper()
	return newTestServerWithAuth(t, stubAuth{valid: validToken}, auth)
}

func newTestServerWithAuth(t *testing.T, google gcal.Authenticator, auth *config.BasicAuthConfig) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Timezone = "America/Chicago"
	cfg.BasicAuth = auth

	p := &pipeline.Pipeline{
		Config: cfg,
		Exporter: &gcal.Exporter{
			Auth: google,
			NewService: func(context.Context, oauth2.TokenSource) (gcal.Service, error) {
				return stubService{}, nil
			},
		},
		Now: func() time.Time { return time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC) },
	}
	return NewServer(cfg, p)
}

func do(t *testing.T, s *Server, method, path, body string, setup ...func(*http.Request)) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range setup {
		fn(req)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

const sampleEvents = `[
	{"title": "Essay", "type": "assignment", "date": "2025-03-10", "time": "11:59 PM"},
	{"title": "Quiz", "type": "exam", "date": 20250312, "time": null},
	{"title": "Floating", "type": "reading"}
]`

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true, &config.BasicAuthConfig{Username: "admin", Password: "pw"})
	resp, body := do(t, s, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true, &config.BasicAuthConfig{Username: "admin", Password: "pw"})
	payload := `{"events": ` + sampleEvents + `}`

	resp, body := do(t, s, http.MethodPost, "/api/events/normalize", payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	resp, _ = do(t, s, http.MethodPost, "/api/events/normalize", payload, func(r *http.Request) {
		r.SetBasicAuth("admin", "pw")
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}
}

func TestExportICS(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true, nil)
	resp, body := do(t, s, http.MethodPost, "/api/export/ics",
		`{"events": `+sampleEvents+`, "className": "CS 101 Intro to Programming"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `attachment; filename="CS_101.ics"`) {
		t.Errorf("content disposition = %q", cd)
	}
	text := string(body)
	if !strings.HasPrefix(text, "BEGIN:VCALENDAR\r\n") {
		t.Fatalf("body does not start with a calendar: %q", text[:min(40, len(text))])
	}
	if n := strings.Count(text, "BEGIN:VEVENT"); n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
	if !strings.Contains(text, "DTSTART;VALUE=DATE:20250312") {
		t.Error("numeric date was not decoded as an all-day event")
	}
}

func TestExportICS_NoEvents(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true, nil)
	resp, body := do(t, s, http.MethodPost, "/api/export/ics", `{"events": []}`)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "no events provided") {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	resp, _ = do(t, s, http.MethodPost, "/api/export/ics", `{"events": `)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}
}

func TestExportGoogle(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true, nil)
	resp, body := do(t, s, http.MethodPost, "/api/export/google",
		`{"events": `+sampleEvents+`, "accessToken": "tok", "timeZone": "America/Chicago", "colorId": "4"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var got struct {
		Success       bool `json:"success"`
		CreatedEvents []struct {
			Title          string `json:"title"`
			ServiceEventID string `json:"serviceEventId"`
			Link           string `json:"link"`
		} `json:"createdEvents"`
		Errors  []gcal.EventError `json:"errors"`
		Summary struct {
			TotalEvents int `json:"totalEvents"`
			Successful  int `json:"successful"`
			Failed      int `json:"failed"`
		} `json:"summary"`
		Skipped []struct {
			Title string `json:"title"`
		} `json:"skipped"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if !got.Success || got.Summary.TotalEvents != 2 || got.Summary.Successful != 2 || len(got.CreatedEvents) != 2 {
		t.Fatalf("result = %+v", got)
	}
	for _, ce := range got.CreatedEvents {
		if ce.ServiceEventID != "evt-"+ce.Title || ce.Link != "https://calendar.example/evt" {
			t.Errorf("created = %+v", ce)
		}
	}
	if got.Errors == nil || !strings.Contains(string(body), `"errors":[]`) {
		t.Errorf("errors must encode as an empty list: %s", body)
	}
	if len(got.Skipped) != 1 || got.Skipped[0].Title != "Floating" {
		t.Errorf("skipped = %+v", got.Skipped)
	}
}

func TestExportGoogle_UnreachableGoogleIs500(t *testing.T) {
	t.Parallel()

	s := newTestServerWithAuth(t, stubAuth{down: true}, nil)
	resp, body := do(t, s, http.MethodPost, "/api/export/google",
		`{"events": `+sampleEvents+`, "accessToken": "tok", "refreshToken": "r", "timeZone": "UTC"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	var got authErrorResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.AuthError || got.Error != "failed to export events" {
		t.Errorf("body = %+v", got)
	}
}

func TestExportGoogle_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		valid      bool
		body       string
		wantStatus int
		wantError  string
	}{
		{"no events", true, `{"accessToken": "tok", "timeZone": "UTC"}`, http.StatusBadRequest, "no events provided"},
		{"no token", true, `{"events": ` + sampleEvents + `, "timeZone": "UTC"}`, http.StatusBadRequest, "no access token provided"},
		{"no zone", true, `{"events": ` + sampleEvents + `, "accessToken": "tok"}`, http.StatusBadRequest, "no time zone provided"},
		{"bad zone", true, `{"events": ` + sampleEvents + `, "accessToken": "tok", "timeZone": "Moon/Base"}`, http.StatusBadRequest, "invalid time zone"},
		{"expired", false, `{"events": ` + sampleEvents + `, "accessToken": "tok", "refreshToken": "r", "timeZone": "UTC"}`, http.StatusUnauthorized, "authorization expired"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestServer(t, tc.valid, nil)
			resp, body := do(t, s, http.MethodPost, "/api/export/google", tc.body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tc.wantStatus, body)
			}
			var got authErrorResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.Contains(got.Error, tc.wantError) {
				t.Errorf("error = %q, want %q", got.Error, tc.wantError)
			}
			if got.AuthError != (tc.wantStatus == http.StatusUnauthorized) {
				t.Errorf("authError = %v", got.AuthError)
			}
		})
	}
}

func TestNormalizePreview(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true, nil)
	resp, body := do(t, s, http.MethodPost, "/api/events/normalize",
		`{"events": [{"id": "lab", "title": "Lab", "time": "2-4pm", "recurrence": "every Wednesday"}], "timeZone": "UTC"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var got pipeline.PreviewResult
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.TimeZone != "UTC" || len(got.Events) != 1 {
		t.Fatalf("preview = %+v", got)
	}
	ev := got.Events[0]
	if ev.Start != "2025-03-12T14:00:00Z" || ev.End != "2025-03-12T16:00:00Z" || ev.RRule != "FREQ=WEEKLY;BYDAY=WE" {
		t.Errorf("event = %+v", ev)
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, true, nil)
	resp, body := do(t, s, http.MethodGet, "/api/nope", "")
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), `"error"`) {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}
