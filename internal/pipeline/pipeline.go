// Package pipeline runs one export batch end to end: conflict checks, overlap
// resolution, formatting and the target encoder.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"syllacal/internal/config"
	"syllacal/internal/gcal"
	"syllacal/internal/ics"
	appLog "syllacal/internal/log"
	"syllacal/internal/model"
	"syllacal/internal/normalize"
	"syllacal/internal/overlap"
	"syllacal/internal/recurrence"
)

var (
	ErrNoEvents        = errors.New("no events provided")
	ErrInvalidTimeZone = errors.New("invalid time zone")
)

// FeedSource yields events from subscribed calendars. *ics.Fetcher
// implements it.
type FeedSource interface {
	Existing(ctx context.Context, feeds []ics.Feed, cfg ics.ExpandConfig) ([]model.ExistingEvent, []error)
}

// Pipeline holds the dependencies shared by every batch. It carries no
// per-request state.
type Pipeline struct {
	Config   *config.Config
	Exporter *gcal.Exporter
	Feeds    FeedSource
	Now      func() time.Time
}

// New wires the production dependencies from cfg.
func New(cfg *config.Config) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	auth := gcal.NewGoogleAuth(cfg.Google.ClientID, cfg.Google.ClientSecret,
		cfg.Google.TokenInfoURL, cfg.Google.TokenURL)
	return &Pipeline{
		Config: cfg,
		Exporter: &gcal.Exporter{
			Auth:        auth,
			NewService:  gcal.NewAPIService,
			CalendarID:  cfg.Google.CalendarID,
			Concurrency: cfg.Google.MaxConcurrentInserts,
		},
		Feeds: ics.NewFetcher(cfg.CacheDir),
		Now:   time.Now,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) cfg() *config.Config {
	if p.Config == nil {
		p.Config = config.DefaultConfig()
	}
	return p.Config
}

// location resolves tz, falling back to the configured zone when empty. It
// returns the zone name that encoders should emit.
func (p *Pipeline) location(tz string) (*time.Location, string, error) {
	name := strings.TrimSpace(tz)
	if name == "" {
		name = p.cfg().Timezone
	}
	if strings.EqualFold(name, "local") {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidTimeZone, name)
	}
	return loc, name, nil
}

// Batch is a prepared set of events ready for an encoder.
type Batch struct {
	Events   []model.NormalizedEvent
	Skipped  []normalize.Skipped
	Location *time.Location
	TimeZone string
}

// Prepare staggers events against existing calendar entries, then against
// each other, then formats them for loc.
func (p *Pipeline) Prepare(events []model.ExtractedEvent, loc *time.Location, tz string, existing []model.ExistingEvent) (Batch, error) {
	cfg := p.cfg()
	step := cfg.Stagger()

	staggered := overlap.CheckExternal(events, existing, loc, step)
	staggered = overlap.Resolve(staggered, step)

	f, err := normalize.NewFormatter(loc, cfg.Anchor, p.now(), cfg.DefaultDuration())
	if err != nil {
		return Batch{}, err
	}
	out, skipped := f.FormatAll(staggered)
	return Batch{Events: out, Skipped: skipped, Location: loc, TimeZone: tz}, nil
}

// PreviewEvent is the JSON shape of a normalized event for the review step.
type PreviewEvent struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	AllDay      bool     `json:"allDay"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	RRule       string   `json:"rrule,omitempty"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`

	// Upcoming lists the first few starts of a recurring event.
	Upcoming []string `json:"upcoming,omitempty"`
}

const previewOccurrences = 3

// PreviewResult lists what an export would produce.
type PreviewResult struct {
	TimeZone string              `json:"timeZone"`
	Events   []PreviewEvent      `json:"events"`
	Skipped  []normalize.Skipped `json:"skipped"`
}

func previewOf(ev model.NormalizedEvent) PreviewEvent {
	layout := time.RFC3339
	if ev.AllDay {
		layout = "2006-01-02"
	}
	out := PreviewEvent{
		ID:          ev.ID,
		Title:       ev.Title,
		Type:        ev.Type,
		AllDay:      ev.AllDay,
		Start:       ev.Start.Format(layout),
		End:         ev.End.Format(layout),
		Location:    ev.Location,
		Description: ev.Description,
		Warnings:    ev.Warnings,
	}
	if ev.Rule != nil {
		out.RRule = recurrence.RRule(*ev.Rule, ev.AllDay)
		for _, t := range recurrence.Occurrences(*ev.Rule, ev.Start, previewOccurrences) {
			out.Upcoming = append(out.Upcoming, t.Format(layout))
		}
	}
	return out
}

// Preview resolves overlaps and formats events without exporting them.
// Existing calendars are not consulted.
func (p *Pipeline) Preview(events []model.ExtractedEvent, tz string) (PreviewResult, error) {
	if len(events) == 0 {
		return PreviewResult{}, ErrNoEvents
	}
	loc, name, err := p.location(tz)
	if err != nil {
		return PreviewResult{}, err
	}
	batch, err := p.Prepare(events, loc, name, nil)
	if err != nil {
		return PreviewResult{}, err
	}

	res := PreviewResult{
		TimeZone: name,
		Events:   make([]PreviewEvent, 0, len(batch.Events)),
		Skipped:  batch.Skipped,
	}
	if res.Skipped == nil {
		res.Skipped = []normalize.Skipped{}
	}
	for _, ev := range batch.Events {
		res.Events = append(res.Events, previewOf(ev))
	}
	return res, nil
}

// ICSRequest is one calendar file export.
type ICSRequest struct {
	Events     []model.ExtractedEvent
	CourseName string
	TimeZone   string
}

// ICSFile is an encoded calendar and its download name.
type ICSFile struct {
	Data     []byte
	Filename string
	Batch    Batch
}

// ExportICS builds a calendar file. The file export does not check existing
// calendars; only overlaps inside the batch are staggered.
func (p *Pipeline) ExportICS(req ICSRequest) (ICSFile, error) {
	if len(req.Events) == 0 {
		return ICSFile{}, ErrNoEvents
	}
	loc, name, err := p.location(req.TimeZone)
	if err != nil {
		return ICSFile{}, err
	}
	batch, err := p.Prepare(req.Events, loc, name, nil)
	if err != nil {
		return ICSFile{}, err
	}

	cfg := p.cfg()
	data, err := ics.Encode(batch.Events, ics.EncodeOptions{
		CourseName: req.CourseName,
		TimeZone:   name,
		ProductID:  cfg.ICS.ProductID,
		UIDDomain:  cfg.ICS.UIDDomain,
		Now:        p.now(),
	})
	if err != nil {
		return ICSFile{}, fmt.Errorf("encode calendar: %w", err)
	}

	appLog.Info("calendar file built",
		"events", len(batch.Events), "skipped", len(batch.Skipped), "tz", name)
	return ICSFile{Data: data, Filename: ics.Filename(req.CourseName), Batch: batch}, nil
}

// GoogleRequest is one live calendar export.
type GoogleRequest struct {
	Events       []model.ExtractedEvent
	AccessToken  string
	RefreshToken string
	ColorID      string
	TimeZone     string
	CalendarID   string
}

// GoogleResult is the insert outcome plus events that were never sent.
type GoogleResult struct {
	gcal.Result
	Skipped []normalize.Skipped `json:"skipped,omitempty"`
}

// MarshalJSON flattens the embedded result next to Skipped; without it the
// promoted gcal.Result encoder would drop Skipped.
func (r GoogleResult) MarshalJSON() ([]byte, error) {
	type plain gcal.Result
	return json.Marshal(struct {
		plain
		Skipped []normalize.Skipped `json:"skipped,omitempty"`
	}{plain(r.Result.WithLists()), r.Skipped})
}

// ExportGoogle inserts events into the user's calendar. Inputs are checked
// in order (events, token, time zone) before any network call. Existing
// events inside the conflict window are gathered from the calendar and the
// configured feeds; a source that fails contributes nothing.
func (p *Pipeline) ExportGoogle(ctx context.Context, req GoogleRequest) (GoogleResult, error) {
	if len(req.Events) == 0 {
		return GoogleResult{}, ErrNoEvents
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		return GoogleResult{}, gcal.ErrMissingToken
	}
	if strings.TrimSpace(req.TimeZone) == "" {
		return GoogleResult{}, gcal.ErrMissingTimeZone
	}
	loc, name, err := p.location(req.TimeZone)
	if err != nil {
		return GoogleResult{}, err
	}
	if p.Exporter == nil {
		return GoogleResult{}, errors.New("calendar exporter is not configured")
	}

	sess, err := p.Exporter.Connect(ctx, gcal.Credentials{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}, req.CalendarID)
	if err != nil {
		return GoogleResult{}, err
	}

	existing := p.existing(ctx, sess, loc)
	batch, err := p.Prepare(req.Events, loc, name, existing)
	if err != nil {
		return GoogleResult{}, err
	}

	color := req.ColorID
	if color == "" {
		color = p.cfg().Google.DefaultColorID
	}
	res := sess.InsertAll(ctx, batch.Events, gcal.InsertOptions{TimeZone: name, ColorID: color})
	return GoogleResult{Result: res, Skipped: batch.Skipped}, nil
}

// existing collects events from the destination calendar and every
// configured feed concurrently.
func (p *Pipeline) existing(ctx context.Context, sess *gcal.Session, loc *time.Location) []model.ExistingEvent {
	cfg := p.cfg()
	from, to := cfg.ConflictWindow(p.now())

	var fromCalendar, fromFeeds []model.ExistingEvent
	var g errgroup.Group
	g.Go(func() error {
		evs, err := sess.ListExisting(ctx, from, to, loc)
		if err != nil {
			appLog.Error("existing calendar events unavailable, continuing without them", err)
			return nil
		}
		fromCalendar = evs
		return nil
	})
	if p.Feeds != nil && len(cfg.ICS.Feeds) > 0 {
		feeds := make([]ics.Feed, 0, len(cfg.ICS.Feeds))
		for _, f := range cfg.ICS.Feeds {
			feeds = append(feeds, ics.Feed{ID: f.ID, URL: f.URL})
		}
		g.Go(func() error {
			evs, errs := p.Feeds.Existing(ctx, feeds, ics.ExpandConfig{
				Location:   loc,
				RangeStart: from,
				RangeEnd:   to,
			})
			for _, err := range errs {
				appLog.Error("feed skipped during conflict check", err)
			}
			fromFeeds = evs
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.ExistingEvent, 0, len(fromCalendar)+len(fromFeeds))
	out = append(out, fromCalendar...)
	out = append(out, fromFeeds...)
	appLog.Debug("existing events gathered",
		"calendar", len(fromCalendar), "feeds", len(fromFeeds))
	return out
}
