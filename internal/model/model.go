package model

import (
	"strings"
	"time"
)

const (
	DefaultTitle = "Untitled Event"
	DefaultType  = "event"
)

// ExtractedEvent is one event as produced by the upstream extraction step.
// Every field is untrusted free text; Normalize applies the documented
// defaults.
type ExtractedEvent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Date        string `json:"date"`
	Type        string `json:"type"`
	Time        string `json:"time"`
	Recurrence  string `json:"recurrence"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

// Normalize trims every field and fills Title and Type defaults. ID is left
// alone; DecodeExtractedEvents assigns missing IDs.
func (e ExtractedEvent) Normalize() ExtractedEvent {
	e.ID = strings.TrimSpace(e.ID)
	e.Title = strings.TrimSpace(e.Title)
	e.Date = strings.TrimSpace(e.Date)
	e.Type = strings.TrimSpace(e.Type)
	e.Time = strings.TrimSpace(e.Time)
	e.Recurrence = strings.TrimSpace(e.Recurrence)
	e.Location = strings.TrimSpace(e.Location)
	e.Description = strings.TrimSpace(e.Description)

	if e.Title == "" {
		e.Title = DefaultTitle
	}
	if e.Type == "" {
		e.Type = DefaultType
	}
	return e
}

// Weekday is an RFC 5545 BYDAY token.
type Weekday string

const (
	MO Weekday = "MO"
	TU Weekday = "TU"
	WE Weekday = "WE"
	TH Weekday = "TH"
	FR Weekday = "FR"
	SA Weekday = "SA"
	SU Weekday = "SU"
)

// TimeWeekday maps the token onto time.Weekday.
func (w Weekday) TimeWeekday() time.Weekday {
	switch w {
	case MO:
		return time.Monday
	case TU:
		return time.Tuesday
	case WE:
		return time.Wednesday
	case TH:
		return time.Thursday
	case FR:
		return time.Friday
	case SA:
		return time.Saturday
	default:
		return time.Sunday
	}
}

// RecurrenceRule is a weekly rule. Empty Days means "every week on the
// anchor's weekday".
type RecurrenceRule struct {
	Days  []Weekday
	Until *time.Time
}

// NormalizedEvent is the target-independent form both encoders consume.
// Start and End carry the target location; for all-day events they are
// local midnights and End is exclusive.
type NormalizedEvent struct {
	ID          string
	Title       string
	Type        string
	AllDay      bool
	Start       time.Time
	End         time.Time
	Rule        *RecurrenceRule
	Location    string
	Description string

	// Warnings lists degraded parses (unparseable time, unknown recurrence).
	Warnings []string
}

// IsRecurring reports whether the event carries a recurrence rule.
func (e NormalizedEvent) IsRecurring() bool {
	return e.Rule != nil
}

// ExistingEvent is an event already present in a destination calendar or
// subscribed feed. It is only used for conflict checking.
type ExistingEvent struct {
	SourceID    string
	UID         string
	Title       string
	Description string
	AllDay      bool
	Start       time.Time
	End         time.Time
}
