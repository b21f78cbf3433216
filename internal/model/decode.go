package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidPayload is returned when the extraction payload is neither an
// event array nor an object wrapping one under "events".
var ErrInvalidPayload = errors.New("events payload must be an array of objects")

// DecodeExtractedEvents parses the loosely-typed extraction output. Fields
// may be strings, numbers, booleans or null; unknown fields are ignored.
// Missing IDs get a fresh UUID and Normalize defaults are applied.
func DecodeExtractedEvents(data []byte) ([]ExtractedEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrInvalidPayload
	}

	var items []map[string]any
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case '{':
		var wrapper struct {
			Events []map[string]any `json:"events"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		items = wrapper.Events
	default:
		return nil, ErrInvalidPayload
	}

	return FromMaps(items), nil
}

// FromMaps converts decoded JSON objects into ExtractedEvents. Nil entries
// are skipped.
func FromMaps(items []map[string]any) []ExtractedEvent {
	out := make([]ExtractedEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		ev := ExtractedEvent{
			ID:          field(item, "id"),
			Title:       field(item, "title"),
			Date:        field(item, "date"),
			Type:        field(item, "type"),
			Time:        field(item, "time"),
			Recurrence:  field(item, "recurrence"),
			Location:    field(item, "location"),
			Description: field(item, "description"),
		}
		out = append(out, withID(ev.Normalize()))
	}
	return out
}

// EnsureIDs normalizes events received in typed form (e.g. HTTP bodies).
func EnsureIDs(events []ExtractedEvent) []ExtractedEvent {
	out := make([]ExtractedEvent, len(events))
	for i, ev := range events {
		out[i] = withID(ev.Normalize())
	}
	return out
}

func withID(ev ExtractedEvent) ExtractedEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}

func field(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		// LLM output sometimes capitalizes keys.
		for k, val := range m {
			if strings.EqualFold(k, key) {
				v, ok = val, true
				break
			}
		}
	}
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
