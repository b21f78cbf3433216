// Package timeparse turns free-text times, time ranges and dates emitted by
// the extraction step into wall-clock values.
//
// One meridiem inference policy is shared by every output format:
//
//   - a token with its own am/pm marker always wins;
//   - in a range, if only "pm" markers appear both sides are PM, and if only
//     "am" markers appear both sides are AM;
//   - an unmarked start that would land after a PM end is read as AM
//     ("11:00 - 1:00 pm"), and an unmarked end that would land before an AM
//     start is read as PM ("11:00 am - 1:00");
//   - with no marker anywhere the hour is taken as a 24-hour value.
package timeparse

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeFormat reports text that contains no usable hour.
var ErrInvalidTimeFormat = errors.New("invalid time format")

// ErrInvalidDate reports a date string none of the known layouts accept.
var ErrInvalidDate = errors.New("invalid date")

type Meridiem int

const (
	MeridiemNone Meridiem = iota
	AM
	PM
)

func (m Meridiem) String() string {
	switch m {
	case AM:
		return "AM"
	case PM:
		return "PM"
	default:
		return ""
	}
}

// ParseMeridiem maps "am"/"pm" (any case, optional dots) onto Meridiem.
func ParseMeridiem(s string) Meridiem {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ".", ""))
	switch s {
	case "am":
		return AM
	case "pm":
		return PM
	default:
		return MeridiemNone
	}
}

// Clock is a 24-hour wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

// String renders the clock as "3:04 PM".
func (c Clock) String() string {
	return time.Date(2000, 1, 1, c.Hour, c.Minute, 0, 0, time.UTC).Format("3:04 PM")
}

// On returns the instant of c on the calendar day of date, in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// Range is a parsed time string. HasEnd is false for single instants.
type Range struct {
	Start  Clock
	End    Clock
	HasEnd bool
}

var (
	tokenRe     = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(?:([ap])\.?m\b\.?)?`)
	separatorRe = regexp.MustCompile(`(?i)\s*(?:–|—|-|\bto\b)\s*`)
	noonRe      = regexp.MustCompile(`(?i)\bnoon\b`)
	midnightRe  = regexp.MustCompile(`(?i)\bmidnight\b`)
)

type token struct {
	hour     int
	minute   int
	meridiem Meridiem
}

func scan(s string) (token, error) {
	m := tokenRe.FindStringSubmatch(s)
	if m == nil {
		switch {
		case noonRe.MatchString(s):
			return token{hour: 12, meridiem: PM}, nil
		case midnightRe.MatchString(s):
			return token{hour: 12, meridiem: AM}, nil
		}
		return token{}, ErrInvalidTimeFormat
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return token{}, ErrInvalidTimeFormat
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil {
			minute = 0
		}
	}
	if minute > 59 {
		return token{}, ErrInvalidTimeFormat
	}

	var mer Meridiem
	if m[3] != "" {
		mer = ParseMeridiem(m[3] + "m")
	}
	return token{hour: hour, minute: minute, meridiem: mer}, nil
}

func (t token) clock(fallback Meridiem) (Clock, error) {
	mer := t.meridiem
	if mer == MeridiemNone {
		mer = fallback
	}
	hour := t.hour
	// "15:00 pm" style input: the 24-hour value already says it all.
	if hour <= 12 {
		switch mer {
		case AM:
			if hour == 12 {
				hour = 0
			}
		case PM:
			if hour < 12 {
				hour += 12
			}
		}
	}
	if hour > 23 {
		return Clock{}, ErrInvalidTimeFormat
	}
	return Clock{Hour: hour, Minute: t.minute}, nil
}

// ParseClock parses a single time such as "3:15 PM", "12:00am", "14:30" or
// "noon". fallback supplies the meridiem when the text has none.
func ParseClock(s string, fallback Meridiem) (Clock, error) {
	tok, err := scan(s)
	if err != nil {
		return Clock{}, err
	}
	return tok.clock(fallback)
}

// ParseRange parses a time or a time range ("3:30 – 5:30 pm", "9am-10:15am",
// "2 to 4 pm"). An end side that cannot be parsed degrades the result to a
// single instant.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, ErrInvalidTimeFormat
	}

	parts := separatorRe.Split(s, 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		c, err := ParseClock(s, MeridiemNone)
		if err != nil {
			return Range{}, err
		}
		return Range{Start: c}, nil
	}

	startTok, err := scan(parts[0])
	if err != nil {
		return Range{}, err
	}
	endTok, endErr := scan(parts[1])
	if endErr != nil {
		c, err := startTok.clock(MeridiemNone)
		if err != nil {
			return Range{}, err
		}
		return Range{Start: c}, nil
	}

	fallback := inferFallback(startTok.meridiem, endTok.meridiem)

	start, err := startTok.clock(fallback)
	if err != nil {
		return Range{}, err
	}
	end, err := endTok.clock(fallback)
	if err != nil {
		return Range{Start: start}, nil
	}

	if start.Minutes() > end.Minutes() {
		switch {
		case startTok.meridiem == MeridiemNone && fallback == PM:
			if c, err := startTok.clock(AM); err == nil {
				start = c
			}
		case endTok.meridiem == MeridiemNone && fallback == AM:
			if c, err := endTok.clock(PM); err == nil {
				end = c
			}
		}
	}

	return Range{Start: start, End: end, HasEnd: true}, nil
}

func inferFallback(start, end Meridiem) Meridiem {
	hasAM := start == AM || end == AM
	hasPM := start == PM || end == PM
	switch {
	case hasPM && !hasAM:
		return PM
	case hasAM && !hasPM:
		return AM
	default:
		return MeridiemNone
	}
}
