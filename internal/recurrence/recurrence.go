// Package recurrence compiles free-text recurrence descriptions into weekly
// rules and renders them as RFC 5545 RRULE values.
package recurrence

import (
	"regexp"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"syllacal/internal/model"
	"syllacal/internal/timeparse"
)

// pattern is one row of the priority table. It matches when every word in
// all is present, or when any alias matches as a whole word.
type pattern struct {
	name    string
	days    []model.Weekday
	all     []string
	aliases *regexp.Regexp
}

func (p pattern) match(lower string) bool {
	if len(p.all) > 0 {
		ok := true
		for _, w := range p.all {
			if !strings.Contains(lower, w) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return p.aliases != nil && p.aliases.MatchString(lower)
}

// table is evaluated top to bottom; combinations come before single days so
// "Monday and Wednesday" never stops at "monday".
var table = []pattern{
	{
		name:    "mwf",
		days:    []model.Weekday{model.MO, model.WE, model.FR},
		all:     []string{"monday", "wednesday", "friday"},
		aliases: regexp.MustCompile(`\b(mwf|m/w/f|m-w-f)\b`),
	},
	{
		name:    "tth",
		days:    []model.Weekday{model.TU, model.TH},
		all:     []string{"tuesday", "thursday"},
		// A bare "tr" only counts at the start of the phrase.
		aliases: regexp.MustCompile(`\b(tth|tuth|t/th|t/r|tu/th)\b|^tr\b`),
	},
	{
		name:    "mw",
		days:    []model.Weekday{model.MO, model.WE},
		all:     []string{"monday", "wednesday"},
		aliases: regexp.MustCompile(`\b(mw|m/w)\b`),
	},
	{name: "monday", days: []model.Weekday{model.MO}, all: []string{"monday"}},
	{name: "tuesday", days: []model.Weekday{model.TU}, all: []string{"tuesday"}},
	{name: "wednesday", days: []model.Weekday{model.WE}, all: []string{"wednesday"}},
	{name: "thursday", days: []model.Weekday{model.TH}, all: []string{"thursday"}},
	{name: "friday", days: []model.Weekday{model.FR}, all: []string{"friday"}},
	{name: "saturday", days: []model.Weekday{model.SA}, all: []string{"saturday"}},
	{name: "sunday", days: []model.Weekday{model.SU}, all: []string{"sunday"}},
	{
		name:    "weekly",
		aliases: regexp.MustCompile(`\b(weekly|every week|each week|once a week)\b`),
	},
}

var untilRe = regexp.MustCompile(`(?i)\buntil\b\s*(.+)$`)

// Result describes a compiled recurrence. Matched is false when no table
// row applied; UntilDropped is set when an "until" clause was present but
// its date could not be parsed.
type Result struct {
	Rule         model.RecurrenceRule
	Pattern      string
	Matched      bool
	UntilDropped bool
}

// Compile matches text against the priority table and extracts an optional
// "until <date>" bound, interpreted as the end of that day in loc.
func Compile(text string, loc *time.Location) Result {
	if loc == nil {
		loc = time.UTC
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Result{}
	}

	var res Result
	for _, p := range table {
		if p.match(lower) {
			res.Matched = true
			res.Pattern = p.name
			res.Rule.Days = append([]model.Weekday(nil), p.days...)
			break
		}
	}
	if !res.Matched {
		return res
	}

	if m := untilRe.FindStringSubmatch(text); m != nil {
		d, err := timeparse.ParseDate(m[1], loc)
		if err != nil {
			res.UntilDropped = true
		} else {
			until := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc)
			res.Rule.Until = &until
		}
	}
	return res
}

var byday = map[model.Weekday]rrule.Weekday{
	model.MO: rrule.MO,
	model.TU: rrule.TU,
	model.WE: rrule.WE,
	model.TH: rrule.TH,
	model.FR: rrule.FR,
	model.SA: rrule.SA,
	model.SU: rrule.SU,
}

// Option builds the rrule-go option for rule starting at dtstart.
func Option(rule model.RecurrenceRule, dtstart time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:    rrule.WEEKLY,
		Dtstart: dtstart,
	}
	for _, d := range rule.Days {
		if wd, ok := byday[d]; ok {
			opt.Byweekday = append(opt.Byweekday, wd)
		}
	}
	if rule.Until != nil {
		opt.Until = *rule.Until
	}
	return opt
}

// RRule renders the RRULE value (without the "RRULE:" prefix), e.g.
// "FREQ=WEEKLY;UNTIL=20250505T035959Z;BYDAY=MO,WE,FR". Both output formats
// use it so they always agree. For all-day series UNTIL is a DATE value,
// since RFC 5545 requires it to match the DTSTART value type.
func RRule(rule model.RecurrenceRule, allDay bool) string {
	opt := Option(rule, time.Time{})
	if !allDay || rule.Until == nil {
		return opt.RRuleString()
	}
	opt.Until = time.Time{}
	parts := strings.SplitN(opt.RRuleString(), ";", 2)
	out := parts[0] + ";UNTIL=" + rule.Until.Format("20060102")
	if len(parts) == 2 {
		out += ";" + parts[1]
	}
	return out
}

// FirstOnOrAfter returns the first day at or after t whose weekday is in
// rule.Days, keeping t's clock. With no days, t is returned.
func FirstOnOrAfter(rule model.RecurrenceRule, t time.Time) time.Time {
	if len(rule.Days) == 0 {
		return t
	}
	for i := 0; i < 7; i++ {
		c := t.AddDate(0, 0, i)
		for _, d := range rule.Days {
			if c.Weekday() == d.TimeWeekday() {
				return c
			}
		}
	}
	return t
}

// Occurrences returns at most limit starts of rule beginning at dtstart.
func Occurrences(rule model.RecurrenceRule, dtstart time.Time, limit int) []time.Time {
	if limit <= 0 {
		return nil
	}
	opt := Option(rule, dtstart)
	opt.Count = limit
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil
	}
	return r.All()
}
