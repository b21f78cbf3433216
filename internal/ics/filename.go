package ics

import (
	"regexp"
	"strings"
)

var (
	courseCodeRe   = regexp.MustCompile(`[A-Z]{2,4}\s*-?\s*\d{3,4}[A-Z]?`)
	illegalNameRe  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	underscoreRuns = regexp.MustCompile(`_+`)
)

// Filename derives the download name from a course name: the course code
// when one is present ("CS 101" -> "CS_101.ics"), otherwise the first one or
// two words, otherwise "calendar.ics".
func Filename(courseName string) string {
	name := strings.TrimSpace(courseName)

	base := ""
	if code := courseCodeRe.FindString(name); code != "" {
		base = code
	} else if words := strings.Fields(illegalNameRe.ReplaceAllString(name, " ")); len(words) > 0 {
		if len(words) > 2 {
			words = words[:2]
		}
		base = strings.Join(words, " ")
	}

	base = illegalNameRe.ReplaceAllString(base, "")
	base = whitespaceRe.ReplaceAllString(strings.TrimSpace(base), "_")
	base = underscoreRuns.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._-")
	if base == "" {
		base = "calendar"
	}
	return base + ".ics"
}
