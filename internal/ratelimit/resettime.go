package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Reset-time patterns matching the phrasings the agent CLI emits when it
// reports a limit: a clock time with timezone, an ISO datetime, or a
// relative "try again in N minutes/hours".
var (
	resetClockPattern    = regexp.MustCompile(`(?i)resets?\s+(\d{1,2}(?::\d{2})?\s*(?:am|pm))\s*\(([^)]+)\)`)
	resetISOPattern      = regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?)`)
	resetRelativePattern = regexp.MustCompile(`(?i)try again in\s+(\d+)\s*(minutes?|hours?|mins?|hrs?)`)

	clockLayouts = []string{"3PM", "3:04PM", "3 PM", "3:04 PM"}
)

// parseResetTime extracts a reset time from free-form probe text. Returns
// ok=false if none of the known patterns match.
func parseResetTime(text string) (time.Time, bool) {
	now := time.Now().UTC()

	if m := resetClockPattern.FindStringSubmatch(text); m != nil {
		clock := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(m[1]), " ", ""))
		for _, layout := range clockLayouts {
			parsed, err := time.Parse(layout, clock)
			if err != nil {
				continue
			}
			reset := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
			if !reset.After(now) {
				reset = reset.Add(24 * time.Hour)
			}
			return reset, true
		}
	}

	if m := resetISOPattern.FindStringSubmatch(text); m != nil {
		layout := "2006-01-02T15:04:05"
		iso := strings.Replace(m[1], " ", "T", 1)
		if len(iso) == 16 {
			layout = "2006-01-02T15:04"
		}
		if parsed, err := time.Parse(layout, iso); err == nil {
			return parsed, true
		}
	}

	if m := resetRelativePattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			unit := strings.ToLower(m[2])
			var d time.Duration
			switch {
			case strings.HasPrefix(unit, "hour"), strings.HasPrefix(unit, "hr"):
				d = time.Duration(n) * time.Hour
			default:
				d = time.Duration(n) * time.Minute
			}
			return now.Add(d), true
		}
	}

	return time.Time{}, false
}
