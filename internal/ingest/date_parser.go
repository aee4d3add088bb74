package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	isoDateRegex   = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	monthNameRegex = regexp.MustCompile(`\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+(\d{1,2}),?\s+(20\d{2})\b`)
)

// parseDateRobust parses the timestamp shapes seen in social APIs and scraped boards.
// Date-only values resolve to midnight UTC.
func parseDateRobust(text string) (time.Time, error) {
	text = cleanDateString(text)
	text = strings.ReplaceAll(text, "a.m.", "AM")
	text = strings.ReplaceAll(text, "p.m.", "PM")
	text = strings.ReplaceAll(text, " am", " AM")
	text = strings.ReplaceAll(text, " pm", " PM")

	// Try ISO format first (most reliable)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}

	englishFormats := []string{
		"2006-01-02",
		"2 January 2006",
		"2 January 2006 15:04",
		"2 January 2006 3:04 PM",
		"January 2, 2006",
		"January 2, 2006 3:04 PM",
		"Jan 2, 2006",
		"Jan 2, 2006 3:04 PM",
		"2 Jan 2006",
		"02 Jan 2006 15:04",
		"01/02/2006",
		"01/02/2006 15:04",
	}
	for _, format := range englishFormats {
		if t, err := time.Parse(format, text); err == nil {
			return t, nil
		}
	}

	if t := parseDateWithRegex(text); !t.IsZero() {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", text)
}

// parseDateWithRegex extracts a date embedded in surrounding text.
func parseDateWithRegex(text string) time.Time {
	if matches := isoDateRegex.FindStringSubmatch(text); len(matches) == 4 {
		if t, err := time.Parse("2006-01-02", matches[0]); err == nil {
			return t
		}
	}

	if matches := monthNameRegex.FindStringSubmatch(text); len(matches) == 4 {
		dateStr := fmt.Sprintf("%s %s, %s", matches[1], matches[2], matches[3])
		if t, err := time.Parse("January 2, 2006", dateStr); err == nil {
			return t
		}
		if t, err := time.Parse("Jan 2, 2006", dateStr); err == nil {
			return t
		}
	}

	return time.Time{}
}

// cleanDateString removes common prefixes and cleans up date strings
func cleanDateString(s string) string {
	prefixes := []string{"Posted:", "Posted on", "Published:", "Updated:", "Date:"}
	sLower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(sLower, strings.ToLower(p)); idx != -1 {
			s = s[idx+len(p):]
			sLower = sLower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}
