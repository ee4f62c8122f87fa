package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

var dateParser = newDateParser()

func newDateParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseDate turns "2024-05-01", "tomorrow" or "next friday" into a
// YYYY-MM-DD date relative to now. The empty string clears the date.
func parseDate(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	if t, err := time.Parse(dateLayout, input); err == nil {
		return t.Format(dateLayout), nil
	}
	r, err := dateParser.Parse(input, now)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", input, err)
	}
	if r == nil {
		return "", fmt.Errorf("invalid date %q: expected YYYY-MM-DD or a phrase like 'tomorrow'", input)
	}
	return r.Time.Format(dateLayout), nil
}

// parseClock accepts HH:MM or H:MMpm style times. The empty string clears
// the time.
func parseClock(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	for _, layout := range []string{timeLayout, "3:04pm", "3:04PM", "3pm", "3PM"} {
		if t, err := time.Parse(layout, input); err == nil {
			return t.Format(timeLayout), nil
		}
	}
	return "", fmt.Errorf("invalid time %q: expected HH:MM", input)
}
