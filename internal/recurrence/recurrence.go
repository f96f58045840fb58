// Package recurrence interprets a campaign's recurrence setting: empty or
// "none" for a one-shot campaign, otherwise a cron expression or descriptor.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// None is the recurrence of a one-shot campaign.
const None = "none"

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// IsRecurring reports whether spec asks for repeated runs.
func IsRecurring(spec string) bool {
	s := strings.TrimSpace(spec)
	return s != "" && !strings.EqualFold(s, None)
}

// Validate checks that spec is empty, "none" or a parseable cron spec
// ("0 9 * * MON", "@daily", "@every 6h").
func Validate(spec string) error {
	if !IsRecurring(spec) {
		return nil
	}
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid recurrence %q: %w", spec, err)
	}
	return nil
}

// Next returns the first occurrence of spec strictly after t.
func Next(spec string, after time.Time) (time.Time, error) {
	if !IsRecurring(spec) {
		return time.Time{}, fmt.Errorf("recurrence %q does not repeat", spec)
	}
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurrence %q: %w", spec, err)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence %q has no future occurrence", spec)
	}
	return next, nil
}

// Normalize maps the one-shot spellings to "".
func Normalize(spec string) string {
	if !IsRecurring(spec) {
		return ""
	}
	return strings.TrimSpace(spec)
}
