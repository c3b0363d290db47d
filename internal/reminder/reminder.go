// Package reminder runs the single polling loop that fires one-shot and
// daily reminders for every conversation.
package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/session"
)

// DefaultInterval is the sweep period and the matching granularity.
const DefaultInterval = 60 * time.Second

// Window is the length of the matching window that starts at a
// reminder's time of day.
const Window = time.Minute

// Due reports whether now, converted to loc, falls within the window
// [at, at+Window) on the local calendar day. The window for 23:59 ends
// at the following midnight.
func Due(at session.TimeOfDay, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, at.Hour, at.Minute, 0, 0, loc)
	return !local.Before(start) && local.Before(start.Add(Window))
}

// LocalDate formats now in loc as YYYY-MM-DD.
func LocalDate(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(time.DateOnly)
}

// Prompt is the user message sent to the backend when a reminder fires.
func Prompt(text, personalityPrompt string) string {
	return "Please remind me to do the following: " + text +
		" Follow this prompt: " + personalityPrompt + " Send me a reply."
}

// FormatList renders reminder lists as sent in reply to /clocklist. The
// first message is always present; the second only when daily reminders
// exist.
func FormatList(oneShot, daily []session.Reminder) []string {
	var out []string
	if len(oneShot) == 0 {
		out = append(out, "No reminders set.")
	} else {
		out = append(out, "Reminder list:\n"+formatEntries(oneShot))
	}
	if len(daily) > 0 {
		out = append(out, "Daily reminder list:\n"+formatEntries(daily))
	}
	return out
}

func formatEntries(list []session.Reminder) string {
	lines := make([]string, len(list))
	for i, r := range list {
		lines[i] = fmt.Sprintf("%d. %s - %s", i+1, r.At, r.Text)
	}
	return strings.Join(lines, "\n")
}
