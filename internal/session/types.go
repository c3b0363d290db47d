// Package session owns the per-conversation state: bounded history,
// personality choice, memories, timezone, reminders, activity time and
// the ledger of sent message IDs. All mutation goes through [Store].
package session

import (
	"errors"
	"fmt"
	"time"
)

// MaxHistory bounds the number of turns kept per conversation. Appending
// beyond it evicts the oldest turn.
const MaxHistory = 30

// Errors returned by Store operations. All of them leave the session
// unchanged.
var (
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrInvalidTime     = errors.New("invalid time of day")
)

// Reasons a retry has nothing to work with. Each wraps ErrNothingToRetry.
var (
	ErrNothingToRetry = errors.New("nothing to retry")
	ErrNoHistory      = fmt.Errorf("%w: no history", ErrNothingToRetry)
	ErrNoBotTurn      = fmt.Errorf("%w: no bot turn", ErrNothingToRetry)
	ErrNoUserTurn     = fmt.Errorf("%w: no preceding user turn", ErrNothingToRetry)
)

// Role tags a history turn.
type Role string

const (
	RoleUser     Role = "User"
	RoleBot      Role = "Bot"
	RoleReminder Role = "Reminder"
)

// Turn is one history entry.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// String renders the turn the way it is sent to the backend, e.g.
// "User: hi".
func (t Turn) String() string {
	return string(t.Role) + ": " + t.Text
}

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses "HH:MM" (24-hour). A one-digit hour is accepted.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// String formats the time as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns the number of minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Reminder is a one-shot or daily reminder entry.
type Reminder struct {
	ID   string    `json:"id"`
	At   TimeOfDay `json:"at"`
	Text string    `json:"text"`

	// LastFired is the local calendar date (YYYY-MM-DD) of the most
	// recent firing. Only daily reminders set it.
	LastFired string `json:"last_fired,omitempty"`
}

// Snapshot is a deep copy of one session's state.
type Snapshot struct {
	ID             string     `json:"id"`
	History        []Turn     `json:"history"`
	Personality    string     `json:"personality"`
	Memories       []string   `json:"memories"`
	Timezone       string     `json:"timezone"`
	Reminders      []Reminder `json:"reminders"`
	DailyReminders []Reminder `json:"daily_reminders"`
	LastActivity   time.Time  `json:"last_activity"`
	SentMessageIDs []string   `json:"sent_message_ids"`
}

// Stats summarizes the store for status surfaces.
type Stats struct {
	Sessions       int `json:"sessions"`
	Turns          int `json:"turns"`
	Memories       int `json:"memories"`
	Reminders      int `json:"reminders"`
	DailyReminders int `json:"daily_reminders"`
}
