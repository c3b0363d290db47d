package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is the mutable record for one conversation. Its mutex guards
// every field; the store's map lock only guards membership.
type session struct {
	mu sync.Mutex

	id           string
	history      []Turn
	personality  string
	memories     []string
	timezone     string
	reminders    []Reminder
	daily        []Reminder
	lastActivity time.Time
	sentIDs      []string
}

// Store is the in-memory session store. Sessions are created lazily on
// first access and live for the process lifetime. All methods are safe
// for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewID generates a UUIDv7 for reminder entries.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (s *Store) getOrCreate(id string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	sess = &session{id: id}
	s.sessions[id] = sess
	return sess
}

// with runs fn with the session for id locked.
func (s *Store) with(id string, fn func(*session)) {
	sess := s.getOrCreate(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	fn(sess)
}

// GetOrCreate ensures a session exists for id and returns its snapshot.
func (s *Store) GetOrCreate(id string) Snapshot {
	return s.Snapshot(id)
}

// Exists reports whether a session has been created for id.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// IDs returns the ids of all sessions, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Snapshot returns a deep copy of the session for id.
func (s *Store) Snapshot(id string) Snapshot {
	var snap Snapshot
	s.with(id, func(sess *session) {
		snap = Snapshot{
			ID:             sess.id,
			History:        slices.Clone(sess.history),
			Personality:    sess.personality,
			Memories:       slices.Clone(sess.memories),
			Timezone:       sess.timezone,
			Reminders:      slices.Clone(sess.reminders),
			DailyReminders: slices.Clone(sess.daily),
			LastActivity:   sess.lastActivity,
			SentMessageIDs: slices.Clone(sess.sentIDs),
		}
	})
	return snap
}

// --- History ---

// AppendTurn adds a turn, evicting the oldest once MaxHistory is exceeded.
func (s *Store) AppendTurn(id string, role Role, text string) {
	s.with(id, func(sess *session) {
		sess.history = append(sess.history, Turn{Role: role, Text: text})
		if over := len(sess.history) - MaxHistory; over > 0 {
			sess.history = slices.Delete(sess.history, 0, over)
		}
	})
}

// History returns a copy of the history.
func (s *Store) History(id string) []Turn {
	var out []Turn
	s.with(id, func(sess *session) { out = slices.Clone(sess.history) })
	return out
}

// ClearHistory empties the history.
func (s *Store) ClearHistory(id string) {
	s.with(id, func(sess *session) { sess.history = nil })
}

// RemoveLastBotReply finds the most recent Bot turn and, when the turn
// directly before it is a User turn, removes the Bot turn and returns
// the user's text. On any error history is unchanged; the error is one
// of ErrNoHistory, ErrNoBotTurn or ErrNoUserTurn.
func (s *Store) RemoveLastBotReply(id string) (userText string, err error) {
	s.with(id, func(sess *session) {
		if len(sess.history) <= 1 {
			err = ErrNoHistory
			return
		}
		last := -1
		for i := len(sess.history) - 1; i >= 0; i-- {
			if sess.history[i].Role == RoleBot {
				last = i
				break
			}
		}
		if last < 0 {
			err = ErrNoBotTurn
			return
		}
		if last < 1 || sess.history[last-1].Role != RoleUser {
			err = ErrNoUserTurn
			return
		}
		userText = sess.history[last-1].Text
		sess.history = slices.Delete(sess.history, last, last+1)
	})
	return userText, err
}

// --- Personality and timezone ---

// SetPersonality records the chosen profile name. Names are checked by
// the caller; an unresolvable name falls back to the default at read time.
func (s *Store) SetPersonality(id, name string) {
	s.with(id, func(sess *session) { sess.personality = name })
}

// Personality returns the stored profile name, possibly empty.
func (s *Store) Personality(id string) string {
	var name string
	s.with(id, func(sess *session) { name = sess.personality })
	return name
}

// SetTimezone validates name against the zone database and stores it.
// On failure the previous value is kept and ErrInvalidTimezone is returned.
func (s *Store) SetTimezone(id, name string) error {
	if name == "" || name == "Local" {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	s.with(id, func(sess *session) { sess.timezone = name })
	return nil
}

// Location returns the session's zone, or UTC when unset or no longer
// loadable.
func (s *Store) Location(id string) *time.Location {
	var name string
	s.with(id, func(sess *session) { name = sess.timezone })
	return LoadLocationOrUTC(name)
}

// LoadLocationOrUTC loads name, falling back to UTC.
func LoadLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// --- Memories ---

// UpsertMemory replaces the memory at 1-based index, or appends when
// index is one past the end. Any other index returns ErrIndexOutOfRange.
func (s *Store) UpsertMemory(id string, index int, text string) error {
	var err error
	s.with(id, func(sess *session) {
		i := index - 1
		switch {
		case i >= 0 && i < len(sess.memories):
			sess.memories[i] = text
		case i == len(sess.memories):
			sess.memories = append(sess.memories, text)
		default:
			err = fmt.Errorf("%w: memory %d", ErrIndexOutOfRange, index)
		}
	})
	return err
}

// DeleteMemory removes the memory at 1-based index.
func (s *Store) DeleteMemory(id string, index int) error {
	var err error
	s.with(id, func(sess *session) {
		i := index - 1
		if i < 0 || i >= len(sess.memories) {
			err = fmt.Errorf("%w: memory %d", ErrIndexOutOfRange, index)
			return
		}
		sess.memories = slices.Delete(sess.memories, i, i+1)
	})
	return err
}

// Memories returns a copy of the memories.
func (s *Store) Memories(id string) []string {
	var out []string
	s.with(id, func(sess *session) { out = slices.Clone(sess.memories) })
	return out
}

// --- Reminders ---

// AddReminder appends a one-shot reminder and returns it.
func (s *Store) AddReminder(id string, at TimeOfDay, text string) Reminder {
	r := Reminder{ID: NewID(), At: at, Text: text}
	s.with(id, func(sess *session) { sess.reminders = append(sess.reminders, r) })
	return r
}

// AddDailyReminder appends a daily reminder and returns it.
func (s *Store) AddDailyReminder(id string, at TimeOfDay, text string) Reminder {
	r := Reminder{ID: NewID(), At: at, Text: text}
	s.with(id, func(sess *session) { sess.daily = append(sess.daily, r) })
	return r
}

// RemoveReminderAt deletes the one-shot reminder at 1-based index.
func (s *Store) RemoveReminderAt(id string, index int) error {
	var err error
	s.with(id, func(sess *session) {
		sess.reminders, err = removeAt(sess.reminders, index)
	})
	return err
}

// RemoveDailyReminderAt deletes the daily reminder at 1-based index.
func (s *Store) RemoveDailyReminderAt(id string, index int) error {
	var err error
	s.with(id, func(sess *session) {
		sess.daily, err = removeAt(sess.daily, index)
	})
	return err
}

func removeAt(list []Reminder, index int) ([]Reminder, error) {
	i := index - 1
	if i < 0 || i >= len(list) {
		return list, fmt.Errorf("%w: reminder %d", ErrIndexOutOfRange, index)
	}
	return slices.Delete(list, i, i+1), nil
}

// RemoveReminder deletes the one-shot reminder with the given ID.
// It reports whether an entry was removed.
func (s *Store) RemoveReminder(id, reminderID string) bool {
	var removed bool
	s.with(id, func(sess *session) {
		i := slices.IndexFunc(sess.reminders, func(r Reminder) bool { return r.ID == reminderID })
		if i >= 0 {
			sess.reminders = slices.Delete(sess.reminders, i, i+1)
			removed = true
		}
	})
	return removed
}

// MarkDailyFired records the local date a daily reminder last fired.
func (s *Store) MarkDailyFired(id, reminderID, date string) {
	s.with(id, func(sess *session) {
		for i := range sess.daily {
			if sess.daily[i].ID == reminderID {
				sess.daily[i].LastFired = date
				return
			}
		}
	})
}

// Reminders returns copies of the one-shot and daily reminder lists.
func (s *Store) Reminders(id string) (oneShot, daily []Reminder) {
	s.with(id, func(sess *session) {
		oneShot = slices.Clone(sess.reminders)
		daily = slices.Clone(sess.daily)
	})
	return oneShot, daily
}

// --- Activity and sent messages ---

// TouchActivity sets the last-activity time to now.
func (s *Store) TouchActivity(id string) {
	now := s.now()
	s.with(id, func(sess *session) { sess.lastActivity = now })
}

// LastActivity returns the last-activity time; ok is false if the
// conversation has never been active.
func (s *Store) LastActivity(id string) (t time.Time, ok bool) {
	s.with(id, func(sess *session) { t = sess.lastActivity })
	return t, !t.IsZero()
}

// RecordSentMessage appends an outbound message ID to the ledger.
func (s *Store) RecordSentMessage(id, messageID string) {
	s.with(id, func(sess *session) { sess.sentIDs = append(sess.sentIDs, messageID) })
}

// PopLastSentMessage removes and returns the most recent message ID.
func (s *Store) PopLastSentMessage(id string) (string, bool) {
	var (
		msgID string
		ok    bool
	)
	s.with(id, func(sess *session) {
		if n := len(sess.sentIDs); n > 0 {
			msgID = sess.sentIDs[n-1]
			sess.sentIDs = sess.sentIDs[:n-1]
			ok = true
		}
	})
	return msgID, ok
}

// Stats returns aggregate counts across all sessions.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	st := Stats{Sessions: len(all)}
	for _, sess := range all {
		sess.mu.Lock()
		st.Turns += len(sess.history)
		st.Memories += len(sess.memories)
		st.Reminders += len(sess.reminders)
		st.DailyReminders += len(sess.daily)
		sess.mu.Unlock()
	}
	return st
}
