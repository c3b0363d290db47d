package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/compose"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/personality"
	"github.com/nugget/hearth/internal/session"
)

// Sender delivers a proactive message and returns its transport id.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) (messageID string, err error)
}

// Config holds the scheduler's collaborators.
type Config struct {
	Store     *session.Store
	Registry  *personality.Registry
	Generator llm.Generator
	Sender    Sender
	Bus       *events.Bus
	Logger    *slog.Logger

	// Interval between sweeps. Defaults to DefaultInterval.
	Interval time.Duration
	// CallTimeout bounds one generate-and-send. Defaults to two minutes.
	CallTimeout time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Scheduler sweeps all sessions on a fixed interval and fires due
// reminders. Reminders are read through the store on every sweep.
type Scheduler struct {
	store    *session.Store
	registry *personality.Registry
	gen      llm.Generator
	sender   Sender
	bus      *events.Bus
	logger   *slog.Logger

	interval    time.Duration
	callTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. Call Start to begin sweeping.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:       cfg.Store,
		registry:    cfg.Registry,
		gen:         cfg.Generator,
		sender:      cfg.Sender,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "reminder")
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.callTimeout <= 0 {
		s.callTimeout = 2 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start launches the sweep loop. It returns immediately; the loop runs
// until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("reminder scheduler started", "interval", s.interval)
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates every session once at the current time. Fire attempts
// run sequentially, so a slow backend call delays later reminders in
// the same sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	for _, id := range s.store.IDs() {
		if ctx.Err() != nil {
			return
		}
		s.sweepSession(ctx, id, now)
	}
}

func (s *Scheduler) sweepSession(ctx context.Context, id string, now time.Time) {
	oneShot, daily := s.store.Reminders(id)
	if len(oneShot) == 0 && len(daily) == 0 {
		return
	}
	loc := s.store.Location(id)

	for _, r := range oneShot {
		if !Due(r.At, now, loc) {
			continue
		}
		s.attempt(ctx, id, r, false)
		// Removed whether or not the attempt succeeded.
		s.store.RemoveReminder(id, r.ID)
	}

	today := LocalDate(now, loc)
	for _, r := range daily {
		if r.LastFired == today || !Due(r.At, now, loc) {
			continue
		}
		s.store.MarkDailyFired(id, r.ID, today)
		s.attempt(ctx, id, r, true)
	}
}

func (s *Scheduler) attempt(ctx context.Context, id string, r session.Reminder, daily bool) {
	err := s.fire(ctx, id, r)
	if err != nil {
		s.logger.Error("reminder failed",
			"conversation_id", id,
			"reminder_id", r.ID,
			"daily", daily,
			"error", err,
		)
	} else {
		s.logger.Info("reminder sent",
			"conversation_id", id,
			"reminder_id", r.ID,
			"daily", daily,
		)
	}
	s.bus.Emit(events.SourceReminder, events.KindReminderFired, map[string]any{
		"conversation_id": id,
		"reminder_id":     r.ID,
		"daily":           daily,
		"ok":              err == nil,
	})
}

// fire generates the reminder text with the session's personality,
// sends it, and on success records the Reminder and Bot turns.
func (s *Scheduler) fire(ctx context.Context, id string, r session.Reminder) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	p := s.registry.Resolve(s.store.Personality(id))
	resp, err := s.gen.Generate(ctx, &llm.Request{
		Endpoint:    p.Endpoint,
		Model:       p.Model,
		Temperature: p.Temperature,
		System:      p.Prompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: Prompt(r.Text, p.Prompt)},
		},
		ConversationID: id,
		Purpose:        llm.PurposeReminder,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	reply := compose.CleanReply(resp.Content)
	msgID, err := s.sender.Send(ctx, id, reply)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	s.store.AppendTurn(id, session.RoleReminder, r.Text)
	s.store.AppendTurn(id, session.RoleBot, reply)
	if msgID != "" {
		s.store.RecordSentMessage(id, msgID)
	}
	s.store.TouchActivity(id)
	return nil
}

// Pending returns the total number of one-shot and daily reminders.
func (s *Scheduler) Pending() int {
	st := s.store.Stats()
	return st.Reminders + st.DailyReminders
}
