// Package greeting runs one background task per conversation that sends
// a proactive greeting after the conversation has been idle for a while.
//
// Each task loops through
//
//	wait(check) -> idle? -> wait(random cooldown) -> generate and send -> wait(check) ...
//
// and ends only when it is replaced by [Manager.Start] or the manager is
// stopped. A greeting whose generation completes after its task was
// replaced is discarded.
package greeting

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/compose"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/personality"
	"github.com/nugget/hearth/internal/session"
)

// Default timings.
const (
	DefaultCheckInterval = 600 * time.Second
	DefaultIdleThreshold = 3600 * time.Second
	DefaultCooldownMin   = 3600 * time.Second
	DefaultCooldownMax   = 14400 * time.Second
)

// Sender delivers a proactive message and returns its transport id.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) (messageID string, err error)
}

// Config holds the manager's collaborators and timings. Zero timings use
// the defaults.
type Config struct {
	Store     *session.Store
	Registry  *personality.Registry
	Generator llm.Generator
	Sender    Sender
	Bus       *events.Bus
	Logger    *slog.Logger

	CheckInterval time.Duration
	IdleThreshold time.Duration
	CooldownMin   time.Duration
	CooldownMax   time.Duration
	CallTimeout   time.Duration

	// Now, Sleep and Cooldown replace the clock, timed waits and the
	// random cooldown draw.
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Cooldown func(lo, hi time.Duration) time.Duration
}

type task struct {
	epoch  uint64
	cancel context.CancelFunc
}

// Manager is the registry of greeting tasks. At most one task is live
// per conversation.
type Manager struct {
	store    *session.Store
	registry *personality.Registry
	gen      llm.Generator
	sender   Sender
	bus      *events.Bus
	logger   *slog.Logger

	check       time.Duration
	idle        time.Duration
	coolMin     time.Duration
	coolMax     time.Duration
	callTimeout time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	cooldown    func(lo, hi time.Duration) time.Duration

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
	epoch uint64
}

// New creates a manager with no running tasks.
func New(cfg Config) *Manager {
	m := &Manager{
		store:       cfg.Store,
		registry:    cfg.Registry,
		gen:         cfg.Generator,
		sender:      cfg.Sender,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		check:       orDefault(cfg.CheckInterval, DefaultCheckInterval),
		idle:        orDefault(cfg.IdleThreshold, DefaultIdleThreshold),
		coolMin:     orDefault(cfg.CooldownMin, DefaultCooldownMin),
		coolMax:     orDefault(cfg.CooldownMax, DefaultCooldownMax),
		callTimeout: orDefault(cfg.CallTimeout, 2*time.Minute),
		now:         cfg.Now,
		sleep:       cfg.Sleep,
		cooldown:    cfg.Cooldown,
		tasks:       make(map[string]*task),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "greeting")
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = sleepCtx
	}
	if m.cooldown == nil {
		m.cooldown = RandomCooldown
	}
	if m.coolMax < m.coolMin {
		m.coolMax = m.coolMin
	}
	m.root, m.rootCancel = context.WithCancel(context.Background())
	return m
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RandomCooldown draws a whole number of seconds uniformly from
// [lo, hi].
func RandomCooldown(lo, hi time.Duration) time.Duration {
	span := int64((hi - lo) / time.Second)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(rand.N(span+1))*time.Second
}

// Start cancels any task for the conversation and launches a new one.
// It returns the new task's epoch.
func (m *Manager) Start(conversationID string) uint64 {
	m.mu.Lock()
	if m.root.Err() != nil {
		m.mu.Unlock()
		return 0
	}
	if old, ok := m.tasks[conversationID]; ok {
		old.cancel()
	}
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(m.root)
	m.tasks[conversationID] = &task{epoch: epoch, cancel: cancel}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, conversationID, epoch)

	m.logger.Debug("greeting task started", "conversation_id", conversationID, "epoch", epoch)
	m.bus.Emit(events.SourceGreeting, events.KindGreetingStarted, map[string]any{
		"conversation_id": conversationID,
		"epoch":           epoch,
	})
	return epoch
}

// Cancel stops the conversation's task, if any.
func (m *Manager) Cancel(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[conversationID]; ok {
		t.cancel()
		delete(m.tasks, conversationID)
	}
}

// Stop cancels every task and waits for them to exit. Start is a no-op
// afterward.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.rootCancel()
	for id, t := range m.tasks {
		t.cancel()
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("greeting tasks stopped")
}

// Active returns the conversations with a live task, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Epoch returns the epoch of the conversation's live task.
func (m *Manager) Epoch(conversationID string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[conversationID]
	if !ok {
		return 0, false
	}
	return t.epoch, true
}

func (m *Manager) current(conversationID string, epoch uint64) bool {
	got, ok := m.Epoch(conversationID)
	return ok && got == epoch
}

func (m *Manager) run(ctx context.Context, id string, epoch uint64) {
	defer m.wg.Done()
	log := m.logger.With("conversation_id", id, "epoch", epoch)

	for {
		if err := m.sleep(ctx, m.check); err != nil {
			return
		}

		last, ok := m.store.LastActivity(id)
		if !ok {
			continue
		}
		idle := m.now().Sub(last)
		log.Debug("checked inactivity", "idle", idle.Round(time.Second))
		if idle < m.idle {
			continue
		}

		wait := m.cooldown(m.coolMin, m.coolMax)
		log.Info("conversation idle, greeting after cooldown",
			"idle", idle.Round(time.Second),
			"cooldown", wait,
		)
		if err := m.sleep(ctx, wait); err != nil {
			return
		}

		if err := m.greet(ctx, id, epoch); err != nil {
			log.Error("greeting failed", "error", err)
		}
	}
}

// greet generates and sends one greeting. The generation call outlives a
// replaced task, whose result is then dropped, but is canceled when the
// manager stops.
func (m *Manager) greet(ctx context.Context, id string, epoch uint64) error {
	callCtx, cancel := context.WithTimeout(m.root, m.callTimeout)
	defer cancel()

	loc := m.store.Location(id)
	p := m.registry.Resolve(m.store.Personality(id))
	resp, err := m.gen.Generate(callCtx, &llm.Request{
		Endpoint:    p.Endpoint,
		Model:       p.Model,
		Temperature: p.Temperature,
		System:      p.Prompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: Prompt(m.now().In(loc))},
		},
		ConversationID: id,
		Purpose:        llm.PurposeGreeting,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	if ctx.Err() != nil || !m.current(id, epoch) {
		m.logger.Info("discarding greeting from replaced task", "conversation_id", id, "epoch", epoch)
		m.bus.Emit(events.SourceGreeting, events.KindGreetingDiscarded, map[string]any{
			"conversation_id": id,
			"epoch":           epoch,
		})
		return nil
	}

	reply := compose.CleanReply(resp.Content)
	msgID, err := m.sender.Send(callCtx, id, reply)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	m.store.AppendTurn(id, session.RoleBot, reply)
	if msgID != "" {
		m.store.RecordSentMessage(id, msgID)
	}
	m.store.TouchActivity(id)

	m.logger.Info("greeting sent", "conversation_id", id, "epoch", epoch)
	m.bus.Emit(events.SourceGreeting, events.KindGreetingSent, map[string]any{
		"conversation_id": id,
		"epoch":           epoch,
	})
	return nil
}
