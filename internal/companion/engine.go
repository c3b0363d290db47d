// Package companion is the inbound event interface of the session
// engine. The transport hands it parsed commands and plain text; it
// mutates the session store, drives composition and generation, and
// returns the messages the transport should deliver. It never sends
// anything itself.
package companion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/hearth/internal/compose"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/personality"
	"github.com/nugget/hearth/internal/session"
)

// ErrNothingToRetry is returned by Retry when history holds no bot turn
// that directly follows a user turn.
var ErrNothingToRetry = session.ErrNothingToRetry

// Outbound is one message for the transport to deliver.
type Outbound struct {
	Text string

	// Retract names a previously sent message to delete before Text is
	// sent. Failure to delete is logged by the transport, not reported.
	Retract string

	// Track asks the transport to report the sent message id back via
	// Engine.RecordSent.
	Track bool
}

// Result is what the transport delivers in response to one inbound event.
type Result struct {
	Replies []Outbound
}

func reply(texts ...string) Result {
	r := Result{Replies: make([]Outbound, len(texts))}
	for i, t := range texts {
		r.Replies[i] = Outbound{Text: t}
	}
	return r
}

// Greeter restarts a conversation's idle-greeting task.
type Greeter interface {
	Start(conversationID string) uint64
}

// Config holds the engine's collaborators.
type Config struct {
	Store     *session.Store
	Registry  *personality.Registry
	Composer  *compose.Composer
	Generator llm.Generator
	Greeter   Greeter
	Bus       *events.Bus
	Logger    *slog.Logger

	// CallTimeout bounds one reply generation. Defaults to two minutes.
	CallTimeout time.Duration
}

// Engine handles inbound commands and text.
type Engine struct {
	store       *session.Store
	registry    *personality.Registry
	composer    *compose.Composer
	gen         llm.Generator
	greeter     Greeter
	bus         *events.Bus
	logger      *slog.Logger
	callTimeout time.Duration
	commands    map[string]command
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:       cfg.Store,
		registry:    cfg.Registry,
		composer:    cfg.Composer,
		gen:         cfg.Generator,
		greeter:     cfg.Greeter,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		callTimeout: cfg.CallTimeout,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "companion")
	if e.callTimeout <= 0 {
		e.callTimeout = 2 * time.Minute
	}
	if e.composer == nil {
		e.composer = compose.New(e.gen, e.logger)
	}
	e.commands = e.commandTable()
	return e
}

// HandleText records a user turn, restarts the idle-greeting task, and
// answers with a generated reply. A backend failure becomes a visible
// error reply, recorded in history like any other bot turn.
func (e *Engine) HandleText(ctx context.Context, conversationID, text string) Result {
	e.store.AppendTurn(conversationID, session.RoleUser, text)
	e.store.TouchActivity(conversationID)
	e.restartGreeting(conversationID)

	return Result{Replies: []Outbound{e.respond(ctx, conversationID, "", false)}}
}

// Retry removes the last bot turn and regenerates a reply for the user
// turn before it. The returned result carries a retraction of the most
// recently sent message, if one is known. When there is nothing to
// retry the error wraps ErrNothingToRetry, history is unchanged, and the
// result holds the explanation for the user.
func (e *Engine) Retry(ctx context.Context, conversationID string) (Result, error) {
	userText, err := e.store.RemoveLastBotReply(conversationID)
	if err != nil {
		return reply(retryMessage(err)), err
	}

	retract, _ := e.store.PopLastSentMessage(conversationID)
	e.logger.Info("retrying last reply",
		"conversation_id", conversationID,
		"user_text_len", len(userText),
		"retract", retract,
	)
	return Result{Replies: []Outbound{e.respond(ctx, conversationID, retract, true)}}, nil
}

func retryMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNoHistory):
		return "No chat history found to retry."
	case errors.Is(err, session.ErrNoBotTurn):
		return "No bot response found in chat history to retry."
	default:
		return "No corresponding user message found."
	}
}

// RecordSent appends a delivered message id to the conversation's ledger.
func (e *Engine) RecordSent(conversationID, messageID string) {
	if messageID == "" {
		return
	}
	e.store.RecordSentMessage(conversationID, messageID)
}

// respond composes against current history, generates, cleans the reply
// and records it as a Bot turn.
func (e *Engine) respond(ctx context.Context, id, retract string, retry bool) Outbound {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	req := e.composer.Compose(ctx, compose.Input{
		ConversationID: id,
		Profile:        e.registry.Resolve(e.store.Personality(id)),
		History:        e.store.History(id),
		Memories:       e.store.Memories(id),
	})

	var text string
	resp, err := e.gen.Generate(ctx, req)
	if err != nil {
		e.logger.Error("reply generation failed", "conversation_id", id, "error", err)
		text = llm.ErrorReply(err)
	} else {
		text = resp.Content
	}
	text = compose.CleanReply(text)

	e.store.AppendTurn(id, session.RoleBot, text)
	e.bus.Emit(events.SourceCompanion, events.KindReply, map[string]any{
		"conversation_id": id,
		"ok":              err == nil,
		"retry":           retry,
	})
	return Outbound{Text: text, Retract: retract, Track: true}
}

func (e *Engine) restartGreeting(id string) {
	if e.greeter != nil {
		e.greeter.Start(id)
	}
}
