package signal

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/companion"
	"github.com/nugget/hearth/internal/events"
)

// handleTimeout bounds how long a single inbound message may be
// processed, including generation and delivery.
const handleTimeout = 5 * time.Minute

// deniedText is the reply to senders outside the allow-list.
const deniedText = "You do not have permission to use this bot."

// Handler is the companion engine as seen by the transport.
type Handler interface {
	HandleCommand(ctx context.Context, conversationID, name string, args []string) companion.Result
	HandleText(ctx context.Context, conversationID, text string) companion.Result
	RecordSent(conversationID, messageID string)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client  *Client
	Handler Handler
	Bus     *events.Bus
	Logger  *slog.Logger

	// AllowedSenders lists the phone numbers allowed to talk to the bot.
	// Empty allows everyone.
	AllowedSenders []string
}

// Bridge receives Signal messages, authorizes and parses them, hands them
// to the companion engine, and delivers the engine's replies. Sessions
// are keyed by the sender's phone number, so the conversation id is also
// the Signal recipient.
type Bridge struct {
	client  *Client
	handler Handler
	bus     *events.Bus
	logger  *slog.Logger
	allowed map[string]bool

	// convs holds the pending envelopes of each conversation that has a
	// live worker. An entry exists exactly while its worker runs.
	mu      sync.Mutex
	convs   map[string][]*Envelope
	workers sync.WaitGroup
}

// NewBridge creates a Signal bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		client:  cfg.Client,
		handler: cfg.Handler,
		bus:     cfg.Bus,
		logger:  logger.With("component", "signal"),
		convs:   make(map[string][]*Envelope),
	}
	if len(cfg.AllowedSenders) > 0 {
		b.allowed = make(map[string]bool, len(cfg.AllowedSenders))
		for _, s := range cfg.AllowedSenders {
			b.allowed[strings.TrimSpace(s)] = true
		}
	} else {
		b.logger.Warn("no allowed_senders configured, accepting messages from anyone")
	}
	return b
}

// SetHandler installs the engine. The engine and the schedulers depend
// on the bridge for delivery, so main wires it after construction. Call
// before Run.
func (b *Bridge) SetHandler(h Handler) {
	b.handler = h
}

// Run receives messages until ctx is canceled or signal-cli exits.
// Each conversation is handled by its own worker, so messages from one
// sender are processed in arrival order while a slow exchange never
// holds up another sender. Run returns once every worker has finished.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("signal bridge started")
	defer b.workers.Wait()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case env, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return
			}
			b.dispatch(ctx, env)
		}
	}
}

// dispatch queues env on its sender's conversation, starting a worker
// when none is running.
func (b *Bridge) dispatch(ctx context.Context, env *Envelope) {
	sender := senderOf(env)
	if sender == "" {
		b.handleEnvelope(ctx, env)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pending, running := b.convs[sender]
	b.convs[sender] = append(pending, env)
	if running {
		return
	}
	b.workers.Add(1)
	go b.work(ctx, sender)
}

// work drains one conversation's queue and exits when it runs dry.
// Envelopes still queued when ctx ends are dropped.
func (b *Bridge) work(ctx context.Context, sender string) {
	defer b.workers.Done()
	for {
		b.mu.Lock()
		pending := b.convs[sender]
		if len(pending) == 0 || ctx.Err() != nil {
			delete(b.convs, sender)
			b.mu.Unlock()
			if len(pending) > 0 {
				b.logger.Warn("signal dropping queued messages on shutdown",
					"conversation_id", sender, "count", len(pending))
			}
			return
		}
		env := pending[0]
		pending[0] = nil
		b.convs[sender] = pending[1:]
		b.mu.Unlock()

		b.handleEnvelope(ctx, env)
	}
}

// Send delivers a proactive message and returns its id. It satisfies the
// sender capability of the reminder and greeting schedulers.
func (b *Bridge) Send(ctx context.Context, conversationID, text string) (string, error) {
	ts, err := b.client.Send(ctx, conversationID, text)
	if err != nil {
		return "", err
	}
	return formatID(ts), nil
}

func (b *Bridge) handleEnvelope(ctx context.Context, env *Envelope) {
	dm := env.DataMessage
	if dm == nil || strings.TrimSpace(dm.Message) == "" {
		b.logger.Debug("signal ignoring non-text envelope", "sender", env.Source)
		return
	}
	if dm.GroupInfo != nil {
		b.logger.Debug("signal ignoring group message", "sender", env.Source, "group", dm.GroupInfo.GroupID)
		return
	}
	sender := senderOf(env)
	if sender == "" {
		b.logger.Debug("signal ignoring envelope with empty source")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	log := b.logger.With("conversation_id", sender)
	b.bus.Emit(events.SourceSignal, events.KindMessageReceived, map[string]any{
		"conversation_id": sender,
		"message_len":     len(dm.Message),
	})

	if !b.allowSender(sender) {
		log.Warn("signal message from unauthorized sender")
		b.bus.Emit(events.SourceSignal, events.KindMessageRejected, map[string]any{
			"conversation_id": sender,
		})
		if _, err := b.client.Send(ctx, sender, deniedText); err != nil {
			log.Error("signal denial send failed", "error", err)
		}
		return
	}

	if err := b.client.SendReceipt(ctx, sender, env.messageTimestamp()); err != nil {
		log.Debug("signal read receipt failed", "error", err)
	}

	var res companion.Result
	if name, args, ok := parseCommand(dm.Message); ok {
		log.Info("signal command received", "command", name)
		res = b.handler.HandleCommand(ctx, sender, name, args)
	} else {
		log.Info("signal message received", "message_len", len(dm.Message))
		if err := b.client.SendTyping(ctx, sender, false); err != nil {
			log.Debug("signal typing indicator failed", "error", err)
		}
		res = b.handler.HandleText(ctx, sender, dm.Message)

		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := b.client.SendTyping(stopCtx, sender, true); err != nil {
			log.Debug("signal typing stop failed", "error", err)
		}
		stopCancel()
	}

	b.deliver(ctx, sender, res)
}

// deliver sends each reply in order. A failed retraction is logged and
// the replacement is still sent.
func (b *Bridge) deliver(ctx context.Context, id string, res companion.Result) {
	log := b.logger.With("conversation_id", id)
	for _, out := range res.Replies {
		if out.Retract != "" {
			b.retract(ctx, id, out.Retract)
		}
		if out.Text == "" {
			continue
		}
		ts, err := b.client.Send(ctx, id, out.Text)
		if err != nil {
			log.Error("signal reply send failed", "error", err)
			continue
		}
		log.Debug("signal reply sent", "timestamp", ts, "response_len", len(out.Text))
		if out.Track {
			b.handler.RecordSent(id, formatID(ts))
		}
	}
}

func (b *Bridge) retract(ctx context.Context, id, messageID string) {
	log := b.logger.With("conversation_id", id, "message_id", messageID)
	ts, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		log.Warn("signal retract skipped, message id is not a timestamp")
		return
	}
	if err := b.client.RemoteDelete(ctx, id, ts); err != nil {
		log.Warn("signal retract failed", "error", err)
		return
	}
	b.bus.Emit(events.SourceSignal, events.KindRetracted, map[string]any{
		"conversation_id": id,
		"message_id":      messageID,
	})
}

func (b *Bridge) allowSender(sender string) bool {
	return b.allowed == nil || b.allowed[sender]
}

// senderOf prefers the sender's phone number over signal-cli's source
// field, which may hold a UUID for some contacts.
func senderOf(env *Envelope) string {
	if env.SourceNumber != "" {
		return env.SourceNumber
	}
	return env.Source
}

// parseCommand splits "/name arg1 arg2" into its name and arguments. A
// "@botname" suffix on the command word is dropped.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ = strings.Cut(fields[0], "@")
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}

func formatID(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
