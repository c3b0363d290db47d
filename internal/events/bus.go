// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (signal bridge, companion
// engine, reminder and greeting schedulers, usage recorder) to
// subscribers such as the WebSocket stream and the MQTT token counter.
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSignal identifies events from the Signal bridge.
	SourceSignal = "signal"
	// SourceCompanion identifies events from the inbound event engine.
	SourceCompanion = "companion"
	// SourceReminder identifies events from the reminder scheduler.
	SourceReminder = "reminder"
	// SourceGreeting identifies events from idle-greeting tasks.
	SourceGreeting = "greeting"
	// SourceLLM identifies events from the generation backend wrapper.
	SourceLLM = "llm"
	// SourceConnwatch identifies dependency health transitions.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals an incoming Signal message.
	// Data: sender, conversation_id, message_len.
	KindMessageReceived = "message_received"
	// KindMessageRejected signals a message from a sender that is not
	// on the allow-list.
	// Data: sender.
	KindMessageRejected = "message_rejected"
	// KindRetracted signals a sent message was remotely deleted.
	// Data: conversation_id, message_id, ok.
	KindRetracted = "retracted"

	// KindCommand signals a slash command was handled.
	// Data: conversation_id, command.
	KindCommand = "command"
	// KindReply signals a generated reply to a user turn.
	// Data: conversation_id, ok, retry.
	KindReply = "reply"

	// KindReminderFired signals a reminder fire attempt.
	// Data: conversation_id, reminder_id, daily, ok.
	KindReminderFired = "reminder_fired"

	// KindGreetingStarted signals a greeting task was (re)started.
	// Data: conversation_id, epoch.
	KindGreetingStarted = "greeting_started"
	// KindGreetingSent signals a proactive greeting was delivered.
	// Data: conversation_id, epoch.
	KindGreetingSent = "greeting_sent"
	// KindGreetingDiscarded signals a greeting generated by a task that
	// was replaced while the call was in flight.
	// Data: conversation_id, epoch.
	KindGreetingDiscarded = "greeting_discarded"

	// KindLLMResponse signals completion of a backend call.
	// Data: conversation_id, purpose, model, tokens_in, tokens_out,
	// ok, elapsed_ms.
	KindLLMResponse = "llm_response"

	// KindServiceReady signals a watched dependency became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched dependency stopped answering.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
