package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceSignal, Kind: KindMessageReceived})
	b.Emit(SourceReminder, KindReminderFired, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceGreeting, KindGreetingSent, map[string]any{"conversation_id": "c1", "epoch": uint64(3)})

	got := recv(t, ch)
	if got.Source != SourceGreeting || got.Kind != KindGreetingSent {
		t.Errorf("got %s/%s", got.Source, got.Kind)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("timestamp %v before publish time %v", got.Timestamp, before)
	}
	if id, _ := got.Data["conversation_id"].(string); id != "c1" {
		t.Errorf("conversation_id = %v", got.Data["conversation_id"])
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(2), b.Subscribe(2), b.Subscribe(2)}

	b.Emit(SourceCompanion, KindCommand, map[string]any{"command": "clock"})

	for i, ch := range subs {
		if got := recv(t, ch); got.Kind != KindCommand {
			t.Errorf("subscriber %d got kind %q", i, got.Kind)
		}
		b.Unsubscribe(ch)
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribing all", n)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceLLM, KindLLMResponse, map[string]any{"seq": 1})
	b.Emit(SourceLLM, KindLLMResponse, map[string]any{"seq": 2})

	if got := recv(t, ch); got.Data["seq"] != 1 {
		t.Errorf("first event seq = %v", got.Data["seq"])
	}
	select {
	case e := <-ch:
		t.Errorf("second event should have been dropped, got %v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	b.Emit(SourceSignal, KindRetracted, nil)
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(16)

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				b.Emit(SourceReminder, KindReminderFired, map[string]any{"worker": i, "seq": j})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	<-done
}
