package greeting

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/personality"
	"github.com/nugget/hearth/internal/session"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ context.Context, conv, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return "msg-1", nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// sleeper lets the first allow waits return at once and parks every
// later wait until its context ends.
type sleeper struct {
	allow  atomic.Int32
	parked atomic.Int32
	mu     sync.Mutex
	waits  []time.Duration
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	if s.allow.Add(-1) >= 0 {
		return nil
	}
	s.parked.Add(1)
	defer s.parked.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func testRegistry() *personality.Registry {
	return personality.NewRegistry([]config.PersonalityConfig{
		{Name: "DefaultPersonality", Prompt: "You are cheerful.", Model: "m", Endpoint: "http://x"},
	}, "DefaultPersonality")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func idleStore() *session.Store {
	st := session.NewStore(session.WithClock(func() time.Time { return testNow.Add(-2 * time.Hour) }))
	st.TouchActivity("c")
	return st
}

func TestStart_ExactlyOneLiveTask(t *testing.T) {
	sl := &sleeper{}
	m := New(Config{
		Store:     session.NewStore(),
		Registry:  testRegistry(),
		Generator: llm.GeneratorFunc(func(context.Context, *llm.Request) (*llm.Response, error) { return &llm.Response{}, nil }),
		Sender:    &fakeSender{},
		Sleep:     sl.sleep,
	})
	defer m.Stop()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start("c")
		}()
	}
	wg.Wait()
	last := m.Start("c")

	if got := m.Active(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Active = %v", got)
	}
	if epoch, ok := m.Epoch("c"); !ok || epoch != last {
		t.Errorf("Epoch = %d, %v; want %d", epoch, ok, last)
	}
	waitFor(t, "replaced tasks to exit", func() bool { return sl.parked.Load() == 1 })

	m.Start("other")
	waitFor(t, "second conversation task", func() bool { return sl.parked.Load() == 2 })
	m.Cancel("other")
	waitFor(t, "canceled task to exit", func() bool { return sl.parked.Load() == 1 })
}

func TestGreeting_SentAfterIdle(t *testing.T) {
	sl := &sleeper{}
	sl.allow.Store(2)
	store := idleStore()
	sender := &fakeSender{}
	var got atomic.Pointer[llm.Request]

	m := New(Config{
		Store:    store,
		Registry: testRegistry(),
		Generator: llm.GeneratorFunc(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
			got.Store(req)
			return &llm.Response{Content: "Bot：Good afternoon!"}, nil
		}),
		Sender:        sender,
		Now:           func() time.Time { return testNow },
		Sleep:         sl.sleep,
		Cooldown:      func(lo, hi time.Duration) time.Duration { return lo },
		CheckInterval: 10 * time.Minute,
		CooldownMin:   time.Hour,
		CooldownMax:   4 * time.Hour,
	})
	defer m.Stop()

	m.Start("c")
	waitFor(t, "greeting", func() bool { return sender.count() == 1 })
	waitFor(t, "task to park", func() bool { return sl.parked.Load() == 1 })

	if sender.sent[0] != "Good afternoon!" {
		t.Errorf("sent %q", sender.sent[0])
	}
	req := got.Load()
	if req.System != "You are cheerful." || req.Purpose != llm.PurposeGreeting {
		t.Errorf("request = %+v", req)
	}
	if !strings.HasPrefix(req.Messages[0].Content, "It is now 2026-10-14 12:00:00, please generate") {
		t.Errorf("prompt = %q", req.Messages[0].Content)
	}

	h := store.History("c")
	if len(h) != 1 || h[0].String() != "Bot: Good afternoon!" {
		t.Errorf("history = %+v", h)
	}

	sl.mu.Lock()
	waits := append([]time.Duration(nil), sl.waits...)
	sl.mu.Unlock()
	if len(waits) < 3 || waits[0] != 10*time.Minute || waits[1] != time.Hour || waits[2] != 10*time.Minute {
		t.Errorf("waits = %v", waits)
	}
}

func TestGreeting_NotIdle(t *testing.T) {
	sl := &sleeper{}
	sl.allow.Store(3)
	store := session.NewStore(session.WithClock(func() time.Time { return testNow.Add(-10 * time.Minute) }))
	store.TouchActivity("c")
	sender := &fakeSender{}

	m := New(Config{
		Store:     store,
		Registry:  testRegistry(),
		Generator: llm.GeneratorFunc(func(context.Context, *llm.Request) (*llm.Response, error) { return &llm.Response{Content: "hi"}, nil }),
		Sender:    sender,
		Now:       func() time.Time { return testNow },
		Sleep:     sl.sleep,
	})
	defer m.Stop()

	m.Start("c")
	waitFor(t, "task to park", func() bool { return sl.parked.Load() == 1 })
	if n := sender.count(); n != 0 {
		t.Errorf("sent %d greetings to an active conversation", n)
	}
}

func TestGreeting_StaleResultDiscarded(t *testing.T) {
	sl := &sleeper{}
	sl.allow.Store(2)
	store := idleStore()
	sender := &fakeSender{}

	entered := make(chan struct{})
	release := make(chan struct{})
	var callCtxErr atomic.Value

	bus := events.New()
	evts := bus.Subscribe(16)
	defer bus.Unsubscribe(evts)

	m := New(Config{
		Store:    store,
		Registry: testRegistry(),
		Generator: llm.GeneratorFunc(func(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
			close(entered)
			<-release
			callCtxErr.Store(ctx.Err() == nil)
			return &llm.Response{Content: "stale hello"}, nil
		}),
		Sender:   sender,
		Bus:      bus,
		Now:      func() time.Time { return testNow },
		Sleep:    sl.sleep,
		Cooldown: func(lo, hi time.Duration) time.Duration { return lo },
	})
	defer m.Stop()

	first := m.Start("c")
	<-entered

	second := m.Start("c")
	if second <= first {
		t.Fatalf("epochs not increasing: %d then %d", first, second)
	}
	close(release)

	timeout := time.After(2 * time.Second)
	for discarded := false; !discarded; {
		select {
		case e := <-evts:
			if e.Kind == events.KindGreetingDiscarded {
				if e.Data["epoch"] != first {
					t.Errorf("discarded epoch = %v, want %d", e.Data["epoch"], first)
				}
				discarded = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for discard event")
		}
	}

	if alive, _ := callCtxErr.Load().(bool); !alive {
		t.Error("in-flight generation was canceled with its task")
	}
	if n := sender.count(); n != 0 {
		t.Errorf("stale greeting sent %d times", n)
	}
	if h := store.History("c"); len(h) != 0 {
		t.Errorf("stale greeting recorded: %+v", h)
	}
	if epoch, _ := m.Epoch("c"); epoch != second {
		t.Errorf("live epoch = %d, want %d", epoch, second)
	}
}

func TestStop_NoRestart(t *testing.T) {
	sl := &sleeper{}
	m := New(Config{Store: session.NewStore(), Registry: testRegistry(), Sleep: sl.sleep})
	m.Start("c")
	m.Stop()
	if epoch := m.Start("c"); epoch != 0 {
		t.Errorf("Start after Stop returned epoch %d", epoch)
	}
	if len(m.Active()) != 0 {
		t.Errorf("Active after Stop = %v", m.Active())
	}
}

func TestStop_CancelsInFlightGreeting(t *testing.T) {
	sl := &sleeper{}
	sl.allow.Store(2)
	entered := make(chan struct{})

	m := New(Config{
		Store:    idleStore(),
		Registry: testRegistry(),
		Generator: llm.GeneratorFunc(func(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Sender:      &fakeSender{},
		Now:         func() time.Time { return testNow },
		Sleep:       sl.sleep,
		Cooldown:    func(lo, hi time.Duration) time.Duration { return lo },
		CallTimeout: time.Hour,
	})

	m.Start("c")
	<-entered

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight generation call")
	}
}

func TestRandomCooldown(t *testing.T) {
	lo, hi := time.Hour, 4*time.Hour
	for range 200 {
		d := RandomCooldown(lo, hi)
		if d < lo || d > hi || d%time.Second != 0 {
			t.Fatalf("RandomCooldown = %v outside [%v, %v]", d, lo, hi)
		}
	}
	if d := RandomCooldown(hi, hi); d != hi {
		t.Errorf("degenerate range = %v", d)
	}
}

func TestPrompt_ListsAllBands(t *testing.T) {
	p := Prompt(time.Date(2026, 10, 14, 7, 5, 9, 0, time.UTC))
	if !strings.HasPrefix(p, "It is now 2026-10-14 07:05:09,") {
		t.Errorf("prompt start = %q", p[:40])
	}
	for _, band := range []string{"0:00-3:59", "6:00-8:59", "22:00-23:59", "Share daily life"} {
		if !strings.Contains(p, band) {
			t.Errorf("prompt missing band %q", band)
		}
	}
}
