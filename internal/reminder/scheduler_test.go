package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/personality"
	"github.com/nugget/hearth/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
	seq  int
}

func (f *fakeSender) Send(_ context.Context, conv, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	f.sent = append(f.sent, conv+"|"+text)
	return fmt.Sprint(f.seq), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store  *session.Store
	sender *fakeSender
	calls  []*llm.Request
	genErr error
	mu     sync.Mutex
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: session.NewStore(), sender: &fakeSender{}}
	reg := personality.NewRegistry([]config.PersonalityConfig{
		{Name: "DefaultPersonality", Prompt: "You are warm.", Model: "m", Temperature: 0.5, Endpoint: "http://x"},
	}, "DefaultPersonality")
	gen := llm.GeneratorFunc(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, req)
		if f.genErr != nil {
			return nil, f.genErr
		}
		return &llm.Response{Content: "Bot：Time to stretch!"}, nil
	})
	f.sched = New(Config{
		Store:     f.store,
		Registry:  reg,
		Generator: gen,
		Sender:    f.sender,
	})
	return f
}

func (f *fixture) sweepAt(now time.Time) {
	f.sched.now = func() time.Time { return now }
	f.sched.Sweep(context.Background())
}

func TestDue(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("zone database unavailable: %v", err)
	}
	nine := session.TimeOfDay{Hour: 9}
	lastMinute := session.TimeOfDay{Hour: 23, Minute: 59}

	tests := []struct {
		name string
		at   session.TimeOfDay
		now  time.Time
		loc  *time.Location
		want bool
	}{
		{"window start", nine, time.Date(2026, 10, 14, 1, 0, 0, 0, time.UTC), shanghai, true},
		{"inside window", nine, time.Date(2026, 10, 14, 1, 0, 59, 0, time.UTC), shanghai, true},
		{"window end excluded", nine, time.Date(2026, 10, 14, 1, 1, 0, 0, time.UTC), shanghai, false},
		{"before window", nine, time.Date(2026, 10, 14, 0, 59, 59, 0, time.UTC), shanghai, false},
		{"utc reading of same instant", nine, time.Date(2026, 10, 14, 1, 0, 30, 0, time.UTC), time.UTC, false},
		{"nil location means utc", nine, time.Date(2026, 10, 14, 9, 0, 30, 0, time.UTC), nil, true},
		{"last minute of day", lastMinute, time.Date(2026, 10, 14, 23, 59, 45, 0, time.UTC), time.UTC, true},
		{"midnight after last minute", lastMinute, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), time.UTC, false},
		{"midnight reminder", session.TimeOfDay{}, time.Date(2026, 10, 15, 0, 0, 10, 0, time.UTC), time.UTC, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Due(tt.at, tt.now, tt.loc); got != tt.want {
				t.Errorf("Due(%s, %s) = %v, want %v", tt.at, tt.now, got, tt.want)
			}
		})
	}
}

func TestSweep_DailyFiresOncePerDay(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SetTimezone("c", "Asia/Shanghai"); err != nil {
		t.Skipf("zone database unavailable: %v", err)
	}
	f.store.AddDailyReminder("c", session.TimeOfDay{Hour: 9}, "stretch")

	day1 := time.Date(2026, 10, 14, 1, 0, 5, 0, time.UTC)
	f.sweepAt(day1)
	f.sweepAt(day1.Add(30 * time.Second))
	f.sweepAt(day1.Add(2 * time.Hour))

	if n := f.sender.count(); n != 1 {
		t.Fatalf("sends on day 1 = %d, want 1", n)
	}

	f.sweepAt(day1.Add(24 * time.Hour))
	if n := f.sender.count(); n != 2 {
		t.Fatalf("sends after day 2 = %d, want 2", n)
	}

	_, daily := f.store.Reminders("c")
	if len(daily) != 1 {
		t.Fatalf("daily reminders = %d, want 1 (never removed)", len(daily))
	}
	if daily[0].LastFired != "2026-10-15" {
		t.Errorf("LastFired = %q", daily[0].LastFired)
	}
}

func TestSweep_OneShotFiresOnce(t *testing.T) {
	f := newFixture(t)
	f.store.AddReminder("c", session.TimeOfDay{Hour: 14, Minute: 30}, "call mom")
	f.store.AddReminder("c", session.TimeOfDay{Hour: 18}, "dinner")

	now := time.Date(2026, 10, 14, 14, 30, 10, 0, time.UTC)
	f.sweepAt(now)
	f.sweepAt(now.Add(20 * time.Second))

	if n := f.sender.count(); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}
	if got := f.sender.sent[0]; got != "c|Time to stretch!" {
		t.Errorf("sent %q", got)
	}

	oneShot, _ := f.store.Reminders("c")
	if len(oneShot) != 1 || oneShot[0].Text != "dinner" {
		t.Errorf("remaining = %+v", oneShot)
	}
	list := FormatList(oneShot, nil)
	if strings.Contains(strings.Join(list, "\n"), "call mom") {
		t.Errorf("fired reminder still listed: %q", list)
	}

	h := f.store.History("c")
	if len(h) != 2 || h[0].String() != "Reminder: call mom" || h[1].String() != "Bot: Time to stretch!" {
		t.Errorf("history = %+v", h)
	}
	if id, ok := f.store.PopLastSentMessage("c"); !ok || id != "1" {
		t.Errorf("sent ledger = %q, %v", id, ok)
	}
	if _, ok := f.store.LastActivity("c"); !ok {
		t.Error("activity not touched")
	}
}

func TestSweep_FailureStillRemoves(t *testing.T) {
	f := newFixture(t)
	f.genErr = errors.New("backend down")
	f.store.AddReminder("c", session.TimeOfDay{Hour: 7}, "pills")

	f.sweepAt(time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC))

	if n := f.sender.count(); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
	if oneShot, _ := f.store.Reminders("c"); len(oneShot) != 0 {
		t.Errorf("failed reminder kept: %+v", oneShot)
	}
	if h := f.store.History("c"); len(h) != 0 {
		t.Errorf("history after failure = %+v", h)
	}
}

func TestSweep_RequestShape(t *testing.T) {
	f := newFixture(t)
	f.store.AddReminder("c", session.TimeOfDay{Hour: 7}, "pills")
	f.sweepAt(time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC))

	if len(f.calls) != 1 {
		t.Fatalf("calls = %d", len(f.calls))
	}
	req := f.calls[0]
	if req.System != "You are warm." || req.Purpose != llm.PurposeReminder {
		t.Errorf("request = %+v", req)
	}
	want := "Please remind me to do the following: pills Follow this prompt: You are warm. Send me a reply."
	if len(req.Messages) != 1 || req.Messages[0].Content != want {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestFormatList(t *testing.T) {
	if got := FormatList(nil, nil); len(got) != 1 || got[0] != "No reminders set." {
		t.Errorf("empty = %q", got)
	}
	got := FormatList(
		[]session.Reminder{{At: session.TimeOfDay{Hour: 8, Minute: 5}, Text: "walk"}},
		[]session.Reminder{{At: session.TimeOfDay{Hour: 22}, Text: "sleep"}, {At: session.TimeOfDay{Hour: 6}, Text: "wake"}},
	)
	want := []string{
		"Reminder list:\n1. 08:05 - walk",
		"Daily reminder list:\n1. 22:00 - sleep\n2. 06:00 - wake",
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("FormatList = %q, want %q", got, want)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	f.sched.interval = 10 * time.Millisecond
	f.sched.now = func() time.Time { return now }
	f.store.AddReminder("c", session.TimeOfDay{Hour: 12}, "lunch")

	f.sched.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for f.sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.sched.Stop()
	f.sched.Stop()

	if n := f.sender.count(); n != 1 {
		t.Errorf("sends = %d, want 1", n)
	}
	if f.sched.Pending() != 0 {
		t.Errorf("pending = %d", f.sched.Pending())
	}
}
