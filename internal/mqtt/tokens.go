package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/events"
)

// DailyTokens accumulates generation token usage for the current local
// day and remembers when the last generation call finished. It is safe
// for concurrent use.
type DailyTokens struct {
	mu          sync.Mutex
	input       int64
	output      int64
	requests    int64
	day         string
	lastRequest time.Time
	loc         *time.Location
	now         func() time.Time
}

// NewDailyTokens creates an accumulator that resets at midnight in loc.
// A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// OnTokens records one completed generation call.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
	d.lastRequest = d.now()
}

// Snapshot returns today's input tokens, output tokens, and call count.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.requests
}

// LastRequest returns when the most recent call was recorded, or the zero
// time if none has been.
func (d *DailyTokens) LastRequest() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRequest
}

// Must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.requests = 0, 0, 0
		d.day = today
	}
}

// Watch feeds generation events from bus into the accumulator until ctx
// is canceled.
func (d *DailyTokens) Watch(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub:
			if e.Source != events.SourceLLM || e.Kind != events.KindLLMResponse {
				continue
			}
			in, _ := e.Data["tokens_in"].(int)
			out, _ := e.Data["tokens_out"].(int)
			d.OnTokens(in, out)
		}
	}
}
