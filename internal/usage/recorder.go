package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/llm"
)

// recordTimeout bounds the ledger write that follows each call.
const recordTimeout = 5 * time.Second

// Recorder wraps a generator, writing one ledger record and publishing
// one event per call. Ledger failures are logged and never surface to
// the caller.
type Recorder struct {
	next   llm.Generator
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder wraps next. A nil store skips the ledger but still
// publishes events.
func NewRecorder(next llm.Generator, store *Store, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		next:   next,
		store:  store,
		bus:    bus,
		logger: logger.With("component", "usage"),
		now:    time.Now,
	}
}

// Generate implements [llm.Generator].
func (r *Recorder) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := r.now()
	resp, err := r.next.Generate(ctx, req)
	elapsed := r.now().Sub(start)

	rec := Record{
		Timestamp:      start,
		ConversationID: req.ConversationID,
		Purpose:        req.Purpose,
		Model:          req.Model,
		Duration:       elapsed,
		OK:             err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		if resp.Model != "" {
			rec.Model = resp.Model
		}
	}

	r.bus.Emit(events.SourceLLM, events.KindLLMResponse, map[string]any{
		"conversation_id": rec.ConversationID,
		"purpose":         rec.Purpose,
		"model":           rec.Model,
		"tokens_in":       rec.InputTokens,
		"tokens_out":      rec.OutputTokens,
		"ok":              rec.OK,
		"elapsed_ms":      elapsed.Milliseconds(),
	})

	if r.store != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if werr := r.store.Record(wctx, rec); werr != nil {
			r.logger.Warn("usage record failed",
				"conversation_id", rec.ConversationID,
				"purpose", rec.Purpose,
				"error", werr,
			)
		}
		cancel()
	}

	return resp, err
}
