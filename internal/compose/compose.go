// Package compose decides the exact message sequence sent to the backend
// for a user turn, including the memory relevance probe, and cleans up
// generated replies.
package compose

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/personality"
	"github.com/nugget/hearth/internal/session"
)

// Instruction texts sent alongside memories.
const (
	ProbeInstruction  = "Please determine the relevance between the user's message and the memories. If relevant, reply '1', if not, reply '2'."
	MemoryInstruction = "Each memory is separate, do not confuse them. Use only one relevant memory per response."
)

// Input is what the composer needs from a session. History already
// includes the user turn being answered.
type Input struct {
	ConversationID string
	Profile        personality.Profile
	History        []session.Turn
	Memories       []string
}

// Composer builds generation requests. The zero value is not usable;
// call New.
type Composer struct {
	gen    llm.Generator
	logger *slog.Logger
}

// New creates a composer that issues relevance probes through gen.
func New(gen llm.Generator, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{gen: gen, logger: logger.With("component", "compose")}
}

// Compose returns the final request for in. When memories exist it first
// probes the backend for relevance; a failed probe counts as not
// relevant and never fails composition.
func (c *Composer) Compose(ctx context.Context, in Input) *llm.Request {
	msgs := HistoryMessages(in.History)

	if len(in.Memories) > 0 && c.probe(ctx, in) {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: MemoryInstruction})
		msgs = append(msgs, memoryMessages(in.Memories)...)
	}

	return &llm.Request{
		Endpoint:       in.Profile.Endpoint,
		Model:          in.Profile.Model,
		Temperature:    in.Profile.Temperature,
		System:         in.Profile.Prompt,
		Messages:       msgs,
		ConversationID: in.ConversationID,
		Purpose:        llm.PurposeReply,
	}
}

// ProbeRequest builds the relevance probe for in. It carries no system
// prompt.
func ProbeRequest(in Input) *llm.Request {
	msgs := HistoryMessages(in.History)
	msgs = append(msgs, memoryMessages(in.Memories)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: ProbeInstruction})

	return &llm.Request{
		Endpoint:       in.Profile.Endpoint,
		Model:          in.Profile.Model,
		Temperature:    in.Profile.Temperature,
		Messages:       msgs,
		ConversationID: in.ConversationID,
		Purpose:        llm.PurposeProbe,
	}
}

func (c *Composer) probe(ctx context.Context, in Input) bool {
	resp, err := c.gen.Generate(ctx, ProbeRequest(in))
	if err != nil {
		c.logger.Warn("relevance probe failed, omitting memories",
			"conversation_id", in.ConversationID,
			"error", err,
		)
		return false
	}
	relevant := IsRelevant(resp.Content)
	c.logger.Debug("relevance probe",
		"conversation_id", in.ConversationID,
		"memories", len(in.Memories),
		"answer", resp.Content,
		"relevant", relevant,
	)
	return relevant
}

// IsRelevant interprets a probe answer. Any "1" in the trimmed text
// counts as relevant.
func IsRelevant(answer string) bool {
	return strings.Contains(strings.TrimSpace(answer), "1")
}

// HistoryMessages renders turns as user-role messages of the form
// "Role: text".
func HistoryMessages(history []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.String()})
	}
	return msgs
}

func memoryMessages(memories []string) []llm.Message {
	msgs := make([]llm.Message, 0, len(memories))
	for _, m := range memories {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Memory: " + m})
	}
	return msgs
}

// fullWidthColon is the speaker-label separator some models emit.
const fullWidthColon = "："

// CleanReply keeps only the text after the last full-width colon, if
// any, and trims surrounding space.
func CleanReply(reply string) string {
	if i := strings.LastIndex(reply, fullWidthColon); i >= 0 {
		reply = reply[i+len(fullWidthColon):]
	}
	return strings.TrimSpace(reply)
}
