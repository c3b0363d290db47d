package llm

import (
	"time"

	"github.com/nugget/hearth/internal/config"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = config.LevelTrace

// Message roles sent to the backend.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Purposes tag a request for logging and usage accounting.
const (
	PurposeReply    = "reply"
	PurposeProbe    = "probe"
	PurposeReminder = "reminder"
	PurposeGreeting = "greeting"
)

// Message is one entry in the ordered message list of a request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation call. System, when non-empty, is sent
// as a leading system-role message ahead of Messages.
type Request struct {
	Endpoint    string
	Model       string
	Temperature float64
	System      string
	Messages    []Message

	// ConversationID and Purpose are not sent to the backend.
	ConversationID string
	Purpose        string
}

// WireMessages returns the full ordered list as sent, including the
// system message when set.
func (r *Request) WireMessages() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	if r.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.System})
	}
	return append(out, r.Messages...)
}

// Response is the backend's reply.
type Response struct {
	Model   string
	Content string

	InputTokens  int
	OutputTokens int

	Duration time.Duration
}
