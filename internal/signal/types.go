// Package signal connects the companion engine to Signal through
// signal-cli running in JSON-RPC mode.
package signal

// Envelope is the top-level structure pushed by signal-cli for each
// received event. At most one of the message-type fields is non-nil.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// DataMessage is a normal text or media message.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
}

// GroupInfo identifies the group a message was sent to. Group messages
// are ignored; sessions are per direct chat.
type GroupInfo struct {
	GroupID string `json:"groupId"`
}

// TypingMessage indicates that a contact started or stopped typing.
type TypingMessage struct {
	Action string `json:"action"` // "STARTED" or "STOPPED"
}

// ReceiptMessage is a delivery, read, or viewed receipt.
type ReceiptMessage struct {
	Type       string  `json:"type"` // "DELIVERY", "READ", "VIEWED"
	Timestamps []int64 `json:"timestamps"`
}

// receiveNotification is the params payload of a "receive" notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
	Account  string   `json:"account"`
}

// sendResult is the result of a "send" or "remoteDelete" request.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}

// messageTimestamp prefers the data message timestamp and falls back to
// the envelope's.
func (e *Envelope) messageTimestamp() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}
