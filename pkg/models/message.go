// Package models contains the domain types shared across the Pantheon core:
// bus messages, conversation records, and task summaries.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders message delivery within a participant queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the lowercase name used in logs and JSON payloads.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Broadcast is the recipient marker that addresses every registered
// participant except the sender.
const Broadcast = "*"

// Message is a single unit of bus traffic. Messages are immutable once
// created; mutating a delivered message is a programming error.
type Message struct {
	ID          string         `json:"id"`
	Sender      string         `json:"sender"`
	Recipient   string         `json:"recipient"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    Priority       `json:"priority"`
	Correlation string         `json:"correlation,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpectReply bool           `json:"expect_reply"`
}

// NewMessage creates a normal-priority message with a fresh ID.
func NewMessage(sender, recipient, kind string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Kind:      kind,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// Reply builds the response to a request message. The reply echoes the
// request's correlation token and is addressed back to the original sender.
func (m Message) Reply(kind string, payload map[string]any) Message {
	r := NewMessage(m.Recipient, m.Sender, kind, payload)
	r.Correlation = m.Correlation
	r.Priority = m.Priority
	return r
}

// IsBroadcast reports whether the message is addressed to all participants.
func (m Message) IsBroadcast() bool {
	return m.Recipient == Broadcast
}
