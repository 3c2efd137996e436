package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenUsage is the provider-reported token accounting for one exchange.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ConversationRecord is one provider exchange in an append-only
// conversation. Failed attempts are recorded too, with Error set and
// Response empty.
type ConversationRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	Response       string    `json:"response,omitempty"`
	Provider       string    `json:"provider"`
	ResponseTime   float64   `json:"response_time"`
	Error          string    `json:"error,omitempty"`
}

// NewConversationRecord starts a record for an outbound user message.
// Response, ResponseTime, and Error are filled in once the exchange
// completes.
func NewConversationRecord(conversationID, provider, content string) ConversationRecord {
	return ConversationRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Sender:         "user",
		Content:        content,
		Provider:       provider,
	}
}
