// Package gateway routes outbound AI provider calls through a shared
// pipeline: rate limiting, vitality boost, retry with exponential
// backoff, auto-heal, telemetry, and conversation persistence.
package gateway

import (
	"context"
	"time"

	"github.com/pantheon-agents/pantheon/pkg/models"
)

// ProviderConfig describes one registered provider.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"` // echo, openai, anthropic
	Model        string        `yaml:"model"`
	BaseURL      string        `yaml:"base_url,omitempty"`
	APIKey       string        `yaml:"api_key,omitempty"`
	SystemPrompt string        `yaml:"system_prompt,omitempty"`
	MaxTokens    int           `yaml:"max_tokens,omitempty"`
	CallTimeout  time.Duration `yaml:"call_timeout,omitempty"`
}

// Request is the conversation-shaped payload handed to a connector:
// the current content, recent history in chronological order, and an
// optional system preamble.
type Request struct {
	Content   string
	History   []models.ConversationRecord
	System    string
	MaxTokens int
}

// Response is a connector's textual reply plus token usage when the
// provider reports it.
type Response struct {
	Content string
	Usage   models.TokenUsage
}

// Chunk is one piece of a streamed reply.
type Chunk struct {
	Content string
	Final   bool
	Err     error
}

// Connector is the outbound side of one provider. Implementations must
// be safe for concurrent Call invocations after Init.
type Connector interface {
	Name() string
	Model() string
	Init(ctx context.Context) error
	Call(ctx context.Context, req Request) (Response, error)
	Cleanup() error
}

// Streamer is implemented by connectors that support streamed replies.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
