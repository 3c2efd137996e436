package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/resilience"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicConnector calls the Anthropic Messages API through the
// official SDK.
type AnthropicConnector struct {
	cfg    ProviderConfig
	client anthropic.Client
}

// NewAnthropicConnector builds a connector for the Anthropic API.
func NewAnthropicConnector(cfg ProviderConfig) *AnthropicConnector {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicConnector{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}
}

func (a *AnthropicConnector) Name() string { return a.cfg.Name }

func (a *AnthropicConnector) Model() string { return a.cfg.Model }

func (a *AnthropicConnector) Init(context.Context) error {
	if a.cfg.APIKey == "" {
		return fmt.Errorf("provider %s: API key is required", a.cfg.Name)
	}
	return nil
}

func (a *AnthropicConnector) Cleanup() error { return nil }

func (a *AnthropicConnector) Call(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyAnthropicError(a.cfg.Name, err)
	}

	var content string
	for _, block := range message.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return Response{}, fmt.Errorf("%w: provider %s: no text content", ErrProviderMalformed, a.cfg.Name)
	}

	input := int(message.Usage.InputTokens)
	output := int(message.Usage.OutputTokens)
	return Response{
		Content: content,
		Usage: models.TokenUsage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}, nil
}

func buildAnthropicMessages(req Request) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(req.History)*2+1)
	for _, rec := range req.History {
		if rec.Content != "" {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(rec.Content)))
		}
		if rec.Response != "" {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(rec.Response)))
		}
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Content)))
}

func classifyAnthropicError(provider string, err error) error {
	wrapped := fmt.Errorf("provider %s: %w", provider, err)
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return resilience.Classified(resilience.ClassConnection, wrapped)
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return resilience.Classified(resilience.ClassRateLimit, wrapped)
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return resilience.Classified(resilience.ClassAuth, wrapped)
	case apiErr.StatusCode >= 500:
		return resilience.Classified(resilience.ClassServer, wrapped)
	default:
		return resilience.Classified(resilience.ClassValidation, wrapped)
	}
}
