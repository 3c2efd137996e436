package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/resilience"
)

// OpenAIConnector talks to any OpenAI-compatible chat completions
// endpoint over HTTP JSON.
type OpenAIConnector struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewOpenAIConnector builds a connector for an OpenAI-compatible API.
func NewOpenAIConnector(cfg ProviderConfig) *OpenAIConnector {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIConnector{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (o *OpenAIConnector) Name() string { return o.cfg.Name }

func (o *OpenAIConnector) Model() string { return o.cfg.Model }

func (o *OpenAIConnector) Init(context.Context) error {
	if o.cfg.BaseURL == "" {
		return fmt.Errorf("provider %s: base URL is required", o.cfg.Name)
	}
	return nil
}

func (o *OpenAIConnector) Cleanup() error {
	o.client.CloseIdleConnections()
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAIConnector) Call(ctx context.Context, req Request) (Response, error) {
	payload := chatRequest{
		Model:     o.cfg.Model,
		MaxTokens: req.MaxTokens,
		Messages:  buildChatMessages(req),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimSuffix(o.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, resilience.Classified(resilience.ClassConnection,
			fmt.Errorf("provider %s: %w", o.cfg.Name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Response{}, resilience.Classified(resilience.ClassConnection,
			fmt.Errorf("provider %s: read body: %w", o.cfg.Name, err))
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyHTTPStatus(o.cfg.Name, resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("%w: provider %s: %v", ErrProviderMalformed, o.cfg.Name, err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: provider %s: empty choices", ErrProviderMalformed, o.cfg.Name)
	}

	return Response{
		Content: parsed.Choices[0].Message.Content,
		Usage: models.TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}, nil
}

// buildChatMessages flattens the system preamble, history, and current
// content into the chat-completions message list.
func buildChatMessages(req Request) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)*2+2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, rec := range req.History {
		if rec.Content != "" {
			msgs = append(msgs, chatMessage{Role: "user", Content: rec.Content})
		}
		if rec.Response != "" {
			msgs = append(msgs, chatMessage{Role: "assistant", Content: rec.Response})
		}
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Content})
	return msgs
}

func classifyHTTPStatus(provider string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	err := fmt.Errorf("provider %s: HTTP %d: %s", provider, status, detail)
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.Classified(resilience.ClassRateLimit, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.Classified(resilience.ClassAuth, err)
	case status >= 500:
		return resilience.Classified(resilience.ClassServer, err)
	case status == http.StatusRequestTimeout:
		return resilience.Classified(resilience.ClassTimeout, err)
	default:
		return resilience.Classified(resilience.ClassValidation, err)
	}
}
