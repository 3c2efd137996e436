package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pantheon-agents/pantheon/pkg/gateway"
)

// FileConfig is the pantheon.yaml structure: provider descriptors plus
// the coordinator's trust and risk tables.
type FileConfig struct {
	Providers []ProviderYAML     `yaml:"providers"`
	Trust     map[string]float64 `yaml:"trust"`
	Risk      map[string]float64 `yaml:"risk"`
}

// ProviderYAML is one provider entry. Credentials are referenced by
// environment variable name, never stored in the file.
type ProviderYAML struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	Model        string        `yaml:"model,omitempty"`
	BaseURL      string        `yaml:"base_url,omitempty"`
	APIKeyEnv    string        `yaml:"api_key_env,omitempty"`
	SystemPrompt string        `yaml:"system_prompt,omitempty"`
	MaxTokens    int           `yaml:"max_tokens,omitempty"`
	CallTimeout  time.Duration `yaml:"call_timeout,omitempty"`
}

// LoadFile reads and parses a pantheon.yaml file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}

	for i, p := range cfg.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: providers[%d]: name is required", ErrInvalidValue, i)
		}
		if p.Type == "" {
			return nil, fmt.Errorf("%w: provider %s: type is required", ErrInvalidValue, p.Name)
		}
	}
	return &cfg, nil
}

// ProviderConfig converts a YAML entry into a gateway configuration,
// resolving the API key from the environment.
func (p ProviderYAML) ProviderConfig() gateway.ProviderConfig {
	cfg := gateway.ProviderConfig{
		Name:         p.Name,
		Type:         p.Type,
		Model:        p.Model,
		BaseURL:      p.BaseURL,
		SystemPrompt: p.SystemPrompt,
		MaxTokens:    p.MaxTokens,
		CallTimeout:  p.CallTimeout,
	}
	if p.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(p.APIKeyEnv)
	}
	return cfg
}

// BuildConnector constructs the connector matching the provider type.
func (p ProviderYAML) BuildConnector() (gateway.Connector, error) {
	cfg := p.ProviderConfig()
	switch p.Type {
	case "echo":
		return gateway.NewEchoConnector(p.Name), nil
	case "openai":
		return gateway.NewOpenAIConnector(cfg), nil
	case "anthropic":
		return gateway.NewAnthropicConnector(cfg), nil
	default:
		return nil, fmt.Errorf("%w: provider %s: unknown type %q", ErrInvalidValue, p.Name, p.Type)
	}
}
