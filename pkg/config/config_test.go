package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is an in-memory stored-configuration layer.
type fakeKV map[string]string

func (f fakeKV) Get(_ context.Context, key string) (string, error) {
	if v, ok := f[key]; ok {
		return v, nil
	}
	return "", os.ErrNotExist
}

func (f fakeKV) Keys(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out, nil
}

func TestDefaultsWhenNoLayerSet(t *testing.T) {
	r := NewResolver(WithEnviron(nil))

	s, err := r.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "echo", s.DefaultProvider)
	assert.Equal(t, 100, s.ConversationCap)
	assert.Equal(t, 3, s.RetryMax)
	assert.Equal(t, time.Second, s.RetryBaseDelay)
	assert.Equal(t, 100.0, s.MagicEnergy)
	assert.Equal(t, 5, s.MagicAcorns)
	assert.Empty(t, s.RateLimits)
}

func TestLayerPrecedence(t *testing.T) {
	kv := fakeKV{KeyDefaultProvider: "stored"}
	env := []string{"PANTHEON_DEFAULT_PROVIDER=fromenv"}
	r := NewResolver(WithStore(kv), WithEnviron(env))
	ctx := context.Background()

	// Env beats stored.
	s, err := r.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", s.DefaultProvider)

	// Runtime override beats env.
	r.Set(KeyDefaultProvider, "runtime")
	s, err = r.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "runtime", s.DefaultProvider)

	// Removing the override falls back to env.
	r.Unset(KeyDefaultProvider)
	s, err = r.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", s.DefaultProvider)
}

func TestStoredLayerUsedWithoutEnv(t *testing.T) {
	kv := fakeKV{
		KeyConversationCap: "50",
		KeyRetryBaseDelay:  "250ms",
	}
	r := NewResolver(WithStore(kv), WithEnviron(nil))

	s, err := r.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, s.ConversationCap)
	assert.Equal(t, 250*time.Millisecond, s.RetryBaseDelay)
}

func TestEnvKeyMapping(t *testing.T) {
	assert.Equal(t, "PANTHEON_DEFAULT_PROVIDER", EnvKey("default_provider"))
	assert.Equal(t, "PANTHEON_RATE_LIMIT_ECHO_MINUTE", EnvKey("rate_limit.echo.minute"))
	assert.Equal(t, "PANTHEON_BREAKER_PROVIDER_TIMEOUT", EnvKey("breaker.provider.timeout"))
}

func TestDynamicRateLimitKeys(t *testing.T) {
	kv := fakeKV{
		"rate_limit.echo.minute": "2",
		"rate_limit.echo.hour":   "100",
	}
	env := []string{"PANTHEON_RATE_LIMIT_CLAUDE_MINUTE=30"}
	r := NewResolver(WithStore(kv), WithEnviron(env))
	r.Set("rate_limit.echo.day", "5000")

	s, err := r.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierCaps{Minute: 2, Hour: 100, Day: 5000}, s.RateLimits["echo"])
	assert.Equal(t, 30, s.RateLimits["claude"].Minute)
}

func TestDynamicBreakerKeys(t *testing.T) {
	r := NewResolver(WithEnviron(nil))
	r.Set("breaker.provider.threshold", "5")
	r.Set("breaker.provider.timeout", "45s")

	s, err := r.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BreakerSettings{Threshold: 5, Timeout: 45 * time.Second}, s.Breakers["provider"])
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		KeyConversationCap:        "many",
		KeyRetryMax:               "-1",
		KeyRetryBaseDelay:         "soon",
		KeyMagicEnergy:            "0",
		"rate_limit.echo.minute":  "lots",
		"breaker.provider.window": "3",
	}
	for key, value := range cases {
		r := NewResolver(WithEnviron(nil))
		r.Set(key, value)
		_, err := r.Settings(context.Background())
		assert.ErrorIs(t, err, ErrInvalidValue, "key %s", key)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pantheon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: echo
    type: echo
  - name: claude
    type: anthropic
    model: claude-sonnet-4-5
    api_key_env: TEST_ANTHROPIC_KEY
    max_tokens: 2048
trust:
  researcher: 0.8
risk:
  PAYMENTS: 0.9
`), 0o644))
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 0.8, cfg.Trust["researcher"])
	assert.Equal(t, 0.9, cfg.Risk["PAYMENTS"])

	pc := cfg.Providers[1].ProviderConfig()
	assert.Equal(t, "sk-test", pc.APIKey)
	assert.Equal(t, 2048, pc.MaxTokens)

	conn, err := cfg.Providers[0].BuildConnector()
	require.NoError(t, err)
	assert.Equal(t, "echo", conn.Name())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: [\n"), 0o644))

	_, err := LoadFile(path)
	assert.ErrorIs(t, err, ErrInvalidYAML)

	path2 := filepath.Join(t.TempDir(), "unnamed.yaml")
	require.NoError(t, os.WriteFile(path2, []byte("providers:\n  - type: echo\n"), 0o644))
	_, err = LoadFile(path2)
	assert.ErrorIs(t, err, ErrInvalidValue)
}
