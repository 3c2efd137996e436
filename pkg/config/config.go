// Package config resolves layered configuration: runtime overrides
// take precedence over PANTHEON_* environment variables, which take
// precedence over the store's key/value table, which falls back to
// hard-coded defaults.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Recognized scalar keys.
const (
	KeyDefaultProvider   = "default_provider"
	KeyStorePrimaryURL   = "store_primary_url"
	KeyStoreFallbackPath = "store_fallback_path"
	KeyRetryMax          = "retry.max"
	KeyRetryBaseDelay    = "retry.base_delay"
	KeyConversationCap   = "conversation.cap"
	KeyMagicEnergy       = "magic.energy.initial"
	KeyMagicAcorns       = "magic.acorns"
	KeyLogLevel          = "log_level"
	KeyListenAddr        = "listen_addr"
)

// EnvPrefix namespaces the environment variable layer.
const EnvPrefix = "PANTHEON_"

// TierCaps are per-tier rate-limit capacities for one provider.
type TierCaps struct {
	Minute int
	Hour   int
	Day    int
}

// BreakerSettings are per-component circuit breaker parameters.
type BreakerSettings struct {
	Threshold int
	Timeout   time.Duration
}

// Settings is a fully resolved configuration snapshot.
type Settings struct {
	DefaultProvider   string
	StorePrimaryURL   string
	StoreFallbackPath string
	ConversationCap   int
	RetryMax          int
	RetryBaseDelay    time.Duration
	MagicEnergy       float64
	MagicAcorns       int
	LogLevel          string
	ListenAddr        string

	// RateLimits is keyed by provider name; Breakers by component.
	RateLimits map[string]TierCaps
	Breakers   map[string]BreakerSettings
}

func defaultSettings() Settings {
	return Settings{
		DefaultProvider:   "echo",
		StoreFallbackPath: "pantheon.db",
		ConversationCap:   100,
		RetryMax:          3,
		RetryBaseDelay:    time.Second,
		MagicEnergy:       100,
		MagicAcorns:       5,
		LogLevel:          "info",
		ListenAddr:        ":8080",
		RateLimits:        make(map[string]TierCaps),
		Breakers:          make(map[string]BreakerSettings),
	}
}

// KVSource is the stored-configuration layer; *store.DualStore
// satisfies it.
type KVSource interface {
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context) (map[string]string, error)
}

// Resolver layers the configuration sources. The zero layers are all
// optional: a Resolver with no store and no environment still yields
// defaults.
type Resolver struct {
	mu        sync.RWMutex
	overrides map[string]string

	stored  KVSource
	environ func() []string
	getenv  func(string) string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStore attaches the stored key/value layer.
func WithStore(kv KVSource) Option {
	return func(r *Resolver) { r.stored = kv }
}

// WithEnviron replaces the process environment; used by tests.
func WithEnviron(environ []string) Option {
	return func(r *Resolver) {
		r.environ = func() []string { return environ }
		r.getenv = func(key string) string {
			prefix := key + "="
			for _, kv := range environ {
				if v, ok := strings.CutPrefix(kv, prefix); ok {
					return v
				}
			}
			return ""
		}
	}
}

// NewResolver builds a resolver over the process environment.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		overrides: make(map[string]string),
		environ:   os.Environ,
		getenv:    os.Getenv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Set installs a runtime override, the highest-precedence layer.
func (r *Resolver) Set(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = value
}

// Unset removes a runtime override.
func (r *Resolver) Unset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, key)
}

// EnvKey maps a dotted configuration key onto its environment variable
// name: rate_limit.echo.minute becomes PANTHEON_RATE_LIMIT_ECHO_MINUTE.
func EnvKey(key string) string {
	mapped := strings.NewReplacer(".", "_", "-", "_").Replace(key)
	return EnvPrefix + strings.ToUpper(mapped)
}

// Lookup resolves one key through the layers. The boolean reports
// whether any layer held a value.
func (r *Resolver) Lookup(ctx context.Context, key string) (string, bool) {
	r.mu.RLock()
	if v, ok := r.overrides[key]; ok {
		r.mu.RUnlock()
		return v, true
	}
	r.mu.RUnlock()

	if v := r.getenv(EnvKey(key)); v != "" {
		return v, true
	}

	if r.stored != nil {
		if v, err := r.stored.Get(ctx, key); err == nil {
			return v, true
		}
	}
	return "", false
}

// Settings resolves every recognized key into a typed snapshot.
func (r *Resolver) Settings(ctx context.Context) (Settings, error) {
	s := defaultSettings()

	var err error
	if s.DefaultProvider, err = r.str(ctx, KeyDefaultProvider, s.DefaultProvider); err != nil {
		return s, err
	}
	if s.StorePrimaryURL, err = r.str(ctx, KeyStorePrimaryURL, s.StorePrimaryURL); err != nil {
		return s, err
	}
	if s.StoreFallbackPath, err = r.str(ctx, KeyStoreFallbackPath, s.StoreFallbackPath); err != nil {
		return s, err
	}
	if s.LogLevel, err = r.str(ctx, KeyLogLevel, s.LogLevel); err != nil {
		return s, err
	}
	if s.ListenAddr, err = r.str(ctx, KeyListenAddr, s.ListenAddr); err != nil {
		return s, err
	}
	if s.ConversationCap, err = r.posInt(ctx, KeyConversationCap, s.ConversationCap); err != nil {
		return s, err
	}
	if s.RetryMax, err = r.posInt(ctx, KeyRetryMax, s.RetryMax); err != nil {
		return s, err
	}
	if s.RetryBaseDelay, err = r.duration(ctx, KeyRetryBaseDelay, s.RetryBaseDelay); err != nil {
		return s, err
	}
	if s.MagicEnergy, err = r.posFloat(ctx, KeyMagicEnergy, s.MagicEnergy); err != nil {
		return s, err
	}
	if s.MagicAcorns, err = r.posInt(ctx, KeyMagicAcorns, s.MagicAcorns); err != nil {
		return s, err
	}

	if err := r.collectDynamic(ctx, &s); err != nil {
		return s, err
	}
	return s, nil
}

func (r *Resolver) str(ctx context.Context, key, fallback string) (string, error) {
	if v, ok := r.Lookup(ctx, key); ok {
		return v, nil
	}
	return fallback, nil
}

func (r *Resolver) posInt(ctx context.Context, key string, fallback int) (int, error) {
	v, ok := r.Lookup(ctx, key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q (want positive integer)", ErrInvalidValue, key, v)
	}
	return n, nil
}

func (r *Resolver) posFloat(ctx context.Context, key string, fallback float64) (float64, error) {
	v, ok := r.Lookup(ctx, key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%w: %s=%q (want positive number)", ErrInvalidValue, key, v)
	}
	return f, nil
}

func (r *Resolver) duration(ctx context.Context, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := r.Lookup(ctx, key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s=%q (want positive duration)", ErrInvalidValue, key, v)
	}
	return d, nil
}

// collectDynamic gathers rate_limit.{provider}.{tier} and
// breaker.{component}.{threshold|timeout} keys from every layer.
// Environment variables can address these too, but provider and
// component names containing underscores are only reachable through
// the override and stored layers.
func (r *Resolver) collectDynamic(ctx context.Context, s *Settings) error {
	keys := make(map[string]string)

	if r.stored != nil {
		if stored, err := r.stored.Keys(ctx); err == nil {
			for k, v := range stored {
				keys[k] = v
			}
		}
	}
	for _, kv := range r.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		dotted := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		switch {
		case strings.HasPrefix(dotted, "rate_limit_"):
			if k, ok := undottedDynamicKey("rate_limit", dotted); ok {
				keys[k] = value
			}
		case strings.HasPrefix(dotted, "breaker_"):
			if k, ok := undottedDynamicKey("breaker", dotted); ok {
				keys[k] = value
			}
		}
	}
	r.mu.RLock()
	for k, v := range r.overrides {
		keys[k] = v
	}
	r.mu.RUnlock()

	for key, value := range keys {
		parts := strings.Split(key, ".")
		switch {
		case parts[0] == "rate_limit" && len(parts) == 3:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: %s=%q (want positive integer)", ErrInvalidValue, key, value)
			}
			caps := s.RateLimits[parts[1]]
			switch parts[2] {
			case "minute":
				caps.Minute = n
			case "hour":
				caps.Hour = n
			case "day":
				caps.Day = n
			default:
				return fmt.Errorf("%w: %s (unknown tier %q)", ErrInvalidValue, key, parts[2])
			}
			s.RateLimits[parts[1]] = caps

		case parts[0] == "breaker" && len(parts) == 3:
			settings := s.Breakers[parts[1]]
			switch parts[2] {
			case "threshold":
				n, err := strconv.Atoi(value)
				if err != nil || n <= 0 {
					return fmt.Errorf("%w: %s=%q (want positive integer)", ErrInvalidValue, key, value)
				}
				settings.Threshold = n
			case "timeout":
				d, err := time.ParseDuration(value)
				if err != nil || d <= 0 {
					return fmt.Errorf("%w: %s=%q (want positive duration)", ErrInvalidValue, key, value)
				}
				settings.Timeout = d
			default:
				return fmt.Errorf("%w: %s (unknown parameter %q)", ErrInvalidValue, key, parts[2])
			}
			s.Breakers[parts[1]] = settings
		}
	}
	return nil
}

// undottedDynamicKey rebuilds rate_limit.{name}.{tier} style keys from
// their underscore-flattened environment form.
func undottedDynamicKey(prefix, flattened string) (string, bool) {
	rest := strings.TrimPrefix(flattened, prefix+"_")
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", false
	}
	return prefix + "." + rest[:idx] + "." + rest[idx+1:], true
}
