package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/ratelimit"
	"github.com/pantheon-agents/pantheon/pkg/resilience"
	"github.com/pantheon-agents/pantheon/pkg/store"
	"github.com/pantheon-agents/pantheon/pkg/telemetry"
)

const (
	// DefaultAcquireWait bounds the rate-limit acquire per send.
	DefaultAcquireWait = 30 * time.Second
	// DefaultCallTimeout bounds a single outbound provider call.
	DefaultCallTimeout = 60 * time.Second
	// DefaultMaxAttempts is the retry budget for transient errors.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the first retry delay; doubles per attempt.
	DefaultBaseDelay = time.Second
)

// ErrStreamingUnsupported is returned by Stream for connectors that
// only implement Call.
var ErrStreamingUnsupported = errors.New("provider does not support streaming")

// Options tune the shared send pipeline.
type Options struct {
	AcquireWait time.Duration
	CallTimeout time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// Gateway owns the registered connectors and applies the shared
// pipeline to every outbound call: admission, rate limiting, shield
// check, acorn boost, retry with exponential backoff, auto-heal,
// telemetry, and persistence.
type Gateway struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	configs    map[string]ProviderConfig

	store    *store.DualStore
	limiter  *ratelimit.Limiter
	magic    *resilience.Magic
	breakers *resilience.BreakerSet
	recorder *telemetry.Recorder

	acquireWait time.Duration
	callTimeout time.Duration
	maxAttempts int
	baseDelay   time.Duration

	// sleep is swapped out by tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a gateway over the given infrastructure.
func New(st *store.DualStore, limiter *ratelimit.Limiter, magic *resilience.Magic,
	breakers *resilience.BreakerSet, recorder *telemetry.Recorder, opts Options) *Gateway {
	if opts.AcquireWait <= 0 {
		opts.AcquireWait = DefaultAcquireWait
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	return &Gateway{
		connectors:  make(map[string]Connector),
		configs:     make(map[string]ProviderConfig),
		store:       st,
		limiter:     limiter,
		magic:       magic,
		breakers:    breakers,
		recorder:    recorder,
		acquireWait: opts.AcquireWait,
		callTimeout: opts.CallTimeout,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		sleep:       sleepCtx,
	}
}

// Register initializes a connector and adds it to the routing table.
func (g *Gateway) Register(ctx context.Context, conn Connector, cfg ProviderConfig) error {
	if cfg.Name == "" {
		cfg.Name = conn.Name()
	}
	if err := conn.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize provider %s: %w", cfg.Name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.connectors[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cfg.Name)
	}
	g.connectors[cfg.Name] = conn
	g.configs[cfg.Name] = cfg
	slog.Info("Registered provider", "provider", cfg.Name, "model", conn.Model())
	return nil
}

// ProviderDescriptor is one entry in the routing table.
type ProviderDescriptor struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Model string `json:"model"`
}

// List returns descriptors for every registered provider.
func (g *Gateway) List() []ProviderDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ProviderDescriptor, 0, len(g.connectors))
	for name, conn := range g.connectors {
		out = append(out, ProviderDescriptor{
			Name:  name,
			Type:  g.configs[name].Type,
			Model: conn.Model(),
		})
	}
	return out
}

// SendResult carries the persisted conversation record plus the token
// usage the provider reported, for budget debiting by callers.
type SendResult struct {
	Record models.ConversationRecord
	Usage  models.TokenUsage

	// BoostMultiplier is 1.0 when no acorn was consumed.
	BoostMultiplier float64
}

// Send routes content through the full pipeline to the named provider
// and returns the persisted conversation record.
func (g *Gateway) Send(ctx context.Context, content, provider, conversationID string) (SendResult, error) {
	start := time.Now()

	g.mu.RLock()
	conn, ok := g.connectors[provider]
	cfg := g.configs[provider]
	g.mu.RUnlock()
	if !ok {
		return SendResult{}, fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
	}

	// Rate-limit acquire, bounded by the configured wait.
	rlCtx, cancel := context.WithTimeout(ctx, g.acquireWait)
	acquired := g.limiter.Acquire(rlCtx, provider)
	cancel()
	if !acquired {
		if err := ctx.Err(); err != nil {
			return g.cancelled(provider, start, err)
		}
		g.recorder.Record(provider, time.Since(start), false, resilience.ClassRateLimit)
		return SendResult{}, fmt.Errorf("%w: provider %s", ErrRateLimited, provider)
	}

	breaker := g.breakers.Get(resilience.BreakerProvider)
	if err := breaker.Allow(); err != nil {
		g.recorder.Record(provider, time.Since(start), false, resilience.ClassServer)
		return SendResult{}, fmt.Errorf("%w: provider %s: %v", ErrProviderUnavailable, provider, err)
	}

	if g.magic.Shielded() {
		slog.Warn("Shield is raised, proceeding anyway", "provider", provider)
	}

	multiplier, budget, _ := g.magic.AcornBoost(provider, resilience.TokenBudget{MaxTokens: cfg.MaxTokens})

	history, err := g.store.Tail(ctx, conversationID, store.DefaultConversationCap)
	if err != nil {
		slog.Warn("History unavailable, sending without context",
			"conversation_id", conversationID, "error", err)
		history = nil
	}

	req := Request{
		Content:   content,
		History:   history,
		System:    cfg.SystemPrompt,
		MaxTokens: budget.MaxTokens,
	}

	resp, callErr := g.callWithRetry(ctx, conn, cfg, req)
	if callErr != nil && ctx.Err() == nil {
		// The call failed for good: record the breaker failure and
		// attempt a heal. A successful heal grants one extra call
		// beyond the retry budget, but only transient failures are
		// worth re-attempting.
		if g.magic.AutoHeal(resilience.BreakerProvider, callErr) && resilience.Transient(callErr) {
			resp, callErr = g.callOnce(ctx, conn, cfg, req)
		}
	}

	elapsed := time.Since(start)
	if ctx.Err() != nil && callErr != nil {
		return g.cancelled(provider, start, ctx.Err())
	}

	rec := models.NewConversationRecord(conversationID, provider, content)
	rec.ResponseTime = elapsed.Seconds()

	if callErr != nil {
		rec.Error = callErr.Error()
		g.recorder.Record(provider, elapsed, false, resilience.Classify(callErr))
		if appendErr := g.store.Append(ctx, rec); appendErr != nil {
			slog.Error("Failed to persist error record", "error", appendErr)
		}
		return SendResult{}, g.terminalError(provider, callErr)
	}

	breaker.RecordSuccess()
	rec.Response = resp.Content
	g.recorder.Record(provider, elapsed, true, "")
	if appendErr := g.store.Append(ctx, rec); appendErr != nil {
		return SendResult{}, fmt.Errorf("provider call succeeded but persistence failed: %w", appendErr)
	}

	return SendResult{Record: rec, Usage: resp.Usage, BoostMultiplier: multiplier}, nil
}

// Stream routes content to a streaming-capable provider. The pipeline
// applies admission and rate limiting; the aggregated reply is
// persisted and recorded when the stream completes.
func (g *Gateway) Stream(ctx context.Context, content, provider, conversationID string) (<-chan Chunk, error) {
	start := time.Now()

	g.mu.RLock()
	conn, ok := g.connectors[provider]
	cfg := g.configs[provider]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
	}
	streamer, ok := conn.(Streamer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamingUnsupported, provider)
	}

	rlCtx, cancel := context.WithTimeout(ctx, g.acquireWait)
	acquired := g.limiter.Acquire(rlCtx, provider)
	cancel()
	if !acquired {
		return nil, fmt.Errorf("%w: provider %s", ErrRateLimited, provider)
	}

	history, err := g.store.Tail(ctx, conversationID, store.DefaultConversationCap)
	if err != nil {
		history = nil
	}

	upstream, err := streamer.Stream(ctx, Request{
		Content:   content,
		History:   history,
		System:    cfg.SystemPrompt,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		g.recorder.Record(provider, time.Since(start), false, resilience.Classify(err))
		return nil, fmt.Errorf("%w: provider %s: %v", ErrProviderUnavailable, provider, err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		var full string
		for chunk := range upstream {
			if chunk.Err == nil && !chunk.Final {
				full += chunk.Content
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		rec := models.NewConversationRecord(conversationID, provider, content)
		rec.Response = full
		rec.ResponseTime = time.Since(start).Seconds()
		g.recorder.Record(provider, time.Since(start), true, "")
		if err := g.store.Append(context.WithoutCancel(ctx), rec); err != nil {
			slog.Error("Failed to persist streamed record", "error", err)
		}
	}()
	return out, nil
}

// cancelled finalizes a send interrupted by the caller: a telemetry
// record marked cancelled, no store write.
func (g *Gateway) cancelled(provider string, start time.Time, cause error) (SendResult, error) {
	g.recorder.Record(provider, time.Since(start), false, resilience.ClassCancelled)
	return SendResult{}, fmt.Errorf("send cancelled: %w", cause)
}

// terminalError maps a final call failure onto the surfaced sentinel.
func (g *Gateway) terminalError(provider string, err error) error {
	if errors.Is(err, ErrProviderMalformed) {
		return err
	}
	return fmt.Errorf("%w: provider %s: %v", ErrProviderUnavailable, provider, err)
}

// callWithRetry attempts the outbound call up to maxAttempts times,
// backing off 1s, 2s, 4s. Only transient errors are retried.
func (g *Gateway) callWithRetry(ctx context.Context, conn Connector, cfg ProviderConfig, req Request) (Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = g.baseDelay * 8
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		resp, err := g.callOnce(ctx, conn, cfg, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !resilience.Transient(err) {
			return Response{}, err
		}
		if attempt == g.maxAttempts {
			break
		}
		delay := bo.NextBackOff()
		slog.Debug("Retrying provider call",
			"provider", conn.Name(), "attempt", attempt, "delay", delay, "error", err)
		if serr := g.sleep(ctx, delay); serr != nil {
			return Response{}, fmt.Errorf("retry interrupted: %w", serr)
		}
	}
	return Response{}, lastErr
}

func (g *Gateway) callOnce(ctx context.Context, conn Connector, cfg ProviderConfig, req Request) (Response, error) {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = g.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Call(callCtx, req)
}

// ProviderStatus is the per-provider slice of the gateway snapshot.
type ProviderStatus struct {
	Name       string                         `json:"name"`
	Model      string                         `json:"model"`
	RateLimits map[string]ratelimit.TierStats `json:"rate_limits"`
}

// Status is the full gateway snapshot.
type Status struct {
	Providers []ProviderStatus                       `json:"providers"`
	Magic     resilience.MagicSnapshot               `json:"magic"`
	Breakers  map[string]resilience.BreakerSnapshot  `json:"breakers"`
	Telemetry map[string]telemetry.ComponentSnapshot `json:"telemetry"`
}

// Snapshot returns the current gateway status.
func (g *Gateway) Snapshot() Status {
	g.mu.RLock()
	providers := make([]ProviderStatus, 0, len(g.connectors))
	for name, conn := range g.connectors {
		providers = append(providers, ProviderStatus{
			Name:       name,
			Model:      conn.Model(),
			RateLimits: g.limiter.Stats(name),
		})
	}
	g.mu.RUnlock()
	return Status{
		Providers: providers,
		Magic:     g.magic.Snapshot(),
		Breakers:  g.breakers.Snapshot(),
		Telemetry: g.recorder.Snapshot(),
	}
}

// Close cleans up every registered connector.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for name, conn := range g.connectors {
		if err := conn.Cleanup(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleanup of provider %s failed: %w", name, err)
		}
	}
	return firstErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
