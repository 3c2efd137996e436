package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/ratelimit"
	"github.com/pantheon-agents/pantheon/pkg/resilience"
	"github.com/pantheon-agents/pantheon/pkg/store"
	"github.com/pantheon-agents/pantheon/pkg/telemetry"
)

type testEnv struct {
	gateway  *Gateway
	store    *store.DualStore
	limiter  *ratelimit.Limiter
	magic    *resilience.Magic
	breakers *resilience.BreakerSet
	recorder *telemetry.Recorder
	delays   []time.Duration
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		FallbackPath: filepath.Join(t.TempDir(), "gateway.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:    st,
		limiter:  ratelimit.New(),
		breakers: resilience.NewBreakerSet(resilience.DefaultBreakerParams()),
		recorder: telemetry.New(),
	}
	env.magic = resilience.NewMagic(resilience.MagicConfig{}, env.breakers)
	env.gateway = New(st, env.limiter, env.magic, env.breakers, env.recorder, opts)
	env.gateway.sleep = func(_ context.Context, d time.Duration) error {
		env.delays = append(env.delays, d)
		return nil
	}
	return env
}

func registerEcho(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.gateway.Register(context.Background(),
		NewEchoConnector("echo"), ProviderConfig{Name: "echo", Type: "echo"}))
}

// flakyConnector fails its first n calls with a server error, then
// succeeds.
type flakyConnector struct {
	name     string
	failures int
	calls    int
	reply    string
}

func (f *flakyConnector) Name() string { return f.name }

func (f *flakyConnector) Model() string { return "flaky" }

func (f *flakyConnector) Init(context.Context) error { return nil }

func (f *flakyConnector) Cleanup() error { return nil }

func (f *flakyConnector) Call(context.Context, Request) (Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return Response{}, resilience.Classified(resilience.ClassServer,
			fmt.Errorf("HTTP 503: service unavailable"))
	}
	return Response{Content: f.reply}, nil
}

func TestSendHappyPath(t *testing.T) {
	env := newTestEnv(t, Options{})
	registerEcho(t, env)
	ctx := context.Background()

	result, err := env.gateway.Send(ctx, "abc", "echo", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "cba", result.Record.Response)
	assert.Equal(t, "abc", result.Record.Content)
	assert.Zero(t, result.Usage.TotalTokens)

	recs, err := env.store.Tail(ctx, "conv1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "cba", recs[0].Response)

	snap := env.recorder.Snapshot()["echo"]
	assert.Equal(t, int64(1), snap.Success)
	assert.Equal(t, int64(0), snap.Failure)
}

func TestSendUnknownProvider(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.gateway.Send(context.Background(), "hi", "nope", "conv1")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestDuplicateRegistration(t *testing.T) {
	env := newTestEnv(t, Options{})
	registerEcho(t, env)

	err := env.gateway.Register(context.Background(),
		NewEchoConnector("echo"), ProviderConfig{Name: "echo"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestSendRateLimited(t *testing.T) {
	env := newTestEnv(t, Options{AcquireWait: 50 * time.Millisecond})
	registerEcho(t, env)
	env.limiter.Configure("echo", 2, 1000, 10000)
	ctx := context.Background()

	_, err := env.gateway.Send(ctx, "one", "echo", "conv1")
	require.NoError(t, err)
	_, err = env.gateway.Send(ctx, "two", "echo", "conv1")
	require.NoError(t, err)

	_, err = env.gateway.Send(ctx, "three", "echo", "conv1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRetryThenSuccess(t *testing.T) {
	env := newTestEnv(t, Options{})
	flaky := &flakyConnector{name: "wobbly", failures: 2, reply: "recovered"}
	require.NoError(t, env.gateway.Register(context.Background(), flaky,
		ProviderConfig{Name: "wobbly"}))

	result, err := env.gateway.Send(context.Background(), "ping", "wobbly", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Record.Response)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.delays)

	snap := env.recorder.Snapshot()["wobbly"]
	assert.Equal(t, int64(1), snap.Success)
}

func TestHealGrantsExtraRetry(t *testing.T) {
	env := newTestEnv(t, Options{})
	flaky := &flakyConnector{name: "wobbly", failures: 3, reply: "healed"}
	require.NoError(t, env.gateway.Register(context.Background(), flaky,
		ProviderConfig{Name: "wobbly"}))

	result, err := env.gateway.Send(context.Background(), "ping", "wobbly", "conv1")
	require.NoError(t, err)
	assert.Equal(t, "healed", result.Record.Response)
	assert.Equal(t, 4, flaky.calls)

	// The preference table recorded a win for the chosen strategy.
	score := env.magic.StrategyScore(resilience.BreakerProvider,
		resilience.ClassServer, "pause_retry")
	assert.Greater(t, score, 0.5)
}

func TestPersistentFailureSurfacesUnavailable(t *testing.T) {
	env := newTestEnv(t, Options{})
	flaky := &flakyConnector{name: "down", failures: 100}
	require.NoError(t, env.gateway.Register(context.Background(), flaky,
		ProviderConfig{Name: "down"}))
	ctx := context.Background()

	_, err := env.gateway.Send(ctx, "ping", "down", "conv1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	// 3 budgeted attempts plus the post-heal retry.
	assert.Equal(t, 4, flaky.calls)

	// The failure was persisted as an error record.
	recs, err := env.store.Tail(ctx, "conv1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "503")
	assert.Empty(t, recs[0].Response)
}

type terminalConnector struct{ calls int }

func (c *terminalConnector) Name() string { return "strict" }

func (c *terminalConnector) Model() string { return "strict" }

func (c *terminalConnector) Init(context.Context) error { return nil }

func (c *terminalConnector) Cleanup() error { return nil }

func (c *terminalConnector) Call(context.Context, Request) (Response, error) {
	c.calls++
	return Response{}, resilience.Classified(resilience.ClassValidation,
		errors.New("HTTP 400: bad request"))
}

func TestTerminalErrorNotRetried(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := &terminalConnector{}
	require.NoError(t, env.gateway.Register(context.Background(), conn,
		ProviderConfig{Name: "strict"}))

	_, err := env.gateway.Send(context.Background(), "ping", "strict", "conv1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 1, conn.calls)
	assert.Empty(t, env.delays)
}

func TestPersistentTerminalFailureOpensBreaker(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := &terminalConnector{}
	require.NoError(t, env.gateway.Register(context.Background(), conn,
		ProviderConfig{Name: "strict"}))
	ctx := context.Background()

	// Each terminal failure counts against the provider breaker.
	for i := 0; i < 3; i++ {
		_, err := env.gateway.Send(ctx, "ping", "strict", "conv1")
		require.ErrorIs(t, err, ErrProviderUnavailable)
	}
	breaker := env.breakers.Get(resilience.BreakerProvider)
	assert.Equal(t, resilience.StateOpen, breaker.State())

	// The open breaker now rejects before the connector is reached.
	_, err := env.gateway.Send(ctx, "ping", "strict", "conv1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 3, conn.calls)
}

type malformedConnector struct{}

func (malformedConnector) Name() string { return "garbled" }

func (malformedConnector) Model() string { return "garbled" }

func (malformedConnector) Init(context.Context) error { return nil }

func (malformedConnector) Cleanup() error { return nil }

func (malformedConnector) Call(context.Context, Request) (Response, error) {
	return Response{}, fmt.Errorf("%w: provider garbled: unexpected end of JSON input", ErrProviderMalformed)
}

func TestMalformedReplySurfacesDirectly(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.gateway.Register(context.Background(), malformedConnector{},
		ProviderConfig{Name: "garbled"}))

	_, err := env.gateway.Send(context.Background(), "ping", "garbled", "conv1")
	assert.ErrorIs(t, err, ErrProviderMalformed)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
}

func TestBreakerOpenRejectsBeforeCall(t *testing.T) {
	env := newTestEnv(t, Options{})
	flaky := &flakyConnector{name: "down", failures: 0, reply: "fine"}
	require.NoError(t, env.gateway.Register(context.Background(), flaky,
		ProviderConfig{Name: "down"}))

	breaker := env.breakers.Get(resilience.BreakerProvider)
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, resilience.StateOpen, breaker.State())

	_, err := env.gateway.Send(context.Background(), "ping", "down", "conv1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Zero(t, flaky.calls)
}

type selfCancelConnector struct {
	cancel context.CancelFunc
}

func (c *selfCancelConnector) Name() string { return "vanishing" }

func (c *selfCancelConnector) Model() string { return "vanishing" }

func (c *selfCancelConnector) Init(context.Context) error { return nil }

func (c *selfCancelConnector) Cleanup() error { return nil }

func (c *selfCancelConnector) Call(context.Context, Request) (Response, error) {
	c.cancel()
	return Response{}, resilience.Classified(resilience.ClassServer, errors.New("HTTP 503"))
}

func TestCancelledSendSkipsStoreWrite(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &selfCancelConnector{cancel: cancel}
	require.NoError(t, env.gateway.Register(context.Background(), conn,
		ProviderConfig{Name: "vanishing"}))

	_, err := env.gateway.Send(ctx, "ping", "vanishing", "conv1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Telemetry marked cancelled; nothing persisted.
	snap := env.recorder.Snapshot()["vanishing"]
	assert.Equal(t, "cancelled", snap.LastError)
	recs, terr := env.store.Tail(context.Background(), "conv1", 10)
	require.NoError(t, terr)
	assert.Empty(t, recs)
}

type historyCapture struct {
	last Request
}

func (c *historyCapture) Name() string { return "recorder" }

func (c *historyCapture) Model() string { return "recorder" }

func (c *historyCapture) Init(context.Context) error { return nil }

func (c *historyCapture) Cleanup() error { return nil }

func (c *historyCapture) Call(_ context.Context, req Request) (Response, error) {
	c.last = req
	return Response{Content: "ack"}, nil
}

func TestHistoryPassedChronologically(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := &historyCapture{}
	require.NoError(t, env.gateway.Register(context.Background(), conn,
		ProviderConfig{Name: "recorder", SystemPrompt: "be brief"}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := models.NewConversationRecord("conv1", "recorder", fmt.Sprintf("turn-%d", i))
		rec.Response = fmt.Sprintf("re-%d", i)
		require.NoError(t, env.store.Append(ctx, rec))
	}

	_, err := env.gateway.Send(ctx, "latest", "recorder", "conv1")
	require.NoError(t, err)
	require.Len(t, conn.last.History, 3)
	assert.Equal(t, "turn-0", conn.last.History[0].Content)
	assert.Equal(t, "turn-2", conn.last.History[2].Content)
	assert.Equal(t, "be brief", conn.last.System)
	assert.Equal(t, "latest", conn.last.Content)
}

func TestBoostConsumesAcorn(t *testing.T) {
	env := newTestEnv(t, Options{})
	registerEcho(t, env)

	before := env.magic.Acorns()
	result, err := env.gateway.Send(context.Background(), "abc", "echo", "conv1")
	require.NoError(t, err)
	assert.Equal(t, before-1, env.magic.Acorns())
	assert.Greater(t, result.BoostMultiplier, 1.0)
}

func TestStreamEcho(t *testing.T) {
	env := newTestEnv(t, Options{})
	registerEcho(t, env)
	ctx := context.Background()

	chunks, err := env.gateway.Stream(ctx, "abc", "echo", "conv1")
	require.NoError(t, err)

	var got string
	var sawFinal bool
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		if chunk.Final {
			sawFinal = true
			continue
		}
		got += chunk.Content
	}
	assert.Equal(t, "cba", got)
	assert.True(t, sawFinal)

	require.Eventually(t, func() bool {
		recs, err := env.store.Tail(ctx, "conv1", 10)
		return err == nil && len(recs) == 1 && recs[0].Response == "cba"
	}, time.Second, 10*time.Millisecond)
}

func TestStreamUnsupported(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.gateway.Register(context.Background(), &historyCapture{},
		ProviderConfig{Name: "recorder"}))

	_, err := env.gateway.Stream(context.Background(), "hi", "recorder", "conv1")
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestListAndSnapshot(t *testing.T) {
	env := newTestEnv(t, Options{})
	registerEcho(t, env)

	descs := env.gateway.List()
	require.Len(t, descs, 1)
	assert.Equal(t, "echo", descs[0].Name)

	_, err := env.gateway.Send(context.Background(), "abc", "echo", "conv1")
	require.NoError(t, err)

	status := env.gateway.Snapshot()
	require.Len(t, status.Providers, 1)
	assert.Equal(t, int64(1), status.Telemetry["echo"].Success)
	assert.Contains(t, status.Breakers, resilience.BreakerProvider)
}
