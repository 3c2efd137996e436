package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantheon-agents/pantheon/pkg/bus"
	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/swarm"
)

type pipelineEnv struct {
	bus    *bus.Bus
	coord  *swarm.Coordinator
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	c, err := swarm.New(swarm.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	env := &pipelineEnv{bus: bus.New(), coord: c}
	t.Cleanup(env.stop)
	return env
}

// serve hosts a capability for every pipeline step using the given
// handler.
func (e *pipelineEnv) serve(t *testing.T, fn func(step string, msg models.Message) (map[string]any, error)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for _, step := range PipelineSteps {
		runner := NewRunner(CapabilityFunc{
			CapabilityName: step,
			Fn: func(_ context.Context, msg models.Message, _ *ExecContext) (map[string]any, error) {
				return fn(step, msg)
			},
		}, e.bus, e.coord, nil)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_ = runner.Run(ctx)
		}()
	}
	// Give the runners a moment to register.
	require.Eventually(t, func() bool {
		return e.bus.Stats().Participants >= len(PipelineSteps)
	}, time.Second, 5*time.Millisecond)
}

func (e *pipelineEnv) stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func TestDriverRunsAllSteps(t *testing.T) {
	env := newPipelineEnv(t)

	var mu sync.Mutex
	var order []string
	env.serve(t, func(step string, msg models.Message) (map[string]any, error) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
		return map[string]any{
			"result":      step + ":" + msg.Payload["input"].(string),
			"tokens_used": 10,
		}, nil
	})

	driver := NewDriver(DriverConfig{Budget: 1000, StepTimeout: 5 * time.Second}, env.bus, env.coord)
	summary, err := driver.Run(context.Background(), "T1", "seed")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, PipelineSteps, order)
	mu.Unlock()

	assert.Equal(t, 90, summary.TokensUsed) // 9 steps x 10 tokens
	assert.Equal(t, models.BudgetOK, summary.Status)
	assert.Equal(t, 9, summary.BlackboardKeys)
	assert.Empty(t, summary.FailureKind)
}

func TestDriverChainsStepOutputs(t *testing.T) {
	env := newPipelineEnv(t)

	inputs := make(map[string]string)
	var mu sync.Mutex
	env.serve(t, func(step string, msg models.Message) (map[string]any, error) {
		mu.Lock()
		inputs[step] = msg.Payload["input"].(string)
		mu.Unlock()
		return map[string]any{"result": step + "-out"}, nil
	})

	driver := NewDriver(DriverConfig{Budget: 1000, StepTimeout: 5 * time.Second}, env.bus, env.coord)
	_, err := driver.Run(context.Background(), "T1", "seed")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "seed", inputs["observe"])
	assert.Equal(t, "observe-out", inputs["reason"])
	assert.Equal(t, "learn-out", inputs["improve"])
}

func TestDriverWritesBlackboardResults(t *testing.T) {
	env := newPipelineEnv(t)
	env.serve(t, func(step string, _ models.Message) (map[string]any, error) {
		return map[string]any{"result": "done by " + step}, nil
	})

	driver := NewDriver(DriverConfig{Budget: 1000, StepTimeout: 5 * time.Second}, env.bus, env.coord)
	_, err := driver.Run(context.Background(), "T1", "seed")
	require.NoError(t, err)

	// Summary already emitted; results were written while active.
	// Reopen is a reset, so verify through a fresh driver run instead:
	// the previous run's writes surfaced in its summary key count.
	info, err := env.coord.Task("T1")
	require.NoError(t, err)
	assert.Equal(t, 9, info.BlackboardKeys)
}

func TestDriverFailsTaskOnStepError(t *testing.T) {
	env := newPipelineEnv(t)
	env.serve(t, func(step string, _ models.Message) (map[string]any, error) {
		if step == "validate" {
			return nil, errors.New("validation blew up")
		}
		return map[string]any{"result": "ok"}, nil
	})

	driver := NewDriver(DriverConfig{Budget: 1000, StepTimeout: 5 * time.Second}, env.bus, env.coord)
	summary, err := driver.Run(context.Background(), "T1", "seed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate")
	assert.Equal(t, "internal", summary.FailureKind)

	info, infoErr := env.coord.Task("T1")
	require.NoError(t, infoErr)
	assert.True(t, info.Closed)
}

func TestDriverBudgetExhaustionFailsTask(t *testing.T) {
	env := newPipelineEnv(t)
	env.serve(t, func(step string, _ models.Message) (map[string]any, error) {
		return map[string]any{"result": "ok", "tokens_used": 40}, nil
	})

	// 9 steps x 40 tokens overruns a 100-token budget on step 3.
	driver := NewDriver(DriverConfig{Budget: 100, StepTimeout: 5 * time.Second}, env.bus, env.coord)
	summary, err := driver.Run(context.Background(), "T1", "seed")
	require.ErrorIs(t, err, swarm.ErrBudgetExhausted)
	assert.Equal(t, "budget_exhausted", summary.FailureKind)
	assert.Equal(t, 80, summary.TokensUsed)
}

func TestDriverFailsWhenStepUnserved(t *testing.T) {
	env := newPipelineEnv(t)
	// Register only the observe step; reason never answers.
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	runner := NewRunner(CapabilityFunc{
		CapabilityName: "observe",
		Fn: func(_ context.Context, _ models.Message, _ *ExecContext) (map[string]any, error) {
			return map[string]any{"result": "seen"}, nil
		},
	}, env.bus, env.coord, nil)
	env.wg.Add(1)
	go func() {
		defer env.wg.Done()
		_ = runner.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return env.bus.Stats().Participants >= 1
	}, time.Second, 5*time.Millisecond)

	driver := NewDriver(DriverConfig{Budget: 1000, StepTimeout: 100 * time.Millisecond}, env.bus, env.coord)
	summary, err := driver.Run(context.Background(), "T1", "seed")
	require.Error(t, err)
	assert.Equal(t, "unknown_recipient", summary.FailureKind)
}

func TestDriverAcquiresRequiredPermissions(t *testing.T) {
	env := newPipelineEnv(t)
	env.serve(t, func(step string, _ models.Message) (map[string]any, error) {
		return map[string]any{"result": "ok"}, nil
	})

	driver := NewDriver(DriverConfig{
		Budget:      1000,
		Required:    []string{"filesystem"},
		StepTimeout: 5 * time.Second,
	}, env.bus, env.coord)
	summary, err := driver.Run(context.Background(), "T1", "seed")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.PermissionsGrants)
	assert.True(t, env.coord.Granted("driver", "filesystem"))
}

func TestDriverFailsWhenRequiredPermissionDenied(t *testing.T) {
	coord, err := swarm.New(swarm.Config{
		DataDir: t.TempDir(),
		Risk:    map[string]float64{"payments": 0.9},
	})
	require.NoError(t, err)

	driver := NewDriver(DriverConfig{
		Budget:      1000,
		Required:    []string{"payments"},
		StepTimeout: time.Second,
	}, bus.New(), coord)
	summary, err := driver.Run(context.Background(), "T1", "seed")
	require.ErrorIs(t, err, swarm.ErrPermissionDenied)
	assert.Equal(t, "permission_denied", summary.FailureKind)

	info, infoErr := coord.Task("T1")
	require.NoError(t, infoErr)
	assert.True(t, info.Closed)
}

func TestRunnerStopsCleanlyOnCancel(t *testing.T) {
	env := newPipelineEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := NewRunner(CapabilityFunc{
		CapabilityName: "observe",
		Fn: func(_ context.Context, _ models.Message, _ *ExecContext) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}, env.bus, env.coord, nil)

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	require.Eventually(t, func() bool {
		return env.bus.Stats().Participants == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestTokensFromPayloadTolerantTypes(t *testing.T) {
	assert.Equal(t, 7, tokensFromPayload(map[string]any{"tokens_used": 7}))
	assert.Equal(t, 7, tokensFromPayload(map[string]any{"tokens_used": int64(7)}))
	assert.Equal(t, 7, tokensFromPayload(map[string]any{"tokens_used": 7.0}))
	assert.Zero(t, tokensFromPayload(map[string]any{"tokens_used": "7"}))
	assert.Zero(t, tokensFromPayload(map[string]any{}))
}

func TestFailureKindMapping(t *testing.T) {
	assert.Equal(t, "timeout", failureKind(bus.ErrRequestTimeout))
	assert.Equal(t, "budget_exhausted", failureKind(swarm.ErrBudgetExhausted))
	assert.Equal(t, "permission_denied", failureKind(swarm.ErrPermissionDenied))
	assert.Equal(t, "cancelled", failureKind(context.Canceled))
	assert.Equal(t, "internal", failureKind(errors.New("anything else")))
}
