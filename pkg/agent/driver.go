package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pantheon-agents/pantheon/pkg/bus"
	"github.com/pantheon-agents/pantheon/pkg/gateway"
	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/resilience"
	"github.com/pantheon-agents/pantheon/pkg/swarm"
)

// PipelineSteps is the fixed step order every task runs through.
var PipelineSteps = []string{
	"observe", "reason", "act", "validate", "execute",
	"memory", "analyze", "learn", "improve",
}

// DefaultStepTimeout bounds one bus request/reply round trip.
const DefaultStepTimeout = 2 * time.Minute

// DriverConfig configures a pipeline driver.
type DriverConfig struct {
	// Name is the driver's bus participant name.
	Name string

	// Budget is the token budget for each opened task.
	Budget int

	// Required lists resource kinds the task needs permissions for.
	Required []string

	// Routes maps a pipeline step to the capability that serves it.
	// Steps without a route are served by the capability named after
	// the step.
	Routes map[string]string

	StepTimeout time.Duration
}

// Driver opens a task context and walks it through the pipeline,
// one bus request/reply per step. Each step's output payload becomes
// the next step's input.
type Driver struct {
	cfg   DriverConfig
	bus   *bus.Bus
	coord *swarm.Coordinator
}

// NewDriver builds a driver over the bus and coordinator.
func NewDriver(cfg DriverConfig, b *bus.Bus, coord *swarm.Coordinator) *Driver {
	if cfg.Name == "" {
		cfg.Name = "driver"
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 10000
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Driver{cfg: cfg, bus: b, coord: coord}
}

// Run executes the full pipeline for one task and returns its closing
// summary. Any step failure closes the task with a typed failure kind.
func (d *Driver) Run(ctx context.Context, taskID, input string) (models.TaskSummary, error) {
	if err := d.bus.Register(d.cfg.Name); err != nil {
		return models.TaskSummary{}, err
	}
	defer d.bus.Unregister(d.cfg.Name)

	if err := d.coord.OpenTask(taskID, d.cfg.Budget, d.cfg.Required); err != nil {
		return models.TaskSummary{}, err
	}

	// Acquire every required permission up front; a denial fails the
	// task before any step runs.
	for _, resource := range d.cfg.Required {
		justification := fmt.Sprintf(
			"the %s pipeline needs %s access to run task %s", d.cfg.Name, resource, taskID)
		if _, err := d.coord.Evaluate(taskID, d.cfg.Name, resource, justification, ""); err != nil {
			return d.fail(taskID, "permissions", err)
		}
	}

	payload := map[string]any{"input": input, "task_id": taskID}
	for _, step := range PipelineSteps {
		recipient := d.route(step)
		msg := models.NewMessage(d.cfg.Name, recipient, step, payload)

		reply, err := d.bus.Request(ctx, msg, d.cfg.StepTimeout)
		if err != nil {
			return d.fail(taskID, step, err)
		}
		if reply.Kind == "error" {
			stepErr := fmt.Errorf("step %s failed: %v", step, reply.Payload["error"])
			return d.fail(taskID, step, stepErr)
		}

		if tokens := tokensFromPayload(reply.Payload); tokens > 0 {
			status, err := d.coord.Spend(taskID, tokens, "step "+step)
			if err != nil {
				return d.fail(taskID, step, err)
			}
			if status == models.BudgetExhausted {
				slog.Warn("Budget exhausted mid-pipeline",
					"task_id", taskID, "step", step)
			}
		}

		if result, ok := reply.Payload["result"]; ok {
			key := "agent:" + recipient + ":result"
			if err := d.coord.BBWrite(taskID, key, fmt.Sprint(result)); err != nil {
				return d.fail(taskID, step, err)
			}
		}

		payload = reply.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payload["task_id"] = taskID
		if result, ok := payload["result"]; ok {
			payload["input"] = result
		}
	}

	return d.coord.CloseTask(taskID)
}

func (d *Driver) route(step string) string {
	if name, ok := d.cfg.Routes[step]; ok {
		return name
	}
	return step
}

func (d *Driver) fail(taskID, step string, cause error) (models.TaskSummary, error) {
	kind := failureKind(cause)
	slog.Error("Pipeline step failed",
		"task_id", taskID, "step", step, "failure_kind", kind, "error", cause)

	summary, closeErr := d.coord.FailTask(taskID, kind)
	if closeErr != nil {
		slog.Error("Could not close failed task", "task_id", taskID, "error", closeErr)
	}
	return summary, fmt.Errorf("pipeline step %s: %w", step, cause)
}

// failureKind maps an error onto the typed failure recorded on the
// task summary.
func failureKind(err error) string {
	switch {
	case errors.Is(err, swarm.ErrBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(err, swarm.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, swarm.ErrForbiddenKey):
		return "forbidden_key"
	case errors.Is(err, bus.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, bus.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, bus.ErrUnknownRecipient):
		return "unknown_recipient"
	case errors.Is(err, gateway.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, gateway.ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, gateway.ErrProviderMalformed):
		return "provider_malformed"
	case errors.Is(err, gateway.ErrProviderUnavailable),
		errors.Is(err, resilience.ErrBreakerOpen):
		return "provider_unavailable"
	default:
		return "internal"
	}
}

// tokensFromPayload reads the debit a capability reported, tolerating
// the numeric types that survive payload maps.
func tokensFromPayload(payload map[string]any) int {
	switch v := payload["tokens_used"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
