// Package agent hosts the capability contract and the fixed pipeline
// driver that steers one task across the message bus.
package agent

import (
	"context"

	"github.com/pantheon-agents/pantheon/pkg/bus"
	"github.com/pantheon-agents/pantheon/pkg/gateway"
	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/swarm"
)

// ExecContext carries everything a capability may touch while handling
// a message: the task (budget, permissions, blackboard, via the
// coordinator), the bus, and the provider gateway.
type ExecContext struct {
	TaskID      string
	Coordinator *swarm.Coordinator
	Bus         *bus.Bus
	Gateway     *gateway.Gateway
}

// Capability is one agent persona: it consumes an input message and
// produces an output payload. Personas themselves live outside this
// package; only the contract is fixed.
type Capability interface {
	Name() string
	Handle(ctx context.Context, msg models.Message, ec *ExecContext) (map[string]any, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc struct {
	CapabilityName string
	Fn             func(ctx context.Context, msg models.Message, ec *ExecContext) (map[string]any, error)
}

func (c CapabilityFunc) Name() string { return c.CapabilityName }

func (c CapabilityFunc) Handle(ctx context.Context, msg models.Message, ec *ExecContext) (map[string]any, error) {
	return c.Fn(ctx, msg, ec)
}

// TokensUsed implements the debit policy for one gateway call:
// provider-reported tokens when present, otherwise a quarter of the
// response length.
func TokensUsed(result gateway.SendResult) int {
	if result.Usage.TotalTokens > 0 {
		return result.Usage.TotalTokens
	}
	return len(result.Record.Response) / 4
}
