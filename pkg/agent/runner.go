package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pantheon-agents/pantheon/pkg/bus"
	"github.com/pantheon-agents/pantheon/pkg/gateway"
	"github.com/pantheon-agents/pantheon/pkg/models"
	"github.com/pantheon-agents/pantheon/pkg/swarm"
)

// Runner hosts one capability on the bus: it registers under the
// capability's name, consumes messages, and replies with the handled
// payload, or with an error kind when handling fails.
type Runner struct {
	cap     Capability
	bus     *bus.Bus
	coord   *swarm.Coordinator
	gateway *gateway.Gateway
}

// NewRunner wires a capability to the bus and its infrastructure.
func NewRunner(cap Capability, b *bus.Bus, coord *swarm.Coordinator, gw *gateway.Gateway) *Runner {
	return &Runner{cap: cap, bus: b, coord: coord, gateway: gw}
}

// Run registers the capability and serves messages until the context
// is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	name := r.cap.Name()
	if err := r.bus.Register(name); err != nil {
		return err
	}
	defer r.bus.Unregister(name)

	for {
		msg, err := r.bus.Receive(ctx, name)
		if err != nil {
			if errors.Is(err, bus.ErrCancelled) {
				return nil
			}
			return err
		}
		r.handle(ctx, msg)
	}
}

func (r *Runner) handle(ctx context.Context, msg models.Message) {
	taskID, _ := msg.Payload["task_id"].(string)
	ec := &ExecContext{
		TaskID:      taskID,
		Coordinator: r.coord,
		Bus:         r.bus,
		Gateway:     r.gateway,
	}

	payload, err := r.cap.Handle(ctx, msg, ec)
	var reply models.Message
	if err != nil {
		slog.Error("Capability failed",
			"capability", r.cap.Name(), "kind", msg.Kind, "error", err)
		reply = msg.Reply("error", map[string]any{
			"error":   err.Error(),
			"task_id": taskID,
		})
	} else {
		if payload == nil {
			payload = map[string]any{}
		}
		if _, ok := payload["task_id"]; !ok && taskID != "" {
			payload["task_id"] = taskID
		}
		reply = msg.Reply(msg.Kind+".result", payload)
	}

	if err := r.bus.Send(reply); err != nil {
		slog.Warn("Could not deliver reply",
			"capability", r.cap.Name(), "error", err)
	}
}
