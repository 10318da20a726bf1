package rules

import (
	"context"
	"log/slog"

	"flowhook.app/automation/common/logger"
	"flowhook.app/automation/internal/transport"
)

// Dispatcher consumes the dispatch queue and feeds decoded events into the
// engine. It owns the verdict mapping: undecodable payloads are rejected to
// the dead letter stream, rule-set load failures are abandoned for retry,
// everything else acks.
type Dispatcher struct {
	bus      transport.Transport
	exchange string
	engine   *Engine
}

func NewDispatcher(bus transport.Transport, exchange string, engine *Engine) *Dispatcher {
	return &Dispatcher{bus: bus, exchange: exchange, engine: engine}
}

// Run warms the engine's rule sets, then consumes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "automation.rules.dispatcher",
	})

	if err := d.engine.Warmup(ctx); err != nil {
		return err
	}
	return d.bus.Subscribe(ctx, d.exchange, DispatchQueue, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, delivery transport.Delivery) transport.Verdict {
	event, err := transport.DecodeEvent(delivery.Payload)
	if err != nil {
		slog.ErrorContext(ctx, "undecodable event payload, rejecting",
			"error", err,
			"routing_key", delivery.RoutingKey)
		return transport.Reject
	}

	if err := d.engine.HandleEvent(ctx, event); err != nil {
		slog.ErrorContext(ctx, "event handling failed, abandoning for retry",
			"error", err,
			"event_id", event.ID,
			"attempt", delivery.Attempt)
		return transport.Abandon
	}
	return transport.Ack
}
