package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"flowhook.app/automation/common/logger"
	"flowhook.app/automation/internal/transport"
)

// BridgeQueue is the queue the bridge consumes from the distribution point.
const BridgeQueue = "distribution"

// Bridge consumes the pump's distribution point and re-publishes every event
// on the same exchange under the event's own topic, which is where the rule
// dispatcher's topic queues are bound. The indirection keeps the pump unaware
// of which topics have subscribers.
type Bridge struct {
	bus      transport.Transport
	exchange string
	key      string
}

func NewBridge(bus transport.Transport, exchange, distributionKey string) *Bridge {
	return &Bridge{bus: bus, exchange: exchange, key: distributionKey}
}

// Run declares the distribution queue and consumes it until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "automation.outbox.bridge",
	})

	if err := b.bus.DeclareExchange(ctx, b.exchange, transport.ExchangeDirect); err != nil {
		return fmt.Errorf("declaring exchange: %w", err)
	}
	if err := b.bus.DeclareQueue(ctx, b.exchange, BridgeQueue, []string{b.key}); err != nil {
		return fmt.Errorf("declaring distribution queue: %w", err)
	}

	slog.InfoContext(ctx, "bridge started", "exchange", b.exchange, "distribution_key", b.key)

	return b.bus.Subscribe(ctx, b.exchange, BridgeQueue, b.handle)
}

func (b *Bridge) handle(ctx context.Context, d transport.Delivery) transport.Verdict {
	event, err := transport.DecodeEvent(d.Payload)
	if err != nil {
		slog.ErrorContext(ctx, "undecodable distribution payload", "error", err)
		return transport.Reject
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:  logger.Ptr(event.ID),
		Topic:    logger.Ptr(event.Topic),
		TenantID: logger.Ptr(event.TenantID),
	})

	if err := b.bus.Publish(ctx, b.exchange, event.Topic, d.Payload); err != nil {
		slog.ErrorContext(ctx, "failed to re-publish under event topic", "error", err)
		return transport.Abandon
	}

	slog.DebugContext(ctx, "event bridged to topic")
	return transport.Ack
}
