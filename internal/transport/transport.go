package transport

import "context"

// ExchangeKind selects the routing discipline of an exchange. Only direct
// (exact routing-key match) exchanges exist today; topic bindings in the rule
// engine are exact strings, so nothing needs wildcard routing.
type ExchangeKind string

const ExchangeDirect ExchangeKind = "direct"

// Delivery is one message handed to a subscriber. RoutingKey carries the
// binding key the message was published under.
type Delivery struct {
	ID         string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// Verdict is the subscriber's tri-state disposition of a delivery.
type Verdict int

const (
	// Ack removes the delivery permanently.
	Ack Verdict = iota
	// Abandon returns the delivery for a later attempt. Once attempts
	// exceed the transport's configured maximum the delivery is rejected
	// instead.
	Abandon
	// Reject moves the delivery to the dead-letter stream.
	Reject
)

// Handler consumes one delivery and decides its disposition. Handlers must
// be idempotent: the transport guarantees at-least-once, not exactly-once.
type Handler func(ctx context.Context, d Delivery) Verdict

// Transport is the message bus contract consumed by the pump, the bridge and
// the dispatcher. Implementations are assumed durable and at-least-once.
type Transport interface {
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error
	// DeclareQueue binds a named queue to an exchange for the given exact
	// binding keys. Declaring the same queue again extends its bindings;
	// the call is idempotent per (queue, key).
	DeclareQueue(ctx context.Context, exchange, queue string, bindingKeys []string) error
	Publish(ctx context.Context, exchange, routingKey string, payload []byte) error
	// Subscribe consumes the queue until ctx is cancelled. It blocks.
	Subscribe(ctx context.Context, exchange, queue string, handler Handler) error
	Close() error
}
