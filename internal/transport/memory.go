package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const memQueueDepth = 1024

// MemoryTransport is an in-process bus with the same contract as the Redis
// implementation. Used by tests and single-process development setups.
type MemoryTransport struct {
	mu          sync.Mutex
	exchanges   map[string]ExchangeKind
	queues      map[string]chan Delivery
	bindings    map[string]map[string]bool // stream -> set of queues
	dead        []Delivery
	maxAttempts int
	closed      bool
}

func NewMemoryTransport(maxAttempts int) *MemoryTransport {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &MemoryTransport{
		exchanges:   make(map[string]ExchangeKind),
		queues:      make(map[string]chan Delivery),
		bindings:    make(map[string]map[string]bool),
		maxAttempts: maxAttempts,
	}
}

func (t *MemoryTransport) DeclareExchange(_ context.Context, name string, kind ExchangeKind) error {
	if kind != ExchangeDirect {
		return fmt.Errorf("unsupported exchange kind %q", kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges[name] = kind
	return nil
}

func (t *MemoryTransport) DeclareQueue(_ context.Context, exchange, queue string, bindingKeys []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.queues[queue]; !ok {
		t.queues[queue] = make(chan Delivery, memQueueDepth)
	}
	for _, key := range bindingKeys {
		stream := streamName(exchange, key)
		if t.bindings[stream] == nil {
			t.bindings[stream] = make(map[string]bool)
		}
		t.bindings[stream][queue] = true
	}
	return nil
}

func (t *MemoryTransport) Publish(_ context.Context, exchange, routingKey string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}

	stream := streamName(exchange, routingKey)
	for queue := range t.bindings[stream] {
		ch := t.queues[queue]
		d := Delivery{
			ID:         uuid.NewString(),
			RoutingKey: routingKey,
			Payload:    append([]byte(nil), payload...),
			Attempt:    1,
		}
		select {
		case ch <- d:
		default:
			return fmt.Errorf("queue %s is full", queue)
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, _ string, queue string, handler Handler) error {
	t.mu.Lock()
	ch, ok := t.queues[queue]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s not declared", queue)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-ch:
			switch handler(ctx, d) {
			case Ack:
			case Abandon:
				if d.Attempt >= t.maxAttempts {
					t.addDead(d)
					continue
				}
				d.Attempt++
				select {
				case ch <- d:
				default:
					t.addDead(d)
				}
			case Reject:
				t.addDead(d)
			}
		}
	}
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *MemoryTransport) addDead(d Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = append(t.dead, d)
}

// DeadLetters returns rejected deliveries. Test helper.
func (t *MemoryTransport) DeadLetters() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.dead...)
}

// QueueLen reports the number of undelivered messages on a queue. Test helper.
func (t *MemoryTransport) QueueLen(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queue])
}
