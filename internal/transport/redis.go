package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"flowhook.app/automation/common/logger"
)

// RedisConfig tunes the Redis Streams transport.
type RedisConfig struct {
	Consumer      string        // consumer name within each queue's group
	DLQStream     string        // dead letter stream for rejected deliveries
	BatchSize     int64         // deliveries fetched per read
	Block         time.Duration // how long to block waiting for new deliveries
	MaxAttempts   int           // abandons beyond this become rejections
	MinIdle       time.Duration // pending age before a delivery is reclaimed
	ClaimInterval time.Duration // how often the reclaim pass runs
}

// RedisTransport maps the exchange/queue contract onto Redis Streams:
// one stream per (exchange, binding key), one consumer group per queue.
// Direct exchange semantics fall out of the mapping, each routing key is
// its own stream.
type RedisTransport struct {
	client *redis.Client
	cfg    RedisConfig

	mu        sync.Mutex
	exchanges map[string]ExchangeKind
	bindings  map[string][]string // queue -> bound streams
}

func NewRedisTransport(client *redis.Client, cfg RedisConfig) *RedisTransport {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &RedisTransport{
		client:    client,
		cfg:       cfg,
		exchanges: make(map[string]ExchangeKind),
		bindings:  make(map[string][]string),
	}
}

func (t *RedisTransport) DeclareExchange(_ context.Context, name string, kind ExchangeKind) error {
	if kind != ExchangeDirect {
		return fmt.Errorf("unsupported exchange kind %q", kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges[name] = kind
	return nil
}

func (t *RedisTransport) DeclareQueue(ctx context.Context, exchange, queue string, bindingKeys []string) error {
	for _, key := range bindingKeys {
		stream := streamName(exchange, key)
		// Starting the group at "0" instead of "$" means a recreated group
		// still sees everything already in the stream, so restarts never
		// lose deliveries.
		if err := t.client.XGroupCreateMkStream(ctx, stream, queue, "0").Err(); err != nil &&
			err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("creating consumer group %s on %s: %w", queue, stream, err)
		}
		t.bind(queue, stream)
	}
	return nil
}

func (t *RedisTransport) bind(queue, stream string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.bindings[queue] {
		if s == stream {
			return
		}
	}
	t.bindings[queue] = append(t.bindings[queue], stream)
}

func (t *RedisTransport) boundStreams(queue string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.bindings[queue]...)
}

func (t *RedisTransport) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(exchange, routingKey),
		Values: map[string]any{
			"payload": payload,
			"attempt": 1,
		},
	}).Err(); err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Subscribe consumes the queue until ctx is cancelled. A background reclaim
// pass re-delivers messages read but never acknowledged by a crashed
// consumer, which keeps the at-least-once guarantee across process deaths.
func (t *RedisTransport) Subscribe(ctx context.Context, exchange, queue string, handler Handler) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "automation.transport.redis",
	})

	if len(t.boundStreams(queue)) == 0 {
		return fmt.Errorf("queue %s has no bindings on %s", queue, exchange)
	}

	if t.cfg.ClaimInterval > 0 {
		go t.reclaimLoop(ctx, queue, handler)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Bindings are re-read each cycle so topics registered after
		// Subscribe started (a tenant rules reload) get picked up without a
		// restart.
		if err := t.readOnce(ctx, queue, t.boundStreams(queue), handler); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			slog.ErrorContext(ctx, "read cycle error", "error", err, "queue", queue)
			time.Sleep(time.Second)
		}
	}
}

func (t *RedisTransport) readOnce(ctx context.Context, queue string, streams []string, handler Handler) error {
	// XReadGroup wants all stream names followed by one ">" per stream.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue,
		Consumer: t.cfg.Consumer,
		Streams:  args,
		Count:    t.cfg.BatchSize,
		Block:    t.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("reading group %s: %w", queue, err)
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			t.dispatch(ctx, queue, stream.Stream, msg, handler)
		}
	}
	return nil
}

func (t *RedisTransport) dispatch(ctx context.Context, queue, stream string, msg redis.XMessage, handler Handler) {
	d, err := parseDelivery(stream, msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse delivery",
			"error", err,
			"raw_message_id", msg.ID,
			"stream", stream)
		_ = t.client.XAck(ctx, stream, queue, msg.ID).Err()
		return
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: &d.ID})

	verdict := handler(ctx, d)
	t.settle(ctx, queue, stream, msg, d, verdict)
}

func (t *RedisTransport) settle(ctx context.Context, queue, stream string, msg redis.XMessage, d Delivery, verdict Verdict) {
	ack := func() {
		if err := t.client.XAck(ctx, stream, queue, msg.ID).Err(); err != nil {
			// Safe to ignore beyond logging: the reclaim pass will see the
			// message again and the handler is idempotent by contract.
			slog.WarnContext(ctx, "failed to ack delivery", "error", err, "stream", stream)
		}
	}

	switch verdict {
	case Ack:
		ack()

	case Abandon:
		if d.Attempt >= t.cfg.MaxAttempts {
			slog.ErrorContext(ctx, "max attempts reached, dead-lettering",
				"attempts", d.Attempt,
				"stream", stream)
			t.deadLetter(ctx, stream, d, "max attempts exceeded")
			ack()
			return
		}
		ack()
		if err := t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{
				"payload": d.Payload,
				"attempt": d.Attempt + 1,
			},
		}).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to requeue delivery", "error", err, "stream", stream)
		}

	case Reject:
		t.deadLetter(ctx, stream, d, "rejected by handler")
		ack()
	}
}

func (t *RedisTransport) deadLetter(ctx context.Context, stream string, d Delivery, reason string) {
	if t.cfg.DLQStream == "" {
		return
	}
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.cfg.DLQStream,
		Values: map[string]any{
			"payload": d.Payload,
			"attempt": d.Attempt,
			"origin":  stream,
			"error":   reason,
		},
	}).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to dead-letter delivery", "error", err, "dlq", t.cfg.DLQStream)
	}
}

// reclaimLoop periodically claims deliveries that sat pending past MinIdle.
// This handles the crash window between XREADGROUP and XACK.
func (t *RedisTransport) reclaimLoop(ctx context.Context, queue string, handler Handler) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range t.boundStreams(queue) {
				if err := t.reclaimStream(ctx, queue, stream, handler); err != nil {
					slog.ErrorContext(ctx, "reclaim cycle error", "error", err, "stream", stream)
				}
			}
		}
	}
}

func (t *RedisTransport) reclaimStream(ctx context.Context, queue, stream string, handler Handler) error {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    queue,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.MinIdle,
		Start:    "0-0",
		Count:    t.cfg.BatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xautoclaim: %w", err)
	}

	if len(msgs) > 0 {
		slog.InfoContext(ctx, "reclaimed stale deliveries", "count", len(msgs), "stream", stream)
	}
	for _, msg := range msgs {
		t.dispatch(ctx, queue, stream, msg, handler)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

func streamName(exchange, routingKey string) string {
	return fmt.Sprintf("%s:%s", exchange, routingKey)
}

func parseDelivery(stream string, msg redis.XMessage) (Delivery, error) {
	rawPayload, ok := msg.Values["payload"]
	if !ok {
		return Delivery{}, fmt.Errorf("missing payload")
	}

	attempt := 1
	if rawAttempt, ok := msg.Values["attempt"]; ok {
		n, err := strconv.Atoi(fmt.Sprint(rawAttempt))
		if err != nil {
			return Delivery{}, fmt.Errorf("parsing attempt: %w", err)
		}
		if n > 0 {
			attempt = n
		}
	}

	return Delivery{
		ID:         msg.ID,
		RoutingKey: routingKeyOf(stream),
		Payload:    []byte(fmt.Sprint(rawPayload)),
		Attempt:    attempt,
	}, nil
}

func routingKeyOf(stream string) string {
	for i := 0; i < len(stream); i++ {
		if stream[i] == ':' {
			return stream[i+1:]
		}
	}
	return stream
}
