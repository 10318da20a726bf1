package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flowhook.app/automation/common/logger"
	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/store"
	"flowhook.app/automation/internal/transport"
)

// Config holds the pump's drain thresholds.
type Config struct {
	Exchange        string        // exchange the distribution point lives on
	DistributionKey string        // fixed well-known routing key for drained events
	PollInterval    time.Duration // idle sleep between iterations
	ReenqueueLease  time.Duration // reservation lease granted per attempt
	RetryCutoff     int           // retries beyond which an aged event is groomed
	TooAged         time.Duration // lease overshoot beyond which an event counts as aged
	BatchSize       int           // events drained per iteration
}

// Pump drains the outbox onto the transport. Each iteration fetches due
// events, reserves them under a lease, publishes them on the fixed
// distribution key, and deletes them only after the transport accepted the
// publish. A crash between publish and delete causes redelivery; at-least-once
// is the contract, consumers must tolerate rare duplicates.
//
// Multiple processes may run pumps concurrently. Correctness rests on the
// lease fields and the last-writer-wins reservation write, not on mutual
// exclusion: a duplicate reservation race costs at worst a duplicate publish.
type Pump struct {
	store store.EventStore
	bus   transport.Transport
	cfg   Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewPump(eventStore store.EventStore, bus transport.Transport, cfg Config) *Pump {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 150 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &Pump{
		store:     eventStore,
		bus:       bus,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run drains continuously until ctx is cancelled or Stop is called. The loop
// never exits on a drain error: transient store and transport failures are
// logged and the next iteration retries.
func (p *Pump) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "automation.outbox.pump",
	})

	defer close(p.stoppedCh)

	if err := p.bus.DeclareExchange(ctx, p.cfg.Exchange, transport.ExchangeDirect); err != nil {
		return fmt.Errorf("declaring exchange: %w", err)
	}

	slog.InfoContext(ctx, "pump started",
		"poll_interval", p.cfg.PollInterval,
		"lease", p.cfg.ReenqueueLease,
		"retry_cutoff", p.cfg.RetryCutoff,
		"too_aged", p.cfg.TooAged)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			slog.InfoContext(ctx, "pump stopping")
			return nil
		default:
			if err := p.drainSafe(ctx); err != nil {
				slog.ErrorContext(ctx, "drain iteration error", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.stopCh:
				slog.InfoContext(ctx, "pump stopping")
				return nil
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// Stop signals the pump to stop and waits for the current iteration to end.
func (p *Pump) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

func (p *Pump) drainSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in drain iteration", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.DrainOnce(ctx)
}

// DrainOnce performs one drain iteration. Exported so tests can step the
// pump deterministically.
func (p *Pump) DrainOnce(ctx context.Context) error {
	now := time.Now()

	due, err := p.store.ListDue(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing due events: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	var (
		resend  []model.Event
		groomed []int64
	)
	for _, e := range due {
		e.RetryCount++
		if p.shouldGroom(&e, now) {
			slog.ErrorContext(ctx, "grooming poison event",
				"event_id", e.ID,
				"topic", e.Topic,
				"retry_count", e.RetryCount,
				"age", e.Age(now))
			groomed = append(groomed, e.ID)
			continue
		}
		e.State = model.EventStateReserved
		e.LeaseExpiry = now.Add(p.cfg.ReenqueueLease)
		resend = append(resend, e)
	}

	if err := p.store.Reserve(ctx, resend); err != nil {
		return fmt.Errorf("reserving events: %w", err)
	}
	if err := p.store.DeleteBatch(ctx, groomed); err != nil {
		return fmt.Errorf("deleting groomed events: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Publish, then delete. Delete strictly after a successful publish is
	// what makes redelivery (not loss) the failure mode of a crash here.
	var published []int64
	for i := range resend {
		e := &resend[i]
		payload, err := transport.EncodeEvent(e)
		if err != nil {
			slog.ErrorContext(ctx, "failed to encode event", "error", err, "event_id", e.ID)
			continue
		}
		if err := p.bus.Publish(ctx, p.cfg.Exchange, p.cfg.DistributionKey, payload); err != nil {
			// Leave the row reserved; the lease expires and a later
			// iteration retries.
			slog.ErrorContext(ctx, "failed to publish event", "error", err, "event_id", e.ID)
			continue
		}
		published = append(published, e.ID)
	}

	if err := p.store.DeleteBatch(ctx, published); err != nil {
		return fmt.Errorf("deleting published events: %w", err)
	}

	if len(published) > 0 || len(groomed) > 0 {
		slog.DebugContext(ctx, "drain iteration complete",
			"due", len(due),
			"published", len(published),
			"groomed", len(groomed))
	}
	return nil
}

func (p *Pump) shouldGroom(e *model.Event, now time.Time) bool {
	return e.State != model.EventStateNew &&
		e.Age(now) > p.cfg.TooAged &&
		e.RetryCount > p.cfg.RetryCutoff
}
