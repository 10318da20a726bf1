package store

import (
	"context"
	"errors"
	"time"

	"flowhook.app/automation/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// EventStore is the outbox collection contract. Domain logic inserts events
// transactionally with its own writes; only the pump mutates state, lease and
// retry fields; rows are deleted once the transport has the event or the
// grooming policy drops it.
type EventStore interface {
	Insert(ctx context.Context, event *model.Event) error
	Get(ctx context.Context, id int64) (*model.Event, error)
	// ListDue returns events with state=new, or state=reserved whose lease
	// expired before the cutoff.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.Event, error)
	// Reserve persists state, lease-expiry and retry-count for the given
	// events, ignoring any concurrent version: last writer wins for these
	// fields only. This is a deliberate relaxation of optimistic concurrency,
	// safe because only pumps touch them.
	Reserve(ctx context.Context, events []model.Event) error
	DeleteBatch(ctx context.Context, ids []int64) error
}

// RuleSource loads rule content keyed by tenant. Rule authoring is not part
// of this system; reload is triggered externally.
type RuleSource interface {
	// LoadGlobal returns the shared rule set applied to every tenant.
	LoadGlobal(ctx context.Context) ([]model.Rule, error)
	// LoadTenant returns the rules owned by one tenant.
	LoadTenant(ctx context.Context, tenantID string) ([]model.Rule, error)
	// ListTenants returns every tenant that owns at least one rule. Used at
	// startup to warm topic bindings before traffic arrives.
	ListTenants(ctx context.Context) ([]string, error)
}

// Provider exposes the stores available inside one transaction scope.
// Rule actions receive a Provider bound to their rule's transaction so that
// events they enqueue commit or roll back with the action batch.
type Provider interface {
	Events() EventStore
}

// TxRunner runs functions within a transaction and provides stores bound to
// that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(p Provider) error) error
}
