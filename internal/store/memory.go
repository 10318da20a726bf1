package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowhook.app/automation/internal/model"
)

// MemoryEventStore is an in-process outbox used by tests and local
// development. It mirrors the Postgres store's semantics including the
// last-writer-wins reservation relaxation.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[int64]model.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[int64]model.Event)}
}

func (s *MemoryEventStore) Insert(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = cloneEvent(*event)
	return nil
}

func (s *MemoryEventStore) Get(_ context.Context, id int64) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneEvent(e)
	return &out, nil
}

func (s *MemoryEventStore) ListDue(_ context.Context, cutoff time.Time, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.Event
	for _, e := range s.events {
		if e.State == model.EventStateNew ||
			(e.State == model.EventStateReserved && e.LeaseExpiry.Before(cutoff)) {
			due = append(due, cloneEvent(e))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryEventStore) Reserve(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		current, ok := s.events[e.ID]
		if !ok {
			continue
		}
		current.State = e.State
		current.LeaseExpiry = e.LeaseExpiry
		current.RetryCount = e.RetryCount
		s.events[e.ID] = current
	}
	return nil
}

func (s *MemoryEventStore) DeleteBatch(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.events, id)
	}
	return nil
}

// Len reports the number of stored events. Test helper.
func (s *MemoryEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func cloneEvent(e model.Event) model.Event {
	out := e
	out.Payload = append([]byte(nil), e.Payload...)
	out.Tags = append([]string(nil), e.Tags...)
	return out
}

// MemoryTxRunner provides transaction semantics over a MemoryEventStore:
// inserts made inside the function are staged and applied only when it
// returns nil, so rule-action batches roll back the way they do on Postgres.
type MemoryTxRunner struct {
	Store *MemoryEventStore
}

func NewMemoryTxRunner(store *MemoryEventStore) *MemoryTxRunner {
	return &MemoryTxRunner{Store: store}
}

func (r *MemoryTxRunner) WithTx(ctx context.Context, fn func(p Provider) error) error {
	staged := &stagedEvents{base: r.Store}
	if err := fn(staged); err != nil {
		return err
	}
	for i := range staged.inserted {
		if err := r.Store.Insert(ctx, &staged.inserted[i]); err != nil {
			return err
		}
	}
	return nil
}

type stagedEvents struct {
	base     *MemoryEventStore
	inserted []model.Event
}

func (s *stagedEvents) Events() EventStore { return s }

func (s *stagedEvents) Insert(_ context.Context, event *model.Event) error {
	s.inserted = append(s.inserted, cloneEvent(*event))
	return nil
}

func (s *stagedEvents) Get(ctx context.Context, id int64) (*model.Event, error) {
	for i := range s.inserted {
		if s.inserted[i].ID == id {
			out := cloneEvent(s.inserted[i])
			return &out, nil
		}
	}
	return s.base.Get(ctx, id)
}

func (s *stagedEvents) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.Event, error) {
	return s.base.ListDue(ctx, cutoff, limit)
}

func (s *stagedEvents) Reserve(ctx context.Context, events []model.Event) error {
	return s.base.Reserve(ctx, events)
}

func (s *stagedEvents) DeleteBatch(ctx context.Context, ids []int64) error {
	return s.base.DeleteBatch(ctx, ids)
}

// StaticRuleSource serves fixed rule sets from memory. Test helper.
type StaticRuleSource struct {
	Global  []model.Rule
	Tenants map[string][]model.Rule

	mu         sync.Mutex
	loadCounts map[string]int
}

func (s *StaticRuleSource) LoadGlobal(_ context.Context) ([]model.Rule, error) {
	return s.Global, nil
}

func (s *StaticRuleSource) LoadTenant(_ context.Context, tenantID string) ([]model.Rule, error) {
	s.mu.Lock()
	if s.loadCounts == nil {
		s.loadCounts = make(map[string]int)
	}
	s.loadCounts[tenantID]++
	s.mu.Unlock()
	return s.Tenants[tenantID], nil
}

func (s *StaticRuleSource) ListTenants(_ context.Context) ([]string, error) {
	tenants := make([]string, 0, len(s.Tenants))
	for id := range s.Tenants {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// LoadCount reports how often a tenant's rules were loaded. Test helper for
// asserting the per-tenant initialization lock collapses concurrent loads.
func (s *StaticRuleSource) LoadCount(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCounts[tenantID]
}
