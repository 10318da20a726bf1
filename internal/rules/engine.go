package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"flowhook.app/automation/common/logger"
	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/store"
)

// Engine resolves which rules an event triggers and runs them. Global rules
// apply to every tenant; a tenant's own rules are layered on top. Tenant rule
// sets build lazily on first event and are cached until reloaded or removed.
type Engine struct {
	evaluator *Evaluator
	source    store.RuleSource
	txRunner  store.TxRunner
	topics    *TopicRegistry
	alerter   Alerter

	mu      sync.RWMutex
	global  *RuleSet
	tenants map[string]*tenantEntry
}

// tenantEntry collapses concurrent first-event loads of the same tenant into
// one LoadTenant call.
type tenantEntry struct {
	once sync.Once
	set  *RuleSet
	err  error
}

func NewEngine(evaluator *Evaluator, source store.RuleSource, txRunner store.TxRunner, topics *TopicRegistry, alerter Alerter) *Engine {
	if alerter == nil {
		alerter = NewSlogAlerter()
	}
	return &Engine{
		evaluator: evaluator,
		source:    source,
		txRunner:  txRunner,
		topics:    topics,
		alerter:   alerter,
		tenants:   make(map[string]*tenantEntry),
	}
}

// Warmup loads the global rule set and every known tenant's rules so that all
// subscribed topics are bound before the first event arrives. Called once at
// worker startup.
func (e *Engine) Warmup(ctx context.Context) error {
	if _, err := e.globalSet(ctx); err != nil {
		return fmt.Errorf("loading global rules: %w", err)
	}

	tenants, err := e.source.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	for _, tenant := range tenants {
		if _, err := e.tenantSet(ctx, tenant); err != nil {
			return fmt.Errorf("loading rules for tenant %s: %w", tenant, err)
		}
	}
	return nil
}

// HandleEvent runs every matching rule against the event, priority
// descending, name order breaking ties, tenant and global rules interleaved.
// A rule whose actions fail is alerted and skipped; its siblings still run
// and the event is still consumed, so a flapping rule cannot wedge the topic.
// Only a rule-set load failure is returned, that one is worth a redelivery.
func (e *Engine) HandleEvent(ctx context.Context, event *model.Event) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TenantID: logger.Ptr(event.TenantID),
		EventID:  logger.Ptr(event.ID),
		Topic:    logger.Ptr(event.Topic),
	})

	matched, err := e.resolve(ctx, event)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		slog.DebugContext(ctx, "no rules match topic")
		return nil
	}

	for _, rule := range matched {
		if err := e.evaluator.Execute(ctx, rule, event, e.txRunner); err != nil {
			e.alerter.Alert(ctx, "rule execution failed",
				"rule", rule.Name, "error", err)
		}
	}
	return nil
}

// resolve gathers the tenant's and the global rules for the event's topic in
// one ordered slice.
func (e *Engine) resolve(ctx context.Context, event *model.Event) ([]*model.Rule, error) {
	global, err := e.globalSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading global rules: %w", err)
	}
	matched := append([]*model.Rule(nil), global.Matching(event.Topic)...)

	if event.TenantID != store.GlobalTenant {
		tenant, err := e.tenantSet(ctx, event.TenantID)
		if err != nil {
			return nil, fmt.Errorf("loading rules for tenant %s: %w", event.TenantID, err)
		}
		matched = append(matched, tenant.Matching(event.Topic)...)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].Name < matched[j].Name
	})
	return matched, nil
}

func (e *Engine) globalSet(ctx context.Context) (*RuleSet, error) {
	e.mu.RLock()
	set := e.global
	e.mu.RUnlock()
	if set != nil {
		return set, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.global != nil {
		return e.global, nil
	}

	set, err := e.buildSet(ctx, store.GlobalTenant)
	if err != nil {
		return nil, err
	}
	e.global = set
	return set, nil
}

func (e *Engine) tenantSet(ctx context.Context, tenantID string) (*RuleSet, error) {
	e.mu.RLock()
	entry := e.tenants[tenantID]
	e.mu.RUnlock()

	if entry == nil {
		e.mu.Lock()
		entry = e.tenants[tenantID]
		if entry == nil {
			entry = &tenantEntry{}
			e.tenants[tenantID] = entry
		}
		e.mu.Unlock()
	}

	entry.once.Do(func() {
		entry.set, entry.err = e.buildSet(ctx, tenantID)
	})
	if entry.err != nil {
		// Drop the failed entry so the next event retries the load.
		e.mu.Lock()
		if e.tenants[tenantID] == entry {
			delete(e.tenants, tenantID)
		}
		e.mu.Unlock()
		return nil, entry.err
	}
	return entry.set, nil
}

// buildSet loads, validates and indexes one scope's rules and binds their
// topics into the dispatch queue.
func (e *Engine) buildSet(ctx context.Context, tenantID string) (*RuleSet, error) {
	var (
		raw []model.Rule
		err error
	)
	if tenantID == store.GlobalTenant {
		raw, err = e.source.LoadGlobal(ctx)
	} else {
		raw, err = e.source.LoadTenant(ctx, tenantID)
	}
	if err != nil {
		return nil, err
	}

	set := newRuleSet(ctx, e.evaluator, raw)

	if e.topics != nil {
		if err := e.topics.Register(ctx, set.Topics()); err != nil {
			return nil, fmt.Errorf("binding topics: %w", err)
		}
	}

	slog.InfoContext(ctx, "rule set loaded",
		"tenant_id", tenantID,
		"rules_loaded", len(raw),
		"topics", len(set.Topics()))
	return set, nil
}

// ReloadTenantRules replaces a tenant's cached rule set with a freshly loaded
// one. Loading happens eagerly so callers (the admin API) see load errors.
func (e *Engine) ReloadTenantRules(ctx context.Context, tenantID string) error {
	if tenantID == store.GlobalTenant {
		return fmt.Errorf("tenant id is required")
	}

	set, err := e.buildSet(ctx, tenantID)
	if err != nil {
		return err
	}

	entry := &tenantEntry{set: set}
	entry.once.Do(func() {}) // mark loaded

	e.mu.Lock()
	e.tenants[tenantID] = entry
	e.mu.Unlock()
	return nil
}

// ReloadGlobalRules replaces the shared rule set.
func (e *Engine) ReloadGlobalRules(ctx context.Context) error {
	set, err := e.buildSet(ctx, store.GlobalTenant)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.global = set
	e.mu.Unlock()
	return nil
}

// RemoveTenant drops a tenant's cached rule set. The next event for that
// tenant loads from the source again. Topic bindings stay in place, an
// unbound topic would strand events already queued on it.
func (e *Engine) RemoveTenant(tenantID string) {
	e.mu.Lock()
	delete(e.tenants, tenantID)
	e.mu.Unlock()
}
