package rules

import (
	"context"
	"sync"

	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/store"
)

// AppenderFunc enriches the rule view before condition or action evaluation
// by writing a named value into the view's Appendix. Appenders are
// side-effect free beyond the Appendix and should return an error only for
// unexpected conditions; the evaluator alerts and withholds the value, it
// never aborts the rule.
type AppenderFunc func(ctx context.Context, resultName string, view *View, args map[string]any) error

// ActionInvocation carries everything one action execution receives. The
// seal-events flag and event tags are opaque pass-through whose meaning is
// owned by the downstream event sink.
type ActionInvocation struct {
	Tx         store.Provider // stores bound to the rule's transaction
	ResultName string         // optional Appendix key for the action's result
	View       *View          // event rule view, possibly enriched
	Args       map[string]any // arguments document from the rule definition
	Source     *model.Event   // the delivered event
	SealEvents bool
	EventTags  []string
}

// ActionFunc is a named rule action. Actions run inside the rule's
// transaction: returning an error aborts the whole action batch. Actions may
// insert new events through inv.Tx, which re-enters the pipeline.
//
// The pump delivers at least once, so actions must be idempotent or tolerate
// rare duplicates.
type ActionFunc func(ctx context.Context, inv ActionInvocation) error

// Registry maps appender and action names to handlers. It is populated at
// startup; rule validation checks name resolution at load time so dispatch
// never encounters an unknown name.
type Registry struct {
	mu        sync.RWMutex
	actions   map[string]ActionFunc
	appenders map[string]AppenderFunc
}

func NewRegistry() *Registry {
	return &Registry{
		actions:   make(map[string]ActionFunc),
		appenders: make(map[string]AppenderFunc),
	}
}

func (r *Registry) RegisterAction(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

func (r *Registry) RegisterAppender(name string, fn AppenderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appenders[name] = fn
}

func (r *Registry) Action(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

func (r *Registry) Appender(name string) (AppenderFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.appenders[name]
	return fn, ok
}
