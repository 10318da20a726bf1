package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ohler55/ojg/jp"
	"go.opentelemetry.io/otel/trace"

	"flowhook.app/automation/common/logger"
	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/store"
)

// Evaluator holds the condition/appender/action execution semantics shared
// by the global and per-tenant rule sets.
type Evaluator struct {
	registry *Registry
	alerter  Alerter
	debug    bool // verbose per-condition/per-action tracing
}

func NewEvaluator(registry *Registry, alerter Alerter, debug bool) *Evaluator {
	if alerter == nil {
		alerter = NewSlogAlerter()
	}
	return &Evaluator{registry: registry, alerter: alerter, debug: debug}
}

// ValidateRule checks that every appender and action name referenced by the
// rule resolves in the registry and that every condition query parses. One
// alert is raised per violation. A rule failing any check is excluded from
// the active rule set entirely; partial activation is disallowed.
func (ev *Evaluator) ValidateRule(ctx context.Context, rule *model.Rule) bool {
	valid := true

	for i, cond := range rule.Conditions {
		if _, err := jp.ParseString(cond.Query); err != nil {
			ev.alerter.Alert(ctx, "rule condition query does not parse",
				"rule", rule.Name, "condition", i, "query", cond.Query, "error", err)
			valid = false
		}
		switch cond.Check {
		case model.CheckAny, model.CheckNone, model.CheckSingle:
		default:
			ev.alerter.Alert(ctx, "rule condition has unknown check kind",
				"rule", rule.Name, "condition", i, "check", string(cond.Check))
			valid = false
		}
		if !ev.validateAppends(ctx, rule.Name, cond.AppendBefore) {
			valid = false
		}
	}

	for i, action := range rule.Actions {
		if _, ok := ev.registry.Action(action.Action); !ok {
			ev.alerter.Alert(ctx, "rule action does not resolve",
				"rule", rule.Name, "position", i, "action", action.Action)
			valid = false
		}
		if !ev.validateAppends(ctx, rule.Name, action.AppendBefore) {
			valid = false
		}
		if !ev.validateAppends(ctx, rule.Name, action.AppendAfter) {
			valid = false
		}
	}

	return valid
}

func (ev *Evaluator) validateAppends(ctx context.Context, ruleName string, appends []model.Append) bool {
	valid := true
	for _, a := range appends {
		if _, ok := ev.registry.Appender(a.Appender); !ok {
			ev.alerter.Alert(ctx, "rule appender does not resolve",
				"rule", ruleName, "appender", a.Appender)
			valid = false
		}
	}
	return valid
}

// Execute evaluates one rule against one delivered event. Conditions run in
// declared order with short-circuit AND; if they all pass, the rule's actions
// run in declared order inside a single transaction. An action error aborts
// the transaction and is returned to the caller; the caller decides whether
// sibling rules still run (they do).
func (ev *Evaluator) Execute(ctx context.Context, rule *model.Rule, event *model.Event, txRunner store.TxRunner) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Rule: logger.Ptr(rule.Name)})

	if ev.debug {
		sc := logger.StartSpan(ctx, "rules.execute",
			trace.WithSpanKind(trace.SpanKindInternal))
		defer sc.End()
		ctx = sc.Context()
	}

	view, err := NewView(event)
	if err != nil {
		return fmt.Errorf("building rule view: %w", err)
	}

	for i := range rule.Conditions {
		pass, err := ev.evalCondition(ctx, &rule.Conditions[i], view)
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		if ev.debug {
			slog.DebugContext(ctx, "condition evaluated",
				"condition", i,
				"query", rule.Conditions[i].Query,
				"pass", pass)
		}
		if !pass {
			return nil
		}
	}

	// Empty condition list trivially passes.

	return txRunner.WithTx(ctx, func(p store.Provider) error {
		for i := range rule.Actions {
			if err := ev.runAction(ctx, rule, &rule.Actions[i], event, view, p); err != nil {
				return fmt.Errorf("action %d (%s): %w", i, rule.Actions[i].Action, err)
			}
		}
		return nil
	})
}

func (ev *Evaluator) evalCondition(ctx context.Context, cond *model.RuleCondition, view *View) (bool, error) {
	ev.runAppends(ctx, cond.AppendBefore, view)

	expr, err := jp.ParseString(cond.Query)
	if err != nil {
		// Validation catches this at load time; hitting it here means the
		// rule bypassed the gate.
		return false, fmt.Errorf("parsing query %q: %w", cond.Query, err)
	}

	matches := expr.Get(view.Doc())

	var pass bool
	switch cond.Check {
	case model.CheckAny:
		pass = len(matches) > 0
	case model.CheckNone:
		pass = len(matches) == 0
	case model.CheckSingle:
		pass = len(matches) == 1
	default:
		return false, fmt.Errorf("unknown check kind %q", cond.Check)
	}

	if cond.Negate {
		pass = !pass
	}
	return pass, nil
}

func (ev *Evaluator) runAction(ctx context.Context, rule *model.Rule, action *model.RuleAction, event *model.Event, view *View, p store.Provider) error {
	ev.runAppends(ctx, action.AppendBefore, view)

	fn, ok := ev.registry.Action(action.Action)
	if !ok {
		// Unreachable for validated rules.
		return fmt.Errorf("action %q does not resolve", action.Action)
	}

	if ev.debug {
		slog.DebugContext(ctx, "invoking action",
			"action", action.Action,
			"result_name", action.ResultName,
			"seal_events", action.SealEvents)
	}

	if err := fn(ctx, ActionInvocation{
		Tx:         p,
		ResultName: action.ResultName,
		View:       view,
		Args:       action.Args,
		Source:     event,
		SealEvents: action.SealEvents,
		EventTags:  rule.EventTags,
	}); err != nil {
		return err
	}

	ev.runAppends(ctx, action.AppendAfter, view)
	return nil
}

// runAppends executes enrichment appenders. Failure of one appender alerts
// and withholds its value; it never fails the rule.
func (ev *Evaluator) runAppends(ctx context.Context, appends []model.Append, view *View) {
	for _, a := range appends {
		fn, ok := ev.registry.Appender(a.Appender)
		if !ok {
			ev.alerter.Alert(ctx, "appender does not resolve at evaluation time",
				"appender", a.Appender)
			continue
		}
		if err := fn(ctx, a.ResultName, view, a.Args); err != nil {
			ev.alerter.Alert(ctx, "appender failed, value withheld",
				"appender", a.Appender, "result_name", a.ResultName, "error", err)
		}
	}
}
