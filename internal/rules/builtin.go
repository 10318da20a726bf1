package rules

import (
	"context"
	"fmt"
	"time"

	"flowhook.app/automation/common/id"
	"flowhook.app/automation/internal/model"
)

// Built-in appender and action names available to every rule set.
const (
	ActionNoOp         = "no_op"
	ActionEnqueueEvent = "enqueue_event"

	AppenderNow    = "now"
	AppenderStatic = "static"
)

// enqueueOrigin marks events created by rule actions, as opposed to events
// ingested from outside.
const enqueueOrigin = "automation.rules"

// RegisterBuiltins installs the built-in actions and appenders. maxHops
// bounds event chains created by enqueue_event: an event whose hop count
// would exceed it is alerted and dropped instead of inserted, which breaks
// rule cycles without failing the rule.
func RegisterBuiltins(r *Registry, maxHops int, alerter Alerter) {
	if alerter == nil {
		alerter = NewSlogAlerter()
	}

	r.RegisterAction(ActionNoOp, func(context.Context, ActionInvocation) error {
		return nil
	})
	r.RegisterAction(ActionEnqueueEvent, enqueueEvent(maxHops, alerter))

	r.RegisterAppender(AppenderNow, func(_ context.Context, resultName string, view *View, _ map[string]any) error {
		view.Append(resultName, time.Now().UTC().Format(time.RFC3339))
		return nil
	})
	r.RegisterAppender(AppenderStatic, func(_ context.Context, resultName string, view *View, args map[string]any) error {
		value, ok := args["value"]
		if !ok {
			return fmt.Errorf("static appender needs a value argument")
		}
		view.Append(resultName, value)
		return nil
	})
}

// enqueueEvent inserts a follow-up event through the rule's transaction, so
// it commits or rolls back with the rest of the action batch. The new event
// inherits the tenant and carries the rule's event tags; its hop count is the
// source's plus one.
func enqueueEvent(maxHops int, alerter Alerter) ActionFunc {
	return func(ctx context.Context, inv ActionInvocation) error {
		topic, _ := inv.Args["topic"].(string)
		if topic == "" {
			return fmt.Errorf("enqueue_event needs a topic argument")
		}

		hop := inv.Source.HopCount + 1
		if maxHops > 0 && hop > maxHops {
			alerter.Alert(ctx, "event chain exceeds hop bound, dropping follow-up",
				"topic", topic,
				"source_event", inv.Source.ID,
				"hop_count", hop)
			return nil
		}

		event := &model.Event{
			ID:        id.New(),
			Topic:     topic,
			Origin:    enqueueOrigin,
			State:     model.EventStateNew,
			HopCount:  hop,
			TenantID:  inv.Source.TenantID,
			Tags:      append([]string(nil), inv.EventTags...),
			CreatedAt: time.Now().UTC(),
		}
		if action, ok := inv.Args["action"].(string); ok && action != "" {
			event.Action = &action
		}
		if target, ok := inv.Args["target_user"].(string); ok && target != "" {
			event.TargetUser = &target
		}
		if payload, ok := inv.Args["payload"]; ok {
			raw, err := jsonCodec.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshalling payload argument: %w", err)
			}
			event.Payload = raw
		}

		if err := inv.Tx.Events().Insert(ctx, event); err != nil {
			return fmt.Errorf("inserting follow-up event: %w", err)
		}
		if inv.ResultName != "" {
			inv.View.Append(inv.ResultName, event.ID)
		}
		return nil
	}
}
