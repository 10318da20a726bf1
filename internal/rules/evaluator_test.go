package rules_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/rules"
	"flowhook.app/automation/internal/store"
)

func testEvent(topic, tenantID string, payload string) *model.Event {
	return &model.Event{
		ID:       1001,
		Topic:    topic,
		Origin:   "test",
		Payload:  json.RawMessage(payload),
		State:    model.EventStateNew,
		TenantID: tenantID,
	}
}

// actionRecorder registers a named action that records each invocation.
type actionRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *actionRecorder) register(registry *rules.Registry, name string) {
	registry.RegisterAction(name, func(_ context.Context, _ rules.ActionInvocation) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return nil
	})
}

func (r *actionRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

var _ = Describe("Evaluator", func() {
	var (
		registry *rules.Registry
		alerter  *rules.CaptureAlerter
		ev       *rules.Evaluator
		eventDB  *store.MemoryEventStore
		txRunner *store.MemoryTxRunner
		recorder *actionRecorder
		ctx      context.Context
	)

	BeforeEach(func() {
		registry = rules.NewRegistry()
		alerter = &rules.CaptureAlerter{}
		ev = rules.NewEvaluator(registry, alerter, false)
		eventDB = store.NewMemoryEventStore()
		txRunner = store.NewMemoryTxRunner(eventDB)
		recorder = &actionRecorder{}
		recorder.register(registry, "record")
		ctx = context.Background()
	})

	Describe("conditions", func() {
		It("runs actions when every condition matches", func() {
			rule := &model.Rule{
				Name:   "open-issues",
				Topics: []string{"issue.updated"},
				Conditions: []model.RuleCondition{
					{Query: "$.status", Check: model.CheckAny},
					{Query: "$.assignee", Check: model.CheckAny},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.updated", "t1", `{"status":"open","assignee":"kim"}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})

		It("skips actions when a condition fails", func() {
			rule := &model.Rule{
				Name: "needs-assignee",
				Conditions: []model.RuleCondition{
					{Query: "$.assignee", Check: model.CheckAny},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.updated", "t1", `{"status":"open"}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(BeEmpty())
		})

		It("short-circuits: later conditions are not evaluated after a miss", func() {
			var secondRan bool
			registry.RegisterAppender("probe", func(_ context.Context, name string, view *rules.View, _ map[string]any) error {
				secondRan = true
				view.Append(name, true)
				return nil
			})

			rule := &model.Rule{
				Name: "short-circuit",
				Conditions: []model.RuleCondition{
					{Query: "$.missing", Check: model.CheckAny},
					{
						Query:        "$.status",
						Check:        model.CheckAny,
						AppendBefore: []model.Append{{Appender: "probe", ResultName: "probe"}},
					},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.updated", "t1", `{"status":"open"}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(secondRan).To(BeFalse())
			Expect(recorder.names()).To(BeEmpty())
		})

		It("negate inverts the check outcome", func() {
			rule := &model.Rule{
				Name: "no-assignee-yet",
				Conditions: []model.RuleCondition{
					{Query: "$.assignee", Check: model.CheckAny, Negate: true},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.created", "t1", `{"status":"open"}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})

		It("single requires exactly one match", func() {
			rule := &model.Rule{
				Name: "one-reviewer",
				Conditions: []model.RuleCondition{
					{Query: "$.reviewers[*]", Check: model.CheckSingle},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}

			two := testEvent("review.requested", "t1", `{"reviewers":["a","b"]}`)
			Expect(ev.Execute(ctx, rule, two, txRunner)).To(Succeed())
			Expect(recorder.names()).To(BeEmpty())

			one := testEvent("review.requested", "t1", `{"reviewers":["a"]}`)
			Expect(ev.Execute(ctx, rule, one, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})

		It("none passes only when nothing matches", func() {
			rule := &model.Rule{
				Name: "not-archived",
				Conditions: []model.RuleCondition{
					{Query: "$.archived_at", Check: model.CheckNone},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("project.updated", "t1", `{"name":"p"}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})

		It("an empty condition list passes trivially", func() {
			rule := &model.Rule{
				Name:    "always",
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("anything", "t1", `{}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})

		It("queries see envelope fields layered over the payload", func() {
			rule := &model.Rule{
				Name: "by-envelope",
				Conditions: []model.RuleCondition{
					{Query: "$.TenantId", Check: model.CheckAny},
					{Query: "$.Topic", Check: model.CheckSingle},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.created", "t1", `{"Topic":"spoofed"}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})
	})

	Describe("appenders", func() {
		It("makes appended values visible to later conditions", func() {
			registry.RegisterAppender("flag", func(_ context.Context, name string, view *rules.View, _ map[string]any) error {
				view.Append(name, "yes")
				return nil
			})

			rule := &model.Rule{
				Name: "uses-appendix",
				Conditions: []model.RuleCondition{
					{
						Query:        "$.Appendix.flagged",
						Check:        model.CheckAny,
						AppendBefore: []model.Append{{Appender: "flag", ResultName: "flagged"}},
					},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.created", "t1", `{}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})

		It("tolerates a failing appender: alert raised, rule continues", func() {
			registry.RegisterAppender("broken", func(context.Context, string, *rules.View, map[string]any) error {
				return errors.New("upstream unavailable")
			})

			rule := &model.Rule{
				Name: "tolerant",
				Conditions: []model.RuleCondition{
					{
						Query:        "$.status",
						Check:        model.CheckAny,
						AppendBefore: []model.Append{{Appender: "broken", ResultName: "extra"}},
					},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.created", "t1", `{"status":"open"}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
			Expect(alerter.Messages()).To(ContainElement(ContainSubstring("appender failed")))
		})
	})

	Describe("actions", func() {
		It("an action error aborts the whole batch", func() {
			registry.RegisterAction("insert-then-fail", func(c context.Context, inv rules.ActionInvocation) error {
				if err := inv.Tx.Events().Insert(c, &model.Event{ID: 7, Topic: "t", TenantID: "t1"}); err != nil {
					return err
				}
				return errors.New("boom")
			})

			rule := &model.Rule{
				Name:    "rollback",
				Actions: []model.RuleAction{{Action: "insert-then-fail"}},
			}
			event := testEvent("issue.created", "t1", `{}`)

			err := ev.Execute(ctx, rule, event, txRunner)
			Expect(err).To(MatchError(ContainSubstring("boom")))
			Expect(eventDB.Len()).To(BeZero(), "staged insert must roll back with the failed batch")
		})

		It("actions run in declared order", func() {
			for _, name := range []string{"first", "second", "third"} {
				recorder.register(registry, name)
			}

			rule := &model.Rule{
				Name: "ordered",
				Actions: []model.RuleAction{
					{Action: "first"},
					{Action: "second"},
					{Action: "third"},
				},
			}
			event := testEvent("issue.created", "t1", `{}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"first", "second", "third"}))
		})
	})

	Describe("validation", func() {
		It("rejects a rule with an unparsable query", func() {
			rule := &model.Rule{
				Name: "malformed",
				Conditions: []model.RuleCondition{
					{Query: "$[", Check: model.CheckAny},
				},
			}
			Expect(ev.ValidateRule(ctx, rule)).To(BeFalse())
			Expect(alerter.Messages()).To(ContainElement(ContainSubstring("does not parse")))
		})

		It("rejects a rule naming an unknown action", func() {
			rule := &model.Rule{
				Name:    "ghost-action",
				Actions: []model.RuleAction{{Action: "nope"}},
			}
			Expect(ev.ValidateRule(ctx, rule)).To(BeFalse())
			Expect(alerter.Messages()).To(ContainElement(ContainSubstring("action does not resolve")))
		})

		It("rejects a rule naming an unknown appender", func() {
			rule := &model.Rule{
				Name: "ghost-appender",
				Conditions: []model.RuleCondition{
					{
						Query:        "$.x",
						Check:        model.CheckAny,
						AppendBefore: []model.Append{{Appender: "nope"}},
					},
				},
			}
			Expect(ev.ValidateRule(ctx, rule)).To(BeFalse())
		})

		It("accepts a well-formed rule", func() {
			rule := &model.Rule{
				Name: "fine",
				Conditions: []model.RuleCondition{
					{Query: "$.status", Check: model.CheckAny},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			Expect(ev.ValidateRule(ctx, rule)).To(BeTrue())
			Expect(alerter.Messages()).To(BeEmpty())
		})
	})

	Describe("built-ins", func() {
		BeforeEach(func() {
			rules.RegisterBuiltins(registry, 4, alerter)
		})

		It("enqueue_event inserts a follow-up inside the action transaction", func() {
			rule := &model.Rule{
				Name:      "chain",
				EventTags: []string{"automated"},
				Actions: []model.RuleAction{{
					Action: rules.ActionEnqueueEvent,
					Args: map[string]any{
						"topic":   "followup.created",
						"payload": map[string]any{"reason": "chained"},
					},
				}},
			}
			event := testEvent("issue.created", "t1", `{}`)
			event.HopCount = 2

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(eventDB.Len()).To(Equal(1))

			due, err := eventDB.ListDue(ctx, farFuture(), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(due).To(HaveLen(1))
			Expect(due[0].Topic).To(Equal("followup.created"))
			Expect(due[0].TenantID).To(Equal("t1"))
			Expect(due[0].HopCount).To(Equal(3))
			Expect(due[0].Tags).To(Equal([]string{"automated"}))
		})

		It("enqueue_event drops the follow-up past the hop bound", func() {
			rule := &model.Rule{
				Name: "runaway",
				Actions: []model.RuleAction{{
					Action: rules.ActionEnqueueEvent,
					Args:   map[string]any{"topic": "followup.created"},
				}},
			}
			event := testEvent("issue.created", "t1", `{}`)
			event.HopCount = 4

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(eventDB.Len()).To(BeZero())
			Expect(alerter.Messages()).To(ContainElement(ContainSubstring("hop bound")))
		})

		It("now and static appenders populate the appendix", func() {
			rule := &model.Rule{
				Name: "enriched",
				Conditions: []model.RuleCondition{
					{
						Query: "$.Appendix.tier",
						Check: model.CheckAny,
						AppendBefore: []model.Append{
							{Appender: rules.AppenderNow, ResultName: "at"},
							{Appender: rules.AppenderStatic, ResultName: "tier", Args: map[string]any{"value": "gold"}},
						},
					},
				},
				Actions: []model.RuleAction{{Action: "record"}},
			}
			event := testEvent("issue.created", "t1", `{}`)

			Expect(ev.Execute(ctx, rule, event, txRunner)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"record"}))
		})
	})
})

func farFuture() time.Time {
	return time.Now().Add(365 * 24 * time.Hour)
}
