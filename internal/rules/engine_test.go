package rules_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/rules"
	"flowhook.app/automation/internal/store"
	"flowhook.app/automation/internal/transport"
)

var _ = Describe("Engine", func() {
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
		ctx = context.Background()
	})

	newEngine := func(source store.RuleSource) *rules.Engine {
		return rules.NewEngine(ev, source, txRunner, nil, alerter)
	}

	ruleNamed := func(name string, priority int, topics ...string) model.Rule {
		recorder.register(registry, "action-"+name)
		return model.Rule{
			Name:     name,
			Topics:   topics,
			Priority: priority,
			Actions:  []model.RuleAction{{Action: "action-" + name}},
		}
	}

	Describe("ordering", func() {
		It("runs rules priority descending, ties in name order", func() {
			source := &store.StaticRuleSource{
				Global: []model.Rule{
					ruleNamed("zeta", 5, "issue.created"),
					ruleNamed("alpha", 5, "issue.created"),
					ruleNamed("urgent", 10, "issue.created"),
				},
			}
			engine := newEngine(source)

			event := testEvent("issue.created", "t1", `{}`)
			Expect(engine.HandleEvent(ctx, event)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{
				"action-urgent", "action-alpha", "action-zeta",
			}))
		})

		It("interleaves tenant and global rules by priority", func() {
			source := &store.StaticRuleSource{
				Global: []model.Rule{ruleNamed("global-mid", 5, "issue.created")},
				Tenants: map[string][]model.Rule{
					"t1": {
						ruleNamed("tenant-high", 9, "issue.created"),
						ruleNamed("tenant-low", 1, "issue.created"),
					},
				},
			}
			engine := newEngine(source)

			event := testEvent("issue.created", "t1", `{}`)
			Expect(engine.HandleEvent(ctx, event)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{
				"action-tenant-high", "action-global-mid", "action-tenant-low",
			}))
		})
	})

	Describe("tenant isolation", func() {
		It("never applies one tenant's rules to another tenant's events", func() {
			source := &store.StaticRuleSource{
				Tenants: map[string][]model.Rule{
					"t1": {ruleNamed("t1-only", 5, "issue.created")},
					"t2": {ruleNamed("t2-only", 5, "issue.created")},
				},
			}
			engine := newEngine(source)

			event := testEvent("issue.created", "t2", `{}`)
			Expect(engine.HandleEvent(ctx, event)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"action-t2-only"}))
		})

		It("applies global rules to every tenant", func() {
			source := &store.StaticRuleSource{
				Global: []model.Rule{ruleNamed("shared", 5, "issue.created")},
				Tenants: map[string][]model.Rule{
					"t1": {},
					"t2": {},
				},
			}
			engine := newEngine(source)

			Expect(engine.HandleEvent(ctx, testEvent("issue.created", "t1", `{}`))).To(Succeed())
			Expect(engine.HandleEvent(ctx, testEvent("issue.created", "t2", `{}`))).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"action-shared", "action-shared"}))
		})
	})

	Describe("validation gate", func() {
		It("excludes an invalid rule but keeps its valid siblings", func() {
			valid := ruleNamed("good", 5, "issue.created")
			invalid := model.Rule{
				Name:    "bad",
				Topics:  []string{"issue.created"},
				Actions: []model.RuleAction{{Action: "unregistered"}},
			}
			source := &store.StaticRuleSource{Global: []model.Rule{invalid, valid}}
			engine := newEngine(source)

			event := testEvent("issue.created", "t1", `{}`)
			Expect(engine.HandleEvent(ctx, event)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"action-good"}))
			Expect(alerter.Messages()).To(ContainElement(ContainSubstring("action does not resolve")))
		})
	})

	Describe("error isolation", func() {
		It("a failing rule does not stop its siblings and the event is consumed", func() {
			registry.RegisterAction("explode", func(context.Context, rules.ActionInvocation) error {
				return context.DeadlineExceeded
			})
			failing := model.Rule{
				Name:     "volatile",
				Topics:   []string{"issue.created"},
				Priority: 10,
				Actions:  []model.RuleAction{{Action: "explode"}},
			}
			source := &store.StaticRuleSource{
				Global: []model.Rule{failing, ruleNamed("steady", 1, "issue.created")},
			}
			engine := newEngine(source)

			event := testEvent("issue.created", "t1", `{}`)
			Expect(engine.HandleEvent(ctx, event)).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"action-steady"}))
			Expect(alerter.Messages()).To(ContainElement(ContainSubstring("rule execution failed")))
		})
	})

	Describe("tenant cache", func() {
		It("collapses concurrent first events into a single load", func() {
			source := &store.StaticRuleSource{
				Tenants: map[string][]model.Rule{
					"t1": {ruleNamed("cached", 5, "issue.created")},
				},
			}
			engine := newEngine(source)

			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					event := testEvent("issue.created", "t1", `{}`)
					Expect(engine.HandleEvent(ctx, event)).To(Succeed())
				}()
			}
			wg.Wait()

			Expect(source.LoadCount("t1")).To(Equal(1))
			Expect(recorder.names()).To(HaveLen(16))
		})

		It("reload swaps in freshly loaded rules", func() {
			source := &store.StaticRuleSource{
				Tenants: map[string][]model.Rule{
					"t1": {ruleNamed("before", 5, "issue.created")},
				},
			}
			engine := newEngine(source)

			Expect(engine.HandleEvent(ctx, testEvent("issue.created", "t1", `{}`))).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"action-before"}))

			source.Tenants["t1"] = []model.Rule{ruleNamed("after", 5, "issue.created")}
			Expect(engine.ReloadTenantRules(ctx, "t1")).To(Succeed())

			Expect(engine.HandleEvent(ctx, testEvent("issue.created", "t1", `{}`))).To(Succeed())
			Expect(recorder.names()).To(Equal([]string{"action-before", "action-after"}))
		})

		It("remove evicts the cache so the next event reloads", func() {
			source := &store.StaticRuleSource{
				Tenants: map[string][]model.Rule{
					"t1": {ruleNamed("evictable", 5, "issue.created")},
				},
			}
			engine := newEngine(source)

			Expect(engine.HandleEvent(ctx, testEvent("issue.created", "t1", `{}`))).To(Succeed())
			Expect(source.LoadCount("t1")).To(Equal(1))

			engine.RemoveTenant("t1")

			Expect(engine.HandleEvent(ctx, testEvent("issue.created", "t1", `{}`))).To(Succeed())
			Expect(source.LoadCount("t1")).To(Equal(2))
		})
	})

	Describe("warmup", func() {
		It("binds every known scope's topics into the dispatch queue", func() {
			bus := transport.NewMemoryTransport(3)
			topics := rules.NewTopicRegistry(bus, "automation")

			source := &store.StaticRuleSource{
				Global: []model.Rule{ruleNamed("g", 5, "issue.created")},
				Tenants: map[string][]model.Rule{
					"t1": {ruleNamed("t", 5, "deploy.finished")},
				},
			}
			engine := rules.NewEngine(ev, source, txRunner, topics, alerter)

			Expect(engine.Warmup(ctx)).To(Succeed())
			Expect(topics.Topics()).To(Equal([]string{"deploy.finished", "issue.created"}))
		})
	})
})
