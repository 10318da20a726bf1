package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"flowhook.app/automation/internal/http/handler"
	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/rules"
	"flowhook.app/automation/internal/store"
)

var _ = Describe("AdminHandler", func() {
	const adminAPIKey = "test-admin-key"

	var (
		router *gin.Engine
		source *store.StaticRuleSource
		engine *rules.Engine
	)

	newEngine := func() *rules.Engine {
		registry := rules.NewRegistry()
		alerter := &rules.CaptureAlerter{}
		rules.RegisterBuiltins(registry, 4, alerter)
		ev := rules.NewEvaluator(registry, alerter, false)
		txRunner := store.NewMemoryTxRunner(store.NewMemoryEventStore())
		return rules.NewEngine(ev, source, txRunner, nil, alerter)
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		source = &store.StaticRuleSource{
			Tenants: map[string][]model.Rule{
				"acme": {{
					Name:    "noop",
					Topics:  []string{"issue.created"},
					Actions: []model.RuleAction{{Action: rules.ActionNoOp}},
				}},
			},
		}
		engine = newEngine()

		router = gin.New()
		h := handler.NewAdminHandler(engine, adminAPIKey)
		admin := router.Group("/admin")
		admin.Use(h.RequireAdminAPIKey())
		{
			admin.POST("/rules/reload", h.ReloadGlobalRules)
			admin.POST("/tenants/:tenant/rules/reload", h.ReloadTenantRules)
			admin.DELETE("/tenants/:tenant", h.RemoveTenant)
		}
	})

	request := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set("X-Admin-API-Key", key)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	Describe("authentication", func() {
		It("rejects requests without a key", func() {
			rec := request(http.MethodPost, "/admin/tenants/acme/rules/reload", "")
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects requests with a wrong key", func() {
			rec := request(http.MethodPost, "/admin/tenants/acme/rules/reload", "wrong")
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("accepts the key via Authorization bearer token", func() {
			req := httptest.NewRequest(http.MethodPost, "/admin/tenants/acme/rules/reload", nil)
			req.Header.Set("Authorization", "Bearer "+adminAPIKey)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("rule reload", func() {
		It("reloads a tenant's rules on demand", func() {
			rec := request(http.MethodPost, "/admin/tenants/acme/rules/reload", adminAPIKey)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"tenant_id":"acme"`))
			Expect(source.LoadCount("acme")).To(Equal(1))
		})

		It("reloads the global rules on demand", func() {
			rec := request(http.MethodPost, "/admin/rules/reload", adminAPIKey)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("surfaces a load failure as a server error", func() {
			rec := request(http.MethodPost, "/admin/tenants//rules/reload", adminAPIKey)
			// Tenant path param is empty; the engine refuses the reload.
			Expect(rec.Code).NotTo(Equal(http.StatusOK))
		})
	})

	Describe("tenant removal", func() {
		It("evicts the tenant's cached rules", func() {
			event := &model.Event{ID: 1, Topic: "issue.created", TenantID: "acme", Payload: []byte(`{}`)}
			Expect(engine.HandleEvent(context.Background(), event)).To(Succeed())
			Expect(source.LoadCount("acme")).To(Equal(1))

			rec := request(http.MethodDelete, "/admin/tenants/acme", adminAPIKey)
			Expect(rec.Code).To(Equal(http.StatusOK))

			Expect(engine.HandleEvent(context.Background(), event)).To(Succeed())
			Expect(source.LoadCount("acme")).To(Equal(2))
		})
	})
})
