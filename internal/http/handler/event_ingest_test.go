package handler_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"flowhook.app/automation/common/id"
	"flowhook.app/automation/internal/http/handler"
	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/store"
)

var _ = Describe("EventIngestHandler", func() {
	var (
		router  *gin.Engine
		eventDB *store.MemoryEventStore
	)

	BeforeEach(func() {
		Expect(id.Init(1)).To(Succeed())
		gin.SetMode(gin.TestMode)
		eventDB = store.NewMemoryEventStore()

		router = gin.New()
		h := handler.NewEventIngestHandler(eventDB)
		router.POST("/api/v1/events/ingest", h.Ingest)
	})

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events/ingest", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("accepts a well-formed event into the outbox", func() {
		rec := post(`{
			"topic": "issue.created",
			"tenant_id": "acme",
			"payload": {"title": "hello"},
			"tags": ["manual"]
		}`)
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(rec.Body.String()).To(ContainSubstring("event_id"))

		due, err := eventDB.ListDue(context.Background(), time.Now().Add(time.Hour), 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		Expect(due[0].Topic).To(Equal("issue.created"))
		Expect(due[0].TenantID).To(Equal("acme"))
		Expect(due[0].State).To(Equal(model.EventStateNew))
		Expect(due[0].Tags).To(Equal([]string{"manual"}))
	})

	It("rejects a request missing required fields", func() {
		rec := post(`{"payload": {}}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(eventDB.Len()).To(BeZero())
	})

	It("rejects a request with a malformed body", func() {
		rec := post(`not json`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
