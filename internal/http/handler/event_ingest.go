package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"flowhook.app/automation/common/id"
	"flowhook.app/automation/internal/http/dto"
	"flowhook.app/automation/internal/model"
	"flowhook.app/automation/internal/store"
)

const defaultOrigin = "automation.api"

type EventIngestHandler struct {
	events store.EventStore
}

func NewEventIngestHandler(events store.EventStore) *EventIngestHandler {
	return &EventIngestHandler{events: events}
}

// Ingest accepts an event into the outbox. Delivery is asynchronous: the
// pump picks the row up on its next cycle, so a 202 means accepted, not
// dispatched.
func (h *EventIngestHandler) Ingest(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid ingest request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event := &model.Event{
		ID:         id.New(),
		Topic:      req.Topic,
		Origin:     defaultOrigin,
		Action:     req.Action,
		Payload:    req.Payload,
		TargetUser: req.TargetUser,
		Tags:       req.Tags,
		State:      model.EventStateNew,
		TenantID:   req.TenantID,
		CreatedAt:  time.Now().UTC(),
	}
	if req.Origin != nil && *req.Origin != "" {
		event.Origin = *req.Origin
	}

	if err := h.events.Insert(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to ingest event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest event"})
		return
	}

	c.JSON(http.StatusAccepted, dto.IngestEventResponse{EventID: event.ID})
}
