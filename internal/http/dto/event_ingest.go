package dto

import "encoding/json"

type IngestEventRequest struct {
	Topic      string          `json:"topic" binding:"required"`
	TenantID   string          `json:"tenant_id" binding:"required"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
	Origin     *string         `json:"origin,omitempty"`
	Action     *string         `json:"action,omitempty"`
	TargetUser *string         `json:"target_user,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
}

type IngestEventResponse struct {
	EventID int64 `json:"event_id"`
}
