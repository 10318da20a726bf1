package transport

import (
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"flowhook.app/automation/internal/model"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// envelopeKindEvent discriminates event envelopes from any future payload
// kinds carried on the same bus.
const envelopeKindEvent = "event"

type envelope struct {
	Kind  string     `json:"kind"`
	Event *wireEvent `json:"event,omitempty"`
}

type wireEvent struct {
	ID         int64           `json:"id"`
	Topic      string          `json:"topic"`
	Origin     string          `json:"origin"`
	Action     *string         `json:"action,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	TargetUser *string         `json:"target_user,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	HopCount   int             `json:"hop_count,omitempty"`
	TenantID   string          `json:"tenant_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EncodeEvent frames an event for the bus. Outbox lifecycle fields (state,
// lease, retries) are deliberately not part of the wire shape: they belong
// to the store, and the event is immutable once published.
func EncodeEvent(e *model.Event) ([]byte, error) {
	env := envelope{
		Kind: envelopeKindEvent,
		Event: &wireEvent{
			ID:         e.ID,
			Topic:      e.Topic,
			Origin:     e.Origin,
			Action:     e.Action,
			Payload:    e.Payload,
			TargetUser: e.TargetUser,
			Tags:       e.Tags,
			HopCount:   e.HopCount,
			TenantID:   e.TenantID,
			CreatedAt:  e.CreatedAt,
		},
	}
	data, err := jsonCodec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding event %d: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEvent unframes a bus payload produced by EncodeEvent.
func DecodeEvent(data []byte) (*model.Event, error) {
	var env envelope
	if err := jsonCodec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Kind != envelopeKindEvent || env.Event == nil {
		return nil, fmt.Errorf("unexpected envelope kind %q", env.Kind)
	}
	w := env.Event
	return &model.Event{
		ID:         w.ID,
		Topic:      w.Topic,
		Origin:     w.Origin,
		Action:     w.Action,
		Payload:    w.Payload,
		TargetUser: w.TargetUser,
		Tags:       w.Tags,
		HopCount:   w.HopCount,
		TenantID:   w.TenantID,
		CreatedAt:  w.CreatedAt,
	}, nil
}
