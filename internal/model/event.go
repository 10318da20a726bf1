package model

import (
	"encoding/json"
	"time"
)

// EventState is the outbox lifecycle state of a persisted event.
type EventState string

const (
	// EventStateNew marks an event written by domain logic and not yet
	// picked up by the pump.
	EventStateNew EventState = "new"
	// EventStateReserved marks an event claimed by a pump iteration. The
	// reservation is only meaningful until LeaseExpiry passes.
	EventStateReserved EventState = "reserved"
)

// Event is a fact queued for distribution. It is created transactionally
// alongside the domain change that caused it and deleted once the transport
// has durably accepted it.
type Event struct {
	ID          int64           // outbox_events.id (snowflake)
	Topic       string          // dot-delimited routing string, e.g. "ws.wi.comment.event.comment_added"
	Origin      string          // who or what produced the event
	Action      *string         // optional action name attached by the producer
	Payload     json.RawMessage // opaque structured document
	TargetUser  *string         // optional user the event concerns
	Tags        []string        // free-form tag set, passed through to actions
	State       EventState
	LeaseExpiry time.Time // meaningful only while State == EventStateReserved
	RetryCount  int
	HopCount    int    // automation recursion depth, incremented per re-enqueue
	TenantID    string // owning tenant; empty means the shared tenant
	CreatedAt   time.Time
}

// Due reports whether the event is eligible for pickup at the given instant:
// either never reserved, or reserved under a lease that has expired.
func (e *Event) Due(now time.Time) bool {
	if e.State == EventStateNew {
		return true
	}
	return e.State == EventStateReserved && e.LeaseExpiry.Before(now)
}

// Age is the time since the reservation lease lapsed. Zero for events that
// were never reserved.
func (e *Event) Age(now time.Time) time.Duration {
	if e.State != EventStateReserved {
		return 0
	}
	return now.Sub(e.LeaseExpiry)
}
