package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so business context (tenant_id, event_id,
// topic, rule) is included in all log statements without touching each call site.
type LogFields struct {
	TenantID  *string // owning tenant of the event being processed
	EventID   *int64  // outbox event ID
	Topic     *string // event topic (e.g., "ws.wi.comment.event.comment_added")
	Rule      *string // rule currently being evaluated
	MessageID *string // transport delivery ID
	Component string  // component name (OTel semantic convention style, e.g., "automation.outbox.pump")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.TenantID != nil {
		result.TenantID = next.TenantID
	}
	if next.EventID != nil {
		result.EventID = next.EventID
	}
	if next.Topic != nil {
		result.Topic = next.Topic
	}
	if next.Rule != nil {
		result.Rule = next.Rule
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{EventID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like queries or payloads.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
