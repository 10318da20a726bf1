package rules

import (
	"context"
	"log/slog"
	"sync"
)

// Alerter receives operational alerts: rule definition defects, action
// failures, enrichment failures, groomed events. None of this core is
// user-facing; alerts are how failures surface to operational tooling.
type Alerter interface {
	Alert(ctx context.Context, msg string, args ...any)
}

type slogAlerter struct{}

// NewSlogAlerter raises alerts as error-level log records.
func NewSlogAlerter() Alerter {
	return slogAlerter{}
}

func (slogAlerter) Alert(ctx context.Context, msg string, args ...any) {
	slog.ErrorContext(ctx, msg, args...)
}

// CaptureAlerter records alert messages. Test helper.
type CaptureAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *CaptureAlerter) Alert(_ context.Context, msg string, _ ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *CaptureAlerter) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}
