// Package notify forwards alert events to an external sink. The pipeline
// treats delivery as fire-and-forget; a failed send is logged, never fatal.
package notify

import (
	"context"

	"logward/internal/domain"
)

// Alert is one reportable security event.
type Alert struct {
	IP       string
	ProxyIP  string
	Country  string
	Category string
	Reason   string
	Action   string
	Source   string
	Risk     domain.RiskLevel
}

type Notifier interface {
	// SendAlert reports a detection and the action taken.
	SendAlert(ctx context.Context, alert Alert) error

	// SendEnrichment delivers follow-up forensics for an earlier alert.
	SendEnrichment(ctx context.Context, alert Alert, details string) error
}

// Nop is used when no webhook is configured.
type Nop struct{}

func (Nop) SendAlert(context.Context, Alert) error              { return nil }
func (Nop) SendEnrichment(context.Context, Alert, string) error { return nil }
