// Package invoicing delivers reconciled line items to the invoicing
// collaborator.
package invoicing

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/tenantkeys/internal/config"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/billing"
)

// Reference is the idempotency key for one tenant's invoice on one day.
func Reference(tenantID string, date time.Time) string {
	return fmt.Sprintf("AI-USAGE-%s-%s", tenantID, date.UTC().Format(time.DateOnly))
}

// New builds the invoicer selected by cfg. token is the resolved bearer
// token for webhook delivery.
func New(cfg config.InvoicingConfig, token string, logger *logging.Logger) (billing.Invoicer, error) {
	switch cfg.Type {
	case "", "log":
		return NewLogInvoicer(logger), nil
	case "webhook":
		w := NewWebhookInvoicer(WebhookConfig{
			URL:     cfg.URL,
			Token:   token,
			Timeout: cfg.Timeout,
			Retry:   &RetryConfig{MaxAttempts: cfg.MaxRetries},
		})
		if err := w.Validate(); err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported invoicing type: %s", cfg.Type)
	}
}

// LogInvoicer writes invoices to the log instead of a remote system.
type LogInvoicer struct {
	logger *logging.Logger
}

func NewLogInvoicer(logger *logging.Logger) *LogInvoicer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogInvoicer{logger: logger}
}

func (l *LogInvoicer) CreateInvoice(_ context.Context, tenantID string, items []billing.InvoiceLineItem, date time.Time) error {
	log := l.logger.With("reference", Reference(tenantID, date))
	log.Info("Invoice for %s with %d line items", tenantID, len(items))
	for _, item := range items {
		log.With("component", item.ComponentCode).With("account", item.AccountCode).
			Info("%s x%d @ %s", item.Description, item.Quantity, item.UnitAmount.String())
	}
	return nil
}
