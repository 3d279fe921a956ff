package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/usage"
)

// EventSource returns the usage events recorded on a UTC day.
type EventSource interface {
	EventsForDate(ctx context.Context, date time.Time) ([]usage.Event, error)
}

// Invoicer receives the line items for one tenant and day.
type Invoicer interface {
	CreateInvoice(ctx context.Context, tenantID string, items []InvoiceLineItem, date time.Time) error
}

// Observer is told about every invoice submission.
type Observer interface {
	InvoiceSubmitted(tenantID string, items int, err error)
}

// Report summarises one reconciliation run.
type Report struct {
	Date     time.Time       `json:"date"`
	Events   int             `json:"events"`
	Excluded int             `json:"excluded_groups"`
	Invoices []TenantInvoice `json:"invoices"`
	Failed   []FailedInvoice `json:"failed,omitempty"`
}

// FailedInvoice names a tenant whose invoice was not accepted.
type FailedInvoice struct {
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// Reconciler runs daily reconciliation.
type Reconciler struct {
	source   EventSource
	invoicer Invoicer
	rules    Rules
	logger   *logging.Logger
	observer Observer
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithRules(r Rules) Option {
	return func(rc *Reconciler) {
		rc.rules = r
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(rc *Reconciler) {
		rc.logger = l
	}
}

func WithObserver(o Observer) Option {
	return func(rc *Reconciler) {
		rc.observer = o
	}
}

// NewReconciler creates a reconciler reading from source and submitting to
// invoicer.
func NewReconciler(source EventSource, invoicer Invoicer, opts ...Option) *Reconciler {
	rc := &Reconciler{
		source:   source,
		invoicer: invoicer,
		rules:    DefaultRules(),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Reconcile builds and submits the invoices for date. A failed invoice does
// not stop the remaining tenants; all failures are joined into the error
// and listed in the report.
func (rc *Reconciler) Reconcile(ctx context.Context, date time.Time) (Report, error) {
	day := usage.Day(date)
	report := Report{Date: day}

	events, err := rc.source.EventsForDate(ctx, day)
	if err != nil {
		return report, fmt.Errorf("failed to load usage events for %s: %w", day.Format(time.DateOnly), err)
	}
	report.Events = len(events)
	report.Invoices, report.Excluded = rc.rules.build(events, day)

	rc.logger.Debug("Reconciling %d events for %s into %d invoices", len(events), day.Format(time.DateOnly), len(report.Invoices))

	var errs []error
	for _, inv := range report.Invoices {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := rc.invoicer.CreateInvoice(ctx, inv.TenantID, inv.Items, day)
		if rc.observer != nil {
			rc.observer.InvoiceSubmitted(inv.TenantID, len(inv.Items), err)
		}
		if err != nil {
			rc.logger.With("tenant", inv.TenantID).Error("Invoice for %s failed: %v", day.Format(time.DateOnly), err)
			report.Failed = append(report.Failed, FailedInvoice{TenantID: inv.TenantID, Error: err.Error()})
			errs = append(errs, fmt.Errorf("invoice for tenant %s: %w", inv.TenantID, err))
			continue
		}
		rc.logger.With("tenant", inv.TenantID).Info("Invoiced %d line items totalling %s USD", len(inv.Items), inv.Total.StringFixed(2))
	}

	return report, errors.Join(errs...)
}
