package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/invoicing"
	"github.com/systmms/tenantkeys/pkg/billing"
	"github.com/systmms/tenantkeys/pkg/usage"
)

func NewReconcileCommand(cfg *config.Config) *cobra.Command {
	var (
		dateStr    string
		source     string
		dryRun     bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Build and submit invoices for one day of usage",
		Long: `Aggregate a UTC day of usage events per tenant and service into invoice
line items and submit them to the invoicing collaborator.

Reconciliation is computed from the usage log every time, so rerunning a
day produces the same line items.

Examples:
  tenantkeys reconcile --date 2025-03-01
  tenantkeys reconcile --source fallback --dry-run --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDay(dateStr, time.Now())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			events, closeSource, err := a.eventSource(ctx, source)
			if err != nil {
				return err
			}
			defer closeSource()

			rules := billing.DefaultRules().
				WithRegistry(a.registry).
				WithComponentCodes(a.def.Billing.ComponentCodes)
			rules.Threshold = a.def.Billing.Threshold()
			rules.AccountCode = a.def.Billing.AccountCode

			var invoicer billing.Invoicer
			if dryRun {
				invoicer = invoicing.NewLogInvoicer(a.logger)
			} else {
				token, err := a.secretValue(ctx, "invoicing.token", a.def.Invoicing.Token)
				if err != nil {
					return err
				}
				invoicer, err = invoicing.New(a.def.Invoicing, token, a.logger)
				if err != nil {
					return dserrors.ConfigError{Field: "invoicing", Message: err.Error()}
				}
			}

			rc := billing.NewReconciler(events, invoicer,
				billing.WithRules(rules),
				billing.WithLogger(a.logger),
				billing.WithObserver(a.metrics),
			)
			report, runErr := rc.Reconcile(ctx, date)

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events, %d invoices, %d groups below threshold, %d failed\n",
					report.Date.Format(time.DateOnly), report.Events, len(report.Invoices), report.Excluded, len(report.Failed))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&dateStr, "date", "", "UTC day to reconcile, YYYY-MM-DD (default: yesterday)")
	cmd.Flags().StringVar(&source, "source", "auto", "Event source: log, fallback or auto")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the invoices instead of submitting them")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the reconciliation report as JSON")
	return cmd
}

// eventSource picks where reconciliation reads events from. auto prefers
// the SQL usage log and falls back to the local fallback log.
func (a *app) eventSource(ctx context.Context, source string) (billing.EventSource, func(), error) {
	nop := func() {}

	if source == "auto" {
		source = "fallback"
		if a.def.Usage.Log.Driver != "" {
			source = "log"
		}
	}

	switch source {
	case "log":
		log, err := a.openUsageLog(ctx)
		if err != nil {
			return nil, nop, err
		}
		return log, func() { _ = log.Close() }, nil
	case "fallback":
		a.logger.Warn("Reconciling from the fallback log %s; events already published are not included", a.def.Usage.FallbackLog)
		return usage.NewFallbackLog(a.def.Usage.FallbackLog, usage.WithFallbackLogger(a.logger)), nop, nil
	default:
		return nil, nop, dserrors.UserError{
			Message:    fmt.Sprintf("Unknown event source %q", source),
			Suggestion: "Use --source log, fallback or auto",
		}
	}
}
