package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/tenantkeys/internal/bus"
	"github.com/systmms/tenantkeys/internal/config"
	"github.com/systmms/tenantkeys/pkg/usage"
)

func NewTrackCommand(cfg *config.Config) *cobra.Command {
	var (
		pair       pairFlags
		ev         usage.Event
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record one metered provider call",
		Long: `Price a provider call and publish it to the usage bus.

The cost is always computed from the service's pricing. If the bus is
unavailable the event is written to the fallback log for 'tenantkeys replay'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := cfg.Tenant(pair.tenant); err != nil {
				return err
			}
			ev.TenantID = pair.tenant
			ev.Service = pair.service

			tracked, err := a.meter.TrackUsage(ctx, ev)
			if err != nil {
				return userError(err)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), tracked)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d tokens, %s USD\n",
				tracked.TraceID, tracked.Service, tracked.TokensUsed, tracked.CostUSD.String())
			return nil
		},
	}

	pair.register(cmd)
	cmd.Flags().StringVar(&ev.UserID, "user", "", "End user the call was made for")
	cmd.Flags().StringVar(&ev.Operation, "operation", "", "Provider operation, e.g. gpt-4o or tts")
	cmd.Flags().Int64Var(&ev.TokensUsed, "tokens", 0, "Tokens, characters or seconds consumed")
	cmd.Flags().Int64Var(&ev.DurationMs, "duration-ms", 0, "Call duration in milliseconds")
	cmd.Flags().StringVar(&ev.TraceID, "trace-id", "", "Trace id (generated when empty)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the priced event as JSON")
	return cmd
}

func NewReplayCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish usage events from the fallback log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.meter.Replay(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d events, %d remaining in %s\n",
				res.Replayed, res.Remaining, a.def.Usage.FallbackLog)
			return nil
		},
	}
	return cmd
}

func NewIngestCommand(cfg *config.Config) *cobra.Command {
	var createSchema bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Consume usage events from the bus into the SQL usage log",
		Long: `Run a consumer group on the usage topic and insert every event into the
usage log. Inserts are idempotent on trace id, so redelivery is harmless.
Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			log, err := a.openUsageLog(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = log.Close() }()

			if createSchema {
				if err := log.EnsureSchema(ctx); err != nil {
					return err
				}
			}

			consumer, err := bus.NewConsumer(a.def.Bus, a.logger, a.def.Bus.UsageTopic)
			if err != nil {
				return err
			}
			defer func() { _ = consumer.Close() }()

			a.logger.Info("Ingesting %s into the %s usage log", a.def.Bus.UsageTopic, a.def.Usage.Log.Driver)
			return consumer.Run(ctx, log.Handler(a.registry))
		},
	}

	cmd.Flags().BoolVar(&createSchema, "create-schema", false, "Create the usage table if it does not exist")
	return cmd
}
