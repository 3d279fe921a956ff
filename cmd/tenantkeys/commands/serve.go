package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/tenantkeys/internal/bus"
	"github.com/systmms/tenantkeys/internal/config"
	"github.com/systmms/tenantkeys/internal/metrics"
	"github.com/systmms/tenantkeys/internal/rotation"
)

func NewServeCommand(cfg *config.Config) *cobra.Command {
	var (
		listen      string
		replayEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled rotation, fallback replay and the metrics endpoint",
		Long: `Run the long-lived parts of tenantkeys until interrupted:

  - rotation schedules from the 'rotation:' section
  - periodic replay of the usage fallback log
  - Prometheus metrics and /health when 'metrics.enabled' is set`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.def.Metrics.Enabled || listen != "" {
				mcfg := a.def.Metrics
				if listen != "" {
					mcfg.Listen = listen
				}
				srv := metrics.NewServer(mcfg, nil, a.logger)
				if kp, ok := a.publisher.(*bus.KafkaPublisher); ok {
					srv.AddHealthCheck("bus", func(ctx context.Context) error {
						if !kp.Healthy(ctx) {
							return errBusUnreachable
						}
						return nil
					})
				}
				if err := srv.Start(); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Stop(shutdownCtx)
				}()
			}

			scheduler, err := a.startRotation()
			if err != nil {
				return err
			}
			defer scheduler.Stop()

			var ticks <-chan time.Time
			if replayEvery > 0 {
				ticker := time.NewTicker(replayEvery)
				defer ticker.Stop()
				ticks = ticker.C
			}

			a.logger.Info("Serving with %d rotation schedules", len(scheduler.Scheduled()))
			for {
				select {
				case <-ctx.Done():
					a.logger.Info("Shutting down")
					return nil
				case <-ticks:
					if _, err := a.meter.Replay(ctx); err != nil {
						a.logger.Warn("Fallback replay failed: %v", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&listen, "metrics-listen", "", "Serve metrics on this address even if metrics are disabled in config")
	cmd.Flags().DurationVar(&replayEvery, "replay-every", 5*time.Minute, "Replay the fallback log at this interval (0 disables)")
	return cmd
}

// startRotation arms every configured rotation schedule.
func (a *app) startRotation() (*rotation.Scheduler, error) {
	scheduler := rotation.NewScheduler(a.manager, rotation.WithLogger(a.logger))
	if !a.def.Rotation.Enabled {
		return scheduler, nil
	}

	for _, s := range a.def.Rotation.Schedules {
		if _, err := a.registry.Lookup(s.Service); err != nil {
			scheduler.Stop()
			return nil, userError(err)
		}
		t, err := a.cfg.Tenant(s.Tenant)
		if err != nil {
			scheduler.Stop()
			return nil, err
		}
		pair := rotation.Pair{Service: s.Service, Tenant: t}
		if err := scheduler.Schedule(pair, a.def.Rotation.ScheduleInterval(s)); err != nil {
			scheduler.Stop()
			return nil, err
		}
	}
	return scheduler, nil
}
