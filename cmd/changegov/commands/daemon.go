package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/changegov/pkg/orchestration"
	"github.com/openfroyo/changegov/pkg/policy"
)

func newDaemonCommand() *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the SLA sweeps on a schedule and serve metrics",
		Long: `Run reminder and escalation sweeps on their cron schedules until interrupted.

When sweeps.redis_addr is set, every sweep runs under a Redis lock so only one
daemon sweeps at a time. Metrics are served on telemetry.metrics_address and the
default-gates Rego module is reloaded on change when policy.watch is set.`,
		Example: `  # Run with a config file and sweep once at startup
  changegov daemon --config /etc/changegov/changegov.yaml --run-now`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{metrics: true})
			if err != nil {
				return err
			}
			defer a.Close()

			var opts []orchestration.RunnerOption
			if addr := a.cfg.Sweeps.RedisAddr; addr != "" {
				client := redis.NewClient(&redis.Options{
					Addr:     addr,
					Password: a.cfg.Sweeps.RedisPassword,
					DB:       a.cfg.Sweeps.RedisDB,
				})
				defer client.Close()
				if err := client.Ping(ctx).Err(); err != nil {
					return err
				}
				opts = append(opts, orchestration.WithLocker(orchestration.NewRedisLocker(client, a.cfg.Sweeps.LockTTL)))
				log.Info().Str("addr", addr).Msg("Sweeps coordinated through Redis")
			}

			runner, err := orchestration.NewRunner(a.svc.Sweeper(), a.svc.RunnerConfigSource(), orchestration.RunnerConfig{
				ReminderSpec:   a.cfg.Sweeps.ReminderSpec,
				EscalationSpec: a.cfg.Sweeps.EscalationSpec,
				MaxConcurrent:  a.cfg.Sweeps.MaxConcurrent,
				Timeout:        a.cfg.Sweeps.Timeout,
			}, opts...)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)

			if a.cfg.Policy.Watch && a.cfg.Policy.DefaultGatesPath != "" {
				loader := policy.NewLoader(a.policies, a.logger)
				if err := loader.Watch(gctx, a.cfg.Policy.DefaultGatesPath); err != nil {
					return err
				}
				defer func() { _ = loader.StopWatching() }()
			}

			if srv := a.tel.Metrics.NewServer(); srv != nil {
				g.Go(func() error {
					log.Info().Str("addr", srv.Addr).Msg("Serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			runner.Start()
			if runNow {
				for _, name := range []string{orchestration.SweepReminders, orchestration.SweepEscalations} {
					if _, err := runner.RunOnce(gctx, name); err != nil {
						log.Warn().Err(err).Str("sweep", name).Msg("Startup sweep failed")
					}
				}
			}

			g.Go(func() error {
				<-gctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Sweeps.Timeout)
				defer cancel()
				return runner.Stop(stopCtx)
			})

			log.Info().Msg("Daemon started")
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&runNow, "run-now", false, "run both sweeps once at startup")
	return cmd
}
