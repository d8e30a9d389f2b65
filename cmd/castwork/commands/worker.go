package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/castwork/castwork/pkg/scheduler"
)

func newWorkerCommand(info buildInfo) *cobra.Command {
	var (
		name        string
		concurrency int
		sweep       bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the Redis execution queue",
		Long: `Run executions scheduled onto the Redis queue by 'castwork serve'.

Each worker keeps a processing list named after --name (default: hostname).
Executions left in it by a crashed worker are requeued when a worker with the
same name starts again. Metrics are served on telemetry.metrics.listen_address.`,
		Example: `  # Run a worker with eight concurrent executions
  castwork worker --concurrency 8

  # Run a named worker that also sweeps stale executions
  castwork worker --name worker-a --sweep`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), info, name, concurrency, sweep)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "worker name for the processing list (default: hostname)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent executions (overrides scheduler.pool.workers)")
	cmd.Flags().BoolVar(&sweep, "sweep", false, "run the stale execution sweeper in this process")

	return cmd
}

func runWorker(ctx context.Context, info buildInfo, name string, concurrency int, sweep bool) error {
	a, err := newApp(ctx, info)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown finished with errors")
		}
	}()

	if a.cfg.Scheduler.Mode != scheduler.ModeRedis {
		return fmt.Errorf("worker requires scheduler.mode %q, got %q", scheduler.ModeRedis, a.cfg.Scheduler.Mode)
	}
	if err := a.withScheduler(ctx, scheduler.ModeRedis); err != nil {
		return err
	}

	pool := a.cfg.Scheduler.Pool
	if concurrency > 0 {
		pool.Workers = concurrency
	}

	if sweep {
		sweeper, err := scheduler.NewSweeper(a.store, a.scheduler, a.cfg.Scheduler.Sweeper, a.tel)
		if err != nil {
			return err
		}
		sweeper.SetStepTimeouts(a.engine.Executor())
		sweeper.Start()
		defer sweeper.Stop(context.Background())
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Telemetry.Metrics.Enabled {
		srv, err := a.tel.Metrics.NewMetricsServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	worker := scheduler.NewRedisWorker(a.queue, a.engine, name, pool, a.tel)
	g.Go(func() error {
		return worker.Run(gctx)
	})

	return g.Wait()
}
