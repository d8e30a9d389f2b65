package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/castwork/castwork/pkg/httpapi"
	"github.com/castwork/castwork/pkg/policy"
	"github.com/castwork/castwork/pkg/recipes"
	"github.com/castwork/castwork/pkg/scheduler"
)

func newServeCommand(info buildInfo) *cobra.Command {
	var (
		addr       string
		withWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API and, depending on the scheduler mode, the execution workers.

On start the server:
  - Opens and migrates the store
  - Syncs recipe presets (recipes.sync_on_start)
  - Starts the scheduler and the stale execution sweeper
  - Watches preset and policy paths when configured

In redis mode executions are left to 'castwork worker' unless --with-worker is set.`,
		Example: `  # Serve with the default castwork.yaml
  castwork serve

  # Serve on another address with an explicit config
  castwork serve --config /etc/castwork/castwork.yaml --addr :9090

  # Serve and consume the Redis queue in the same process
  castwork serve --with-worker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), info, addr, withWorker)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "consume the Redis queue in this process (redis mode)")

	return cmd
}

func runServe(ctx context.Context, info buildInfo, addr string, withWorker bool) error {
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

	if addr != "" {
		a.cfg.Server.Addr = addr
	}
	if err := a.withScheduler(ctx, a.cfg.Scheduler.Mode); err != nil {
		return err
	}

	if err := a.startRecipeSync(ctx); err != nil {
		return err
	}
	if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := policy.NewWatcher(a.policy, a.cfg.Policy.Paths, a.logger).Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Scheduler.SweeperEnabled {
		sweeper, err := scheduler.NewSweeper(a.store, a.scheduler, a.cfg.Scheduler.Sweeper, a.tel)
		if err != nil {
			return err
		}
		sweeper.SetStepTimeouts(a.engine.Executor())
		sweeper.Start()
		defer sweeper.Stop(context.Background())
	}

	if a.queue != nil && withWorker {
		worker := scheduler.NewRedisWorker(a.queue, a.engine, "", a.cfg.Scheduler.Pool, a.tel)
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	server, err := httpapi.NewServer(httpapi.Options{
		Control:         a.control,
		Recipes:         a.store,
		Health:          a.store,
		Telemetry:       a.tel,
		Addr:            a.cfg.Server.Addr,
		ReadTimeout:     a.cfg.Server.ReadTimeout,
		WriteTimeout:    a.cfg.Server.WriteTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		RateLimit:       a.cfg.Server.RateLimit,
		RateBurst:       a.cfg.Server.RateBurst,
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	log.Info().
		Str("addr", a.cfg.Server.Addr).
		Str("store", a.cfg.Store.Driver).
		Str("scheduler", string(a.cfg.Scheduler.Mode)).
		Str("version", info.Version).
		Msg("castwork server started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("castwork server stopped")
	return nil
}

// startRecipeSync syncs presets once and starts the preset watcher when enabled.
func (a *app) startRecipeSync(ctx context.Context) error {
	if len(a.cfg.Recipes.Paths) == 0 {
		return nil
	}
	syncer := recipes.NewSyncer(a.store, a.registry, existingPaths(a.cfg.Recipes.Paths), a.logger)

	if a.cfg.Recipes.SyncOnStart {
		results, err := syncer.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to sync recipes: %w", err)
		}
		log.Info().Int("recipes", len(results)).Msg("Recipe presets synced")
	}
	if a.cfg.Recipes.Watch {
		return syncer.Watch(ctx)
	}
	return nil
}

// existingPaths drops configured preset paths that do not exist.
func existingPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			log.Warn().Str("path", p).Msg("Recipe path not found, skipping")
			continue
		}
		out = append(out, p)
	}
	return out
}
