package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/tether/internal/api"
	"github.com/livinlefevreloca/tether/internal/config"
	"github.com/livinlefevreloca/tether/internal/db"
	"github.com/livinlefevreloca/tether/internal/history"
	"github.com/livinlefevreloca/tether/internal/logging"
	"github.com/livinlefevreloca/tether/internal/netmon"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/remote"
	"github.com/livinlefevreloca/tether/internal/scheduler"
	"github.com/livinlefevreloca/tether/internal/store"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "daemon",
	Short:   "Run the sync daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, closer, err := logging.New(cfg.Logging, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runDaemon(ctx, cfg, logger)
	},
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting tether", "config_file", configPath)

	logger.Info("opening database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if version, err := database.SchemaVersion(); err == nil {
		logger.Info("database schema ready", "version", version)
	}

	st, err := store.Open(db.NewKV(database))
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	q, err := queue.New(st, cfg.Queue, queue.SystemClock, logger.With("component", "queue"))
	if err != nil {
		return fmt.Errorf("failed to load sync queue: %w", err)
	}

	client, err := remote.NewHTTPClient(cfg.Remote)
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}

	monitor, manual, err := netmon.NewFromConfig(cfg.Network, logger.With("component", "netmon"))
	if err != nil {
		return fmt.Errorf("failed to create network monitor: %w", err)
	}
	defer monitor.Stop()

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:   st,
		Queue:   q,
		Remote:  client,
		Network: monitor,
	}, cfg.OrchestratorConfig(), logger.With("component", "orchestrator"))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// Run history: orchestrator runs -> recorder -> sync_runs
	runs := history.NewDBAdapter(database)
	recorder, err := history.NewRecorder(cfg.History, logger.With("component", "history"))
	if err != nil {
		return fmt.Errorf("failed to create history recorder: %w", err)
	}
	recorder.Start(runs)
	followDone := make(chan struct{})
	runSub := orch.SubscribeRuns(cfg.Orchestrator.EventBuffer)
	go func() {
		defer close(followDone)
		recorder.Follow(runSub)
	}()

	sched, err := scheduler.New(cfg.Orchestrator.SyncSchedule, orch, logger.With("component", "scheduler"))
	if err != nil {
		return err
	}

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start network monitor: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := sched.Start(); err != nil {
		orch.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Listen != "" {
		deps := api.Deps{Syncer: orch, History: runs}
		if manual != nil {
			deps.Network = manual
		}
		server, err := api.NewServer(cfg.API, deps, logger.With("component", "api"))
		if err != nil {
			orch.Close()
			return err
		}
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return server.Shutdown(context.Background())
		})
	}

	logger.Info("tether is running",
		"sync_strategy", cfg.Orchestrator.SyncStrategy,
		"conflict_strategy", cfg.Conflict.Strategy,
		"network_mode", cfg.Network.Mode,
		"queued", q.Len())

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	logger.Info("shutting down gracefully")
	<-sched.Stop().Done()
	orch.Close()
	<-followDone
	if err := recorder.Shutdown(); err != nil {
		logger.Warn("history shutdown incomplete", "error", err)
	}

	logger.Info("tether stopped", "queued", q.Len())
	return runErr
}

func init() {
	rootCmd.AddCommand(runCmd)
}
