package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fluxtopus/fluxos/internal/checkpoint"
	"github.com/fluxtopus/fluxos/internal/config"
	"github.com/fluxtopus/fluxos/internal/dispatch"
	"github.com/fluxtopus/fluxos/internal/events"
	"github.com/fluxtopus/fluxos/internal/lock"
	"github.com/fluxtopus/fluxos/internal/scheduler"
	"github.com/fluxtopus/fluxos/internal/store"
	"github.com/fluxtopus/fluxos/internal/store/dbstore"
	"github.com/fluxtopus/fluxos/internal/store/redisstore"
	"github.com/fluxtopus/fluxos/internal/trigger"
	"github.com/fluxtopus/fluxos/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the engine worker process",
		Long: `worker runs the engine's background loops in one process:

  • the completion consumer that advances task trees as steps finish
  • the checkpoint expiry sweeper
  • the singleton trigger worker (elected via a distributed lock)

Multiple worker processes may run concurrently; cross-process
coordination happens through Redis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	db, err := dbstore.Open(ctx, dbstore.Dialect(cfg.Database.Dialect), cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	dual := store.NewDual(redisstore.New(client), db, store.WithLogger(logger))
	bus := events.NewRedisBus(client, events.WithLogger(logger))
	defer bus.Close()

	dispatcher := dispatch.NewRedis(client, dispatch.WithQueue(cfg.Worker.DispatchQueue))
	var sched *scheduler.Scheduler
	manager := checkpoint.NewManager(dual, db.Checkpoints(),
		checkpoint.WithPublisher(bus), checkpoint.WithLogger(logger),
		checkpoint.WithNodeFailer(func(ctx context.Context, taskID, nodeID, message string) error {
			return sched.FailNode(ctx, taskID, nodeID, message)
		}))
	sched = scheduler.New(dual, dispatcher,
		scheduler.WithPublisher(bus),
		scheduler.WithCheckpoints(manager),
		scheduler.WithLogger(logger),
		scheduler.WithMarkerTTL(cfg.Scheduler.MarkerTTL.Std()))

	sweeper := checkpoint.NewSweeper(manager,
		checkpoint.WithSweepInterval(cfg.Checkpoints.SweepInterval.Std()),
		checkpoint.WithSweeperLogger(logger),
		checkpoint.WithReschedule(func(ctx context.Context, taskID string) {
			if _, err := sched.ScheduleReadyNodes(ctx, taskID); err != nil {
				logger.Error("reschedule after checkpoint expiry failed", "task_id", taskID, "error", err)
			}
		}))

	pool := worker.NewPool(cfg.Worker.PoolSize, logger)
	consumer := worker.NewConsumer(bus, sched, pool, logger)

	registry := trigger.NewRegistry(client)
	locker := lock.NewRedisLocker(client)
	trigWorker := trigger.NewWorker(registry, locker, bus,
		func(ctx context.Context, ev events.Event, reg trigger.Registration) error {
			_, err := sched.ScheduleReadyNodes(ctx, reg.TaskID)
			return err
		},
		trigger.WithEventLockTTL(cfg.Worker.EventLockTTL.Std()),
		trigger.WithSingletonTTL(cfg.Worker.SingletonTTL.Std()),
		trigger.WithWorkerLogger(logger))

	logger.Info("fluxos worker starting",
		"redis", redisOpts.Addr, "dialect", cfg.Database.Dialect, "pool_size", cfg.Worker.PoolSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return trigWorker.Run(gctx) })
	g.Go(func() error {
		sweeper.Run(gctx)
		return gctx.Err()
	})

	err = g.Wait()
	pool.Wait()
	if err == context.Canceled {
		logger.Info("fluxos worker stopped")
		return nil
	}
	return err
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
