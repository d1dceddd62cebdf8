package commands

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/tailor/internal/api"
	"github.com/dyluth/tailor/internal/artifact"
	"github.com/dyluth/tailor/internal/broadcast"
	"github.com/dyluth/tailor/internal/bus"
	"github.com/dyluth/tailor/internal/cache"
	"github.com/dyluth/tailor/internal/config"
	"github.com/dyluth/tailor/internal/gate"
	"github.com/dyluth/tailor/internal/orchestrator"
	"github.com/dyluth/tailor/internal/printer"
	"github.com/dyluth/tailor/internal/stages"
	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its HTTP API",
	Long: `Run the pipeline coordinator, the message bus and the HTTP API.

On startup, sessions left running or blocked by a previous process are
recovered from their last checkpoint.

Configuration is read from tailor.yml (or --config) and TAILOR_* environment
variables, e.g. TAILOR_REDIS_URL or TAILOR_BUS_BACKEND=redis.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error("Invalid configuration", err.Error(), []string{
			"Check tailor.yml against the documented keys",
			"Unset TAILOR_* variables that override it",
		})
	}

	// 2. Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return printer.ErrorWithContext("Invalid Redis URL", err.Error(), map[string]string{"redis.url": cfg.Redis.URL}, nil)
	}
	bbClient, err := blackboard.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		return fmt.Errorf("failed to create blackboard client: %w", err)
	}
	defer bbClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := bbClient.Ping(ctx); err != nil {
		return printer.ErrorWithContext("Redis not accessible", err.Error(), map[string]string{"redis.url": cfg.Redis.URL}, []string{
			"Start Redis, or point TAILOR_REDIS_URL at a running server",
		})
	}

	// 3. Artifact store and message bus
	store, closeStore, err := newArtifactStore(ctx, cfg, bbClient)
	if err != nil {
		return err
	}
	defer closeStore()

	b, err := newBus(cfg, bbClient)
	if err != nil {
		return err
	}
	defer b.Close()

	// 4. Broadcaster heartbeats and cache sweeping
	streams := broadcast.New(broadcast.Options{Heartbeat: cfg.Broadcast.Heartbeat, Buffer: cfg.Broadcast.Buffer})
	go streams.Run(ctx)

	findings := cache.New[[]stages.Finding](cfg.Cache.Size, cfg.Cache.TTL)
	go findings.Run(ctx, cfg.Cache.TTL)

	// 5. Coordinator
	coord := orchestrator.New(bbClient, store, gate.NewManager(bbClient), b, streams, orchestrator.Config{
		InstanceName: cfg.Instance,
		Stages:       cfg.StageOrder(),
		Handlers:     stages.Defaults(stages.Options{Cache: findings}),
		Retry: orchestrator.RetryPolicy{
			MaxAttempts:     cfg.Pipeline.Retry.MaxAttempts,
			InitialInterval: cfg.Pipeline.Retry.InitialInterval,
			MaxInterval:     cfg.Pipeline.Retry.MaxInterval,
		},
		CheckpointAttempts: cfg.Pipeline.CheckpointAttempts,
	})

	if err := coord.Recover(ctx); err != nil {
		log.Printf("[Serve] Recovery failed, continuing with new sessions only: %v", err)
	}

	// 6. HTTP API
	srv := api.New(coord, streams, bbClient)
	if err := srv.Start(cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	printer.Success("Tailor instance '%s' serving on %s (%d stages, %s bus, %s artifacts)\n",
		cfg.Instance, cfg.HTTP.Addr, len(cfg.StageOrder()), cfg.Bus.Backend, cfg.Artifacts.Backend)

	// 7. Wait for shutdown signal
	<-ctx.Done()
	printer.Info("Shutting down...\n")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Serve] HTTP shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() {
		coord.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("[Serve] Stages still running after %s; their sessions resume from checkpoint on restart", shutdownTimeout)
	}

	printer.Success("Tailor stopped\n")
	return nil
}

// newArtifactStore returns the configured backend and a func releasing it.
func newArtifactStore(ctx context.Context, cfg *config.Config, client *blackboard.Client) (artifact.Store, func(), error) {
	if cfg.Artifacts.Backend != "postgres" {
		return artifact.NewRedisStore(client), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Artifacts.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, printer.Error("PostgreSQL not accessible", err.Error(), []string{
			"Check artifacts.postgres_url",
			"Or set artifacts.backend to redis",
		})
	}

	store := artifact.NewPostgresStore(pool, client)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func newBus(cfg *config.Config, client *blackboard.Client) (bus.Bus, error) {
	if cfg.Bus.Backend != "redis" {
		return bus.NewMemoryBus(0), nil
	}
	return bus.NewRedisBus(client.Redis(), cfg.Instance, bus.RedisOptions{
		Group:         cfg.Bus.ConsumerGroup,
		IdleThreshold: cfg.Bus.IdleThreshold,
		MaxLen:        cfg.Bus.MaxLen,
		Block:         cfg.Bus.Block,
		StartFrom:     bus.StartPosition(cfg.Bus.StartFrom),
	})
}
