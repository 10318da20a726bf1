package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"flowhook.app/automation/common/id"
	"flowhook.app/automation/common/logger"
	"flowhook.app/automation/common/otel"
	"flowhook.app/automation/core/config"
	"flowhook.app/automation/core/db"
	"flowhook.app/automation/internal/outbox"
	"flowhook.app/automation/internal/store"
	"flowhook.app/automation/internal/transport"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypePump)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "pump starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Bus.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "exchange", cfg.Bus.ExchangeName)

	bus := transport.NewRedisTransport(redisClient, transport.RedisConfig{
		Consumer:      cfg.Bus.Consumer + "-bridge",
		DLQStream:     cfg.Bus.DLQStream,
		BatchSize:     cfg.Bus.BatchSize,
		Block:         cfg.Bus.Block,
		MaxAttempts:   cfg.Bus.MaxAttempts,
		MinIdle:       5 * time.Minute,
		ClaimInterval: time.Minute,
	})
	defer bus.Close()

	stores := store.NewStores(database.Pool())

	pump := outbox.NewPump(stores.Events(), bus, outbox.Config{
		Exchange:        cfg.Bus.ExchangeName,
		DistributionKey: cfg.Bus.Distribution,
		PollInterval:    cfg.Pump.PollInterval,
		ReenqueueLease:  cfg.Pump.ReenqueueLease,
		RetryCutoff:     cfg.Pump.RetryCutoff,
		TooAged:         cfg.Pump.TooAged,
		BatchSize:       int(cfg.Bus.BatchSize),
	})
	bridge := outbox.NewBridge(bus, cfg.Bus.ExchangeName, cfg.Bus.Distribution)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- pump.Run(runCtx)
	}()
	go func() {
		errCh <- bridge.Run(runCtx)
	}()

	slog.InfoContext(ctx, "pump and bridge running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.InfoContext(ctx, "shutting down...")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "runtime error, shutting down", "error", err)
		}
	}

	cancel()
	pump.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

const banner = `
 █████╗ ██╗   ██╗████████╗ ██████╗     ██████╗ ██╗   ██╗███╗   ███╗██████╗
██╔══██╗██║   ██║╚══██╔══╝██╔═══██╗    ██╔══██╗██║   ██║████╗ ████║██╔══██╗
███████║██║   ██║   ██║   ██║   ██║    ██████╔╝██║   ██║██╔████╔██║██████╔╝
██╔══██║██║   ██║   ██║   ██║   ██║    ██╔═══╝ ██║   ██║██║╚██╔╝██║██╔═══╝
██║  ██║╚██████╔╝   ██║   ╚██████╔╝    ██║     ╚██████╔╝██║ ╚═╝ ██║██║
╚═╝  ╚═╝ ╚═════╝    ╚═╝    ╚═════╝     ╚═╝      ╚═════╝ ╚═╝     ╚═╝╚═╝
`
