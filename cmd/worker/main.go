package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"flowhook.app/automation/common/id"
	"flowhook.app/automation/common/logger"
	"flowhook.app/automation/common/otel"
	"flowhook.app/automation/core/config"
	"flowhook.app/automation/core/db"
	"flowhook.app/automation/internal/http/handler"
	"flowhook.app/automation/internal/http/middleware"
	httprouter "flowhook.app/automation/internal/http/router"
	"flowhook.app/automation/internal/rules"
	"flowhook.app/automation/internal/store"
	"flowhook.app/automation/internal/transport"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
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

	slog.InfoContext(ctx, "worker starting",
		"env", cfg.Env,
		"service", cfg.OTel.ServiceName,
		"consumer", cfg.Bus.Consumer)

	// Different node ID than the pump so both can create IDs concurrently.
	if err := id.Init(2); err != nil {
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
		Consumer:      cfg.Bus.Consumer,
		DLQStream:     cfg.Bus.DLQStream,
		BatchSize:     cfg.Bus.BatchSize,
		Block:         cfg.Bus.Block,
		MaxAttempts:   cfg.Bus.MaxAttempts,
		MinIdle:       5 * time.Minute,
		ClaimInterval: time.Minute,
	})
	defer bus.Close()

	if err := bus.DeclareExchange(ctx, cfg.Bus.ExchangeName, transport.ExchangeDirect); err != nil {
		slog.ErrorContext(ctx, "failed to declare exchange", "error", err)
		os.Exit(1)
	}

	stores := store.NewStores(database.Pool())

	var ruleSource store.RuleSource
	if cfg.Rules.ContentDir != "" {
		ruleSource = store.NewFileRuleSource(cfg.Rules.ContentDir)
		slog.InfoContext(ctx, "using on-disk rule content", "dir", cfg.Rules.ContentDir)
	} else {
		ruleSource = store.NewPostgresRuleSource(database.Pool())
	}

	registry := rules.NewRegistry()
	alerter := rules.NewSlogAlerter()
	rules.RegisterBuiltins(registry, cfg.Rules.MaxHops, alerter)

	evaluator := rules.NewEvaluator(registry, alerter, cfg.Rules.DebugTracing)
	topics := rules.NewTopicRegistry(bus, cfg.Bus.ExchangeName)
	engine := rules.NewEngine(evaluator, ruleSource, store.NewTxRunner(database), topics, alerter)
	dispatcher := rules.NewDispatcher(bus, cfg.Bus.ExchangeName, engine)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- dispatcher.Run(runCtx)
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, stores, engine)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.InfoContext(ctx, "shutting down...")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "dispatcher error, shutting down", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, stores *store.Stores, engine *rules.Engine) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	ingest := handler.NewEventIngestHandler(stores.Events())
	admin := handler.NewAdminHandler(engine, cfg.AdminAPIKey)
	httprouter.SetupRoutes(router, ingest, admin)

	return router
}

const banner = `
 █████╗ ██╗   ██╗████████╗ ██████╗     ██╗    ██╗ ██████╗ ██████╗ ██╗  ██╗███████╗██████╗
██╔══██╗██║   ██║╚══██╔══╝██╔═══██╗    ██║    ██║██╔═══██╗██╔══██╗██║ ██╔╝██╔════╝██╔══██╗
███████║██║   ██║   ██║   ██║   ██║    ██║ █╗ ██║██║   ██║██████╔╝█████╔╝ █████╗  ██████╔╝
██╔══██║██║   ██║   ██║   ██║   ██║    ██║███╗██║██║   ██║██╔══██╗██╔═██╗ ██╔══╝  ██╔══██╗
██║  ██║╚██████╔╝   ██║   ╚██████╔╝    ╚███╔███╔╝╚██████╔╝██║  ██║██║  ██╗███████╗██║  ██║
╚═╝  ╚═╝ ╚═════╝    ╚═╝    ╚═════╝      ╚═══╝╚═══╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
`
