package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"contentflow/backend/internal/api"
	"contentflow/backend/internal/config"
	"contentflow/backend/internal/logging"
	"contentflow/backend/internal/mcp"
	"contentflow/backend/internal/observability"
	"contentflow/backend/internal/orchestrator"
	"contentflow/backend/internal/queue"
	"contentflow/backend/internal/repository"
	"contentflow/backend/internal/retry"
	"contentflow/backend/internal/revision"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "contentflow-server",
		Short: "Workflow orchestration engine for the content pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Path to config file")

	if err := root.Execute(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logging
	logger := logging.NewLogger()

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger.Info("Starting Content Pipeline Orchestrator")

	// Initialize database connection
	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer dbPool.Close()
	logger.Info("Database connected")

	// Initialize queue broker
	broker, err := queue.NewRedisBroker(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer broker.Close()
	logger.Info("Queue broker connected", "addr", cfg.Redis.Addr)

	// Initialize metrics
	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics initialization failed: %w", err)
	}

	// Initialize repository layer
	workflowStore := repository.NewPostgresWorkflowStore(dbPool)
	contentStore := repository.NewPostgresContentStore(dbPool)

	// Initialize service layer
	agentRetry := retry.NewPolicy(cfg.Retry.BaseDelay, cfg.Retry.Multiplier, cfg.Retry.MaxDelay)
	reviser := revision.NewService(revision.Deps{
		Contents:       contentStore,
		Workflows:      workflowStore,
		Broker:         broker,
		Logger:         logger,
		QueuePrefix:    cfg.Queues.Prefix,
		EventChannel:   cfg.Queues.EventChannel,
		MaxStepRetries: cfg.Retry.MaxStepRetries,
	})
	orch := orchestrator.New(orchestrator.Deps{
		Workflows:      workflowStore,
		Contents:       contentStore,
		Broker:         broker,
		Revisions:      reviser,
		Logger:         logger,
		Metrics:        metrics,
		QueuePrefix:    cfg.Queues.Prefix,
		EventChannel:   cfg.Queues.EventChannel,
		AgentRetry:     agentRetry,
		MaxStepRetries: cfg.Retry.MaxStepRetries,
	})
	logger.Info("Service layer initialized")

	// Start the agent message consumer
	replyQueue := queue.ReplyQueue(cfg.Queues.Prefix, cfg.Queues.OrchestratorQueue)
	consumer := orchestrator.NewConsumer(broker, orch, replyQueue, cfg.Queues.PollTimeout, logger)
	consumerErrors := make(chan error, 1)
	go func() {
		consumerErrors <- consumer.Run(ctx)
	}()

	// Create Echo server
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("contentflow"))

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiServer := api.NewServer(orch, reviser)
	apiServer.RegisterRoutes(apiGroup)
	e.GET("/health", echo.WrapHandler(http.HandlerFunc(api.HandleHealth)))
	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(orch, reviser)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case err := <-consumerErrors:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("consumer error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		// Stop the consumer, then drain the HTTP server.
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}

	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
