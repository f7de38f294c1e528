// Package main is the entry point for the taskflow server.
// One binary runs the task store, agent sessions, planning, automation,
// and the HTTP + WebSocket API on shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/agent/skills"
	"github.com/taskflow/taskflow/internal/automation"
	"github.com/taskflow/taskflow/internal/common/config"
	"github.com/taskflow/taskflow/internal/common/httpmw"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/common/tracing"
	"github.com/taskflow/taskflow/internal/db"
	"github.com/taskflow/taskflow/internal/db/dialect"
	"github.com/taskflow/taskflow/internal/events/bus"
	gateways "github.com/taskflow/taskflow/internal/gateway/websocket"
	"github.com/taskflow/taskflow/internal/planning"
	"github.com/taskflow/taskflow/internal/session"
	"github.com/taskflow/taskflow/internal/task/handlers"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	"github.com/taskflow/taskflow/internal/task/store"
	"github.com/taskflow/taskflow/internal/toolbridge"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting taskflow server...")

	// 3. Root context, cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Event bus (in-memory by default, NATS when configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Activity timeline store
	pool, err := openActivityPool(cfg.Storage)
	if err != nil {
		log.Fatal("Failed to open activity database", zap.Error(err))
	}
	defer pool.Close()

	actStore, err := activity.NewStore(pool, cfg.Storage.Driver)
	if err != nil {
		log.Fatal("Failed to initialize activity store", zap.Error(err))
	}
	stream := activity.NewStream(log)
	act := activity.NewService(actStore, stream, log)
	log.Info("Activity store initialized", zap.String("driver", cfg.Storage.Driver))

	// 6. Task store (workspace registry + per-workspace YAML records)
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory",
			zap.String("data_dir", cfg.Storage.DataDir), zap.Error(err))
	}
	taskStore := store.New(cfg.Storage.DataDir, log)
	if err := taskStore.Load(); err != nil {
		log.Fatal("Failed to load task store", zap.Error(err))
	}

	defaults := v1.EffectivePolicy{
		ReadyLimit:       cfg.Automation.ReadyLimit,
		ExecutingLimit:   cfg.Automation.ExecutingLimit,
		BacklogToReady:   cfg.Automation.BacklogToReady,
		ReadyToExecuting: cfg.Automation.ReadyToExecuting,
	}
	tasks := taskservice.NewService(taskStore, eventBus, act, defaults, log)
	log.Info("Task service initialized", zap.String("data_dir", cfg.Storage.DataDir))

	// 7. Agent tool surface
	reg := registry.New()
	loader := skills.NewLoader(cfg.Storage.DataDir, log)

	var bridge *toolbridge.Server
	if cfg.Tools.Enabled {
		bridge = toolbridge.New(toolbridge.Config{Port: cfg.Tools.Port}, reg, log)
		if err := bridge.Start(ctx); err != nil {
			log.Fatal("Failed to start tool bridge", zap.Error(err))
		}
	} else {
		log.Warn("Tool bridge disabled; agents cannot signal completion or save plans")
	}

	// 8. Conversation factory. Without a harness command the server runs
	// against the scripted backend, which accepts prompts and emits
	// nothing; useful for exercising the API without an agent installed.
	var factory sdk.Factory
	if cfg.Agent.Command != "" {
		command := append([]string{cfg.Agent.Command}, cfg.Agent.Args...)
		endpoint := ""
		if bridge != nil {
			endpoint = bridge.SSEEndpoint()
		}
		processFactory, err := sdk.NewProcessFactory(command, endpoint, log)
		if err != nil {
			log.Fatal("Failed to configure agent harness", zap.Error(err))
		}
		factory = processFactory
		log.Info("Agent harness configured",
			zap.String("command", cfg.Agent.Command),
			zap.String("tools_endpoint", endpoint))
	} else {
		log.Warn("No agent harness configured (agent.command is empty); using the scripted backend")
		factory = sdk.NewFakeFactory()
	}

	// 9. Session manager
	sessCfg := session.DefaultConfig()
	sessCfg.Watchdog = session.WatchdogConfig{
		NoFirstEvent:  cfg.Watchdog.NoFirstEventDuration(),
		StreamSilence: cfg.Watchdog.StreamSilenceDuration(),
		ToolExecution: cfg.Watchdog.ToolExecutionDuration(),
		PostTool:      cfg.Watchdog.PostToolDuration(),
		MaxTurn:       cfg.Watchdog.MaxTurnDurationDuration(),
	}
	sessCfg.EchoDedupWindow = cfg.Watchdog.EchoDedupWindow()
	sessCfg.HeartbeatInterval = cfg.Agent.HeartbeatIntervalDuration()
	sessCfg.DefaultThinkingLevel = cfg.Agent.DefaultThinkingLevel
	sessCfg.PlanningThinkingLevel = cfg.Planning.ThinkingLevel
	manager := session.NewManager(factory, tasks, act, reg, loader, sessCfg, log)

	// 10. Planning pipeline
	planCfg := planning.DefaultConfig()
	planCfg.Timeout = cfg.Planning.TimeoutDuration()
	planCfg.MaxToolCalls = cfg.Planning.MaxToolCalls
	planCfg.MaxReadBytes = int64(cfg.Planning.MaxReadBytes)
	planCfg.CompactionTimeout = cfg.Planning.CompactionTimeoutDuration()
	pipeline := planning.NewPipeline(manager, tasks, act, reg, eventBus, planCfg, log)

	// 11. Automation controller (queue + workflow policy)
	ctrl := automation.NewController(tasks, manager, act, eventBus, automation.Config{
		KickBackoff: cfg.Automation.KickBackoffDuration(),
	}, log)
	manager.SetQueueKick(ctrl.Kick)
	if err := ctrl.Start(ctx); err != nil {
		log.Fatal("Failed to start automation controller", zap.Error(err))
	}
	log.Info("Automation controller started")

	// Leases left behind by a previous process mean executions died with
	// it; record the interruption and clear them before serving.
	manager.ReconcileLeases(ctx)

	// 12. WebSocket gateway
	gateway := gateways.NewGateway(stream, log)
	go gateway.Hub.Run(ctx)

	// 13. HTTP server (REST + WebSocket endpoints)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "taskflow"))
	router.Use(httpmw.OtelTracing("taskflow"))
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)
	handlers.RegisterWorkspaceRoutes(router, gateway.Dispatcher, tasks, log)
	handlers.RegisterTaskRoutes(router, gateway.Dispatcher, tasks, log)
	handlers.RegisterAgentRoutes(router, tasks, manager, pipeline, log)
	handlers.RegisterActivityRoutes(router, tasks, act, manager, log)
	handlers.RegisterAutomationRoutes(router, gateway.Dispatcher, ctrl, log)
	handlers.RegisterAttachmentRoutes(router, tasks, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "taskflow",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("http", "/api/v1"),
			zap.String("health", "/health"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down taskflow server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	// 14. Ordered teardown. Running conversations are not drained: the
	// execution leases they hold are reconciled on the next boot.
	ctrl.Close()
	if bridge != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := bridge.Stop(stopCtx); err != nil {
			log.Error("Tool bridge stop error", zap.Error(err))
		}
		cancel()
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("taskflow stopped")
}

// openActivityPool opens the timeline database for the configured driver.
// SQLite gets split writer/reader handles so reads never queue behind the
// single writer; postgres shares one pool for both.
func openActivityPool(cfg config.StorageConfig) (*db.Pool, error) {
	switch cfg.Driver {
	case dialect.PGX:
		pg, err := db.OpenPostgres(cfg.DatabaseDSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		handle := sqlx.NewDb(pg, dialect.PGX)
		return db.NewPool(handle, handle), nil
	default:
		writer, err := db.OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.SQLitePath())
		if err != nil {
			writer.Close()
			return nil, err
		}
		return db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
	}
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
