// Package main is the Trinity orchestrator entry point. One binary runs
// every service: control plane, execution engine, scheduler, supervisor,
// mediator and the agent-facing MCP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/activity"
	"github.com/webmixgamer/trinity/internal/common/config"
	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/common/tracing"
	"github.com/webmixgamer/trinity/internal/container"
	"github.com/webmixgamer/trinity/internal/db"
	"github.com/webmixgamer/trinity/internal/events/bus"
	"github.com/webmixgamer/trinity/internal/execution"
	"github.com/webmixgamer/trinity/internal/httpapi"
	"github.com/webmixgamer/trinity/internal/identity"
	"github.com/webmixgamer/trinity/internal/injection"
	"github.com/webmixgamer/trinity/internal/lifecycle"
	"github.com/webmixgamer/trinity/internal/mcpserver"
	"github.com/webmixgamer/trinity/internal/mediator"
	"github.com/webmixgamer/trinity/internal/permissions"
	"github.com/webmixgamer/trinity/internal/scheduler"
	"github.com/webmixgamer/trinity/internal/settings"
	"github.com/webmixgamer/trinity/internal/supervisor"
	ws "github.com/webmixgamer/trinity/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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
	logger.SetDefault(log)

	log.Info("Starting Trinity orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Record store: SQLite by default, Postgres when a host is configured.
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open record store", zap.Error(err))
	}
	defer pool.Close()

	settingsStore, err := settings.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize settings store", zap.Error(err))
	}
	agentStore, err := identity.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}
	graph, err := permissions.NewGraph(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize permission graph", zap.Error(err))
	}
	activityStore, err := activity.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize activity journal", zap.Error(err))
	}
	scheduleStore, err := scheduler.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize schedule store", zap.Error(err))
	}
	execStore, err := execution.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize execution store", zap.Error(err))
	}
	keyStore, err := mediator.NewKeyStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize api key store", zap.Error(err))
	}

	recorder := activity.NewRecorder(activityStore, eventBus, log)
	agentService := identity.NewService(agentStore, graph, scheduleStore, log)

	// Container runtime. The orchestrator cannot run agents without Docker.
	runtime, err := container.NewDockerRuntime(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	defer runtime.Close()
	log.Info("Connected to Docker daemon")

	builder := container.NewSpecBuilder(cfg.Docker)
	ports := container.NewPortAllocator(cfg.Docker.PortBase)
	templates := injection.NewFileTemplateResolver(filepath.Join(cfg.Docker.VolumeBasePath, "templates"))
	injector := injection.NewPipeline(builder, templates, settingsStore, log)

	lifecycleMgr := lifecycle.NewManager(
		agentService, runtime, builder, injector, graph, recorder, eventBus, ports, keyStore, log)
	if err := lifecycleMgr.Reconcile(ctx); err != nil {
		log.Error("Reconciliation failed", zap.Error(err))
	}
	remediationSub, err := lifecycleMgr.HandleRemediation()
	if err != nil {
		log.Fatal("Failed to subscribe to remediation intents", zap.Error(err))
	}
	defer remediationSub.Unsubscribe()

	engine := execution.NewEngine(
		execStore, agentStore, runtime, recorder, settingsStore, eventBus, cfg.Execution, log)
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start execution engine", zap.Error(err))
	}

	med := mediator.New(keyStore, graph, agentStore, engine, recorder, builder, log)

	sched := scheduler.New(
		scheduleStore, agentStore, engine, settingsStore, recorder, cfg.Scheduler, cfg.Execution, log)
	sched.Start()

	fleet := supervisor.New(
		agentStore, engine, execStore, runtime, lifecycleMgr, settingsStore, recorder, eventBus,
		cfg.Supervisor, log)
	fleet.Start()

	hub := ws.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)

	// Agent-facing MCP server.
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(cfg.MCP, med, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	// Control plane.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.New(
		agentService, lifecycleMgr, engine, scheduleStore, graph, settingsStore, activityStore,
		fleet, injector, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Control plane listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start control plane", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Trinity...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Control plane shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	fleet.Stop()
	sched.Stop()
	engine.Shutdown()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Trinity stopped")
}
