// ConvoGrid server: channel gateway, orchestrator, and flow engine for
// multi-channel conversational commerce.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/convogrid/convogrid/pkg/auth"
	"github.com/convogrid/convogrid/pkg/cleanup"
	"github.com/convogrid/convogrid/pkg/config"
	"github.com/convogrid/convogrid/pkg/database"
	"github.com/convogrid/convogrid/pkg/engine"
	"github.com/convogrid/convogrid/pkg/executor"
	"github.com/convogrid/convogrid/pkg/flow"
	"github.com/convogrid/convogrid/pkg/gateway"
	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/orchestrator"
	"github.com/convogrid/convogrid/pkg/rpc"
	"github.com/convogrid/convogrid/pkg/session"
	"github.com/convogrid/convogrid/pkg/telemetry"
	"github.com/convogrid/convogrid/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Durable store (PostgreSQL). Without a DSN the engine runs on the
	// in-memory store; fine for dev, runs do not survive a restart.
	var runStore engine.RunStore = engine.NewMemoryRunStore()
	checks := map[string]gateway.HealthCheck{}
	if cfg.Postgres.DSN != "" {
		dbClient, err := database.NewClient(ctx, database.Config{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		})
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		runStore = engine.NewPGRunStore(dbClient.DB())
		checks["postgres"] = func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.DB())
			return err
		}
		slog.Info("Connected to PostgreSQL")
	} else {
		slog.Warn("No postgres.dsn configured, using in-memory run store")
	}

	// 3. Ephemeral stores (Redis). Without an address the session and auth
	// stores are in-process and cross-instance auth sync is off.
	var (
		sessions session.Store
		authSvc  auth.Service
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				slog.Error("Error closing Redis client", "error", err)
			}
		}()
		sessions = session.NewRedisStore(redisClient, cfg.SessionTTL())
		authSvc = auth.NewRedisService(redisClient, cfg.AuthTTL())
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	} else {
		sessions = session.NewMemoryStore(cfg.SessionTTL())
		authSvc = auth.NewMemoryService(cfg.AuthTTL())
		slog.Warn("No redis.addr configured, using in-memory session and auth stores")
	}

	// 4. Remote service clients
	var llmClient rpc.LLM = rpc.DisabledLLM{}
	if len(cfg.Services.LLM.Providers) > 0 {
		llmClient, err = rpc.NewLLMClient(cfg.Services.LLM.Providers)
		if err != nil {
			slog.Error("Failed to build LLM provider chain", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No LLM providers configured, language fallbacks are static")
	}
	nluClient := rpc.NewNLUClient(cfg.Services.NLU.RPC())
	searchClient := rpc.NewSearchClient(cfg.Services.Search.RPC())
	routingClient := rpc.NewRoutingClient(cfg.Services.Routing.RPC())
	zoneClient := rpc.NewZoneClient(cfg.Services.Zone.RPC())
	pricingClient := rpc.NewPricingClient(cfg.Services.Pricing.RPC())
	orderClient := rpc.NewOrderClient(cfg.Services.Order.RPC())
	placesClient := rpc.NewPlacesClient(cfg.Services.Places.RPC())
	asrClient := rpc.NewASRClient(cfg.Services.ASR.RPC())
	backendClient := rpc.NewBackendClient(cfg.Services.Backend.RPC())
	slog.Info("Service clients initialized")

	// 5. Metrics
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		slog.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// 6. Executor registry, then flow registry validated against it.
	// The orchestrator is created later; the NLU intent set is late-bound so
	// it always reflects the live flow triggers.
	var (
		orch  *orchestrator.Orchestrator
		flows *flow.Registry
	)
	intents := func() []string {
		if orch != nil {
			return orch.Intents()
		}
		if flows != nil {
			return flows.Triggers()
		}
		return nil
	}
	nluExec := executor.NewNLUExecutor(nluClient, llmClient, cfg.NLU.ConfidenceThreshold, intents)

	executors := executor.NewRegistry()
	for _, e := range []executor.Executor{
		executor.NewResponseExecutor(),
		executor.NewLLMExecutor(llmClient),
		nluExec,
		executor.NewSearchExecutor(searchClient),
		executor.NewAddressExecutor(),
		executor.NewDistanceExecutor(routingClient),
		executor.NewZoneExecutor(zoneClient),
		executor.NewPricingExecutor(pricingClient),
		executor.NewOrderExecutor(orderClient),
		executor.NewExternalSearchExecutor(placesClient),
		executor.NewSelectionExecutor(),
		executor.NewPHPAPIExecutor(backendClient),
	} {
		if err := executors.Register(e); err != nil {
			slog.Error("Failed to register executor", "executor", e.Name(), "error", err)
			os.Exit(1)
		}
	}
	executors.Close()

	flows, err = flow.NewRegistry(func() ([]*models.FlowDefinition, error) {
		return flow.Load(*configDir, executors.Has)
	}, flow.DefaultCacheTTL)
	if err != nil {
		slog.Error("Failed to load flow definitions", "error", err)
		os.Exit(1)
	}
	slog.Info("Flows and executors registered", "flows", len(flows.All()))

	// 7. Engine
	eng := engine.New(flows, executors, runStore, metrics, engine.Config{
		AutoAdvanceMax:   cfg.Engine.AutoAdvanceMax,
		TurnBudget:       cfg.TurnBudget(),
		ExecutorTimeouts: cfg.ExecutorTimeouts(),
		ExecutorRetries:  cfg.ExecutorRetries(),
	})
	if err := eng.SyncDefinitions(ctx); err != nil {
		slog.Error("Failed to sync flow definitions to storage", "error", err)
		os.Exit(1)
	}

	// 8. Orchestrator
	orch = orchestrator.New(sessions, authSvc, eng, nluExec, llmClient, metrics, orchestrator.Config{
		TriggerThreshold: cfg.Router.TriggerThreshold,
		DedupWindow:      cfg.DedupWindow(),
		LockWait:         cfg.LockWait(),
	})

	// 9. Background janitor
	janitor := cleanup.NewService(runStore, orch.Dedup(), cleanup.Config{})
	janitor.Start(ctx)
	defer janitor.Stop()

	// 10. Gateway: WebSocket manager, auth sync bridge, HTTP surface
	manager := gateway.NewConnectionManager(orch, sessions, authSvc, 10*time.Second)
	gw := gateway.New(orch, manager, asrClient, cfg.Channels.WhatsAppVerifyToken, checks)

	serveCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		if err := manager.RunAuthBridge(serveCtx); err != nil && serveCtx.Err() == nil {
			slog.Error("Auth sync bridge stopped", "error", err)
		}
	}()

	slog.Info("ConvoGrid started", "version", version.Full(), "addr", cfg.HTTPAddr())
	if err := gw.Serve(serveCtx, cfg.HTTPAddr()); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
