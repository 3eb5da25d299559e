package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
	"github.com/edgecomet/solver-gateway/internal/common/config"
	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
	logutil "github.com/edgecomet/solver-gateway/internal/common/logger"
	"github.com/edgecomet/solver-gateway/internal/common/metricsserver"
	"github.com/edgecomet/solver-gateway/internal/common/redis"
	"github.com/edgecomet/solver-gateway/internal/gateway/backend"
	"github.com/edgecomet/solver-gateway/internal/gateway/browser"
	"github.com/edgecomet/solver-gateway/internal/gateway/cache"
	"github.com/edgecomet/solver-gateway/internal/gateway/cleanup"
	"github.com/edgecomet/solver-gateway/internal/gateway/dispatcher"
	"github.com/edgecomet/solver-gateway/internal/gateway/fingerprint"
	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/internal/gateway/limiter"
	"github.com/edgecomet/solver-gateway/internal/gateway/metrics"
	"github.com/edgecomet/solver-gateway/internal/gateway/server"
	"github.com/edgecomet/solver-gateway/internal/gateway/session"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("c", "configs/solver-gateway.yaml",
		"Path to solver gateway configuration file")
	flag.Parse()

	// Reconfigured from the config file below
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	configMgr, err := config.NewConfigManager(absPath, initialLogger.Logger)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := configMgr.GetConfig()

	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	logger := dynamicLogger.Logger

	logger.Info("Solver Gateway starting",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Listen),
		zap.String("mode", cfg.Backend.Mode),
		zap.Int("concurrency", cfg.Backend.Concurrency),
		zap.String("cache_backend", cfg.Cache.Backend))

	clk := clock.Real{}

	var (
		redisClient *redis.Client
		redisProbe  server.HealthProbe
	)
	if cfg.Cache.Backend == configtypes.CacheBackendRedis {
		redisClient, err = redis.NewClient(&cfg.Redis, dynamicLogger.Component("redis"))
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		redisProbe = redisClient
	}

	store, err := cache.NewStore(cfg.Cache, redisClient, clk, dynamicLogger.Component("cache"))
	if err != nil {
		logger.Fatal("Failed to create cache store", zap.Error(err))
	}

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, dynamicLogger.Component("metrics"))

	// Remote mode routes to configured instances; browser mode exposes the
	// local Chrome pool as one pseudo-instance
	var (
		client    backend.Client
		instances []instance.Instance
		browserBE *browser.Backend
		restarter cleanup.Restarter
		poolStats server.BrowserStats
	)
	switch cfg.Backend.Mode {
	case configtypes.BackendModeBrowser:
		browserBE, err = browser.New(cfg, dynamicLogger.Component("browser"))
		if err != nil {
			logger.Fatal("Failed to start Chrome pool", zap.Error(err))
		}
		browserBE.SetObserver(metricsCollector)
		client = browserBE
		instances = []instance.Instance{browserBE.Instance()}
		restarter = browserBE
		poolStats = browserBE
	default:
		client = backend.NewFastHTTPClient(
			time.Duration(cfg.Backend.MaxTimeout),
			time.Duration(cfg.Backend.Grace),
			dynamicLogger.Component("backend"))
		instances = instance.FromConfig(cfg.Backend.Instances)
	}

	selector := instance.NewSelector(instances, dynamicLogger.Component("selector"))

	var healthChecker *instance.HealthChecker
	if cfg.Backend.Health.Enabled {
		healthChecker = instance.NewHealthChecker(selector, client, cfg.Backend.Health, dynamicLogger.Component("health"))
		healthChecker.SetObserver(metricsCollector)
		healthChecker.Start()
	}

	registry := session.NewRegistry(backend.NewSessionRemote(client), clk, dynamicLogger.Component("session"))
	registry.SetObserver(metricsCollector)

	admission := limiter.New(cfg.Backend.Concurrency)
	metricsCollector.RegisterLimiter(cfg.Metrics.Namespace, admission.Stats)

	disp := dispatcher.New(dispatcher.ConfigFrom(cfg), dispatcher.Deps{
		Cache:    store,
		Deriver:  fingerprint.NewDeriver(cfg.Fingerprint),
		Registry: registry,
		Selector: selector,
		Client:   client,
		Limiter:  admission,
		Metrics:  metricsCollector,
	}, dynamicLogger.Component("dispatcher"))

	var memory *cleanup.MemoryMonitor
	if cfg.Cleanup.Memory.Enabled {
		memory = cleanup.NewMemoryMonitor(cfg.Cleanup.Memory.ThresholdMB)
	}

	cleanupWorker := cleanup.NewWorker(cleanup.Config{
		Interval: time.Duration(cfg.Cleanup.Interval),
		IdleTTL:  time.Duration(cfg.Sessions.IdleTTL),
	}, cleanup.Deps{
		Registry:  registry,
		Store:     store,
		Clock:     clk,
		Memory:    memory,
		Restarter: restarter,
		Metrics:   metricsCollector,
	}, dynamicLogger.Component("cleanup"))
	cleanupWorker.Start()

	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	srv := server.New(cfg.Server, server.Options{
		Version:    version,
		Mode:       cfg.Backend.Mode,
		SampleKeys: cfg.Cache.SampleKeys,
		Timeout:    config.CalculateServerTimeout(cfg),
	}, server.Deps{
		Dispatcher:  disp,
		Registry:    registry,
		Selector:    selector,
		Cache:       store,
		Limiter:     admission,
		Maintenance: cleanupWorker,
		Memory:      memory,
		Browser:     poolStats,
		Redis:       redisProbe,
		Clock:       clk,
	}, dynamicLogger.Component("server"))

	if err := srv.Start(); err != nil {
		logger.Fatal("HTTP server failed to start", zap.Error(err))
	}

	logger.Info("Solver Gateway ready",
		zap.String("listen", srv.Addr()),
		zap.Int("instances", len(instances)))

	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Received shutdown signal, shutting down gracefully", zap.String("signal", sig.String()))

	// Stop taking new commands, then fail whatever is still queued
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.CalculateServerTimeout(cfg))
	defer shutdownCancel()

	admission.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Error("Dispatcher shutdown error", zap.Error(err))
	}

	cleanupWorker.Shutdown()
	if healthChecker != nil {
		healthChecker.Shutdown()
	}

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	destroyed := registry.DestroyAll(teardownCtx, session.ReasonShutdown)
	teardownCancel()
	logger.Info("Sessions released", zap.Int("count", len(destroyed)))

	if browserBE != nil {
		browserBE.Shutdown()
	}

	if err := metricsServer.Shutdown(); err != nil {
		logger.Error("Metrics server shutdown error", zap.Error(err))
	}

	logger.Info("Solver Gateway stopped")
	_ = logger.Sync()
}
