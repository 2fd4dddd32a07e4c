package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gantryio/gantry/pkg/config"
	"github.com/gantryio/gantry/pkg/hooks"
	"github.com/gantryio/gantry/pkg/loader"
	"github.com/gantryio/gantry/pkg/manager"
	"github.com/gantryio/gantry/pkg/observability"
	"github.com/gantryio/gantry/pkg/permissions"
	"github.com/gantryio/gantry/pkg/registry"
	"github.com/gantryio/gantry/pkg/sandbox"
	"github.com/gantryio/gantry/pkg/security"
	"github.com/gantryio/gantry/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting gantryd")

	// Shared logrus logger for the loader/validator/registry paths.
	plainLog := logrus.New()
	plainLog.SetFormatter(&logrus.JSONFormatter{})

	var metrics *observability.Metrics
	promRegistry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	// Installed catalog storage.
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize storage")
		os.Exit(1)
	}

	// Registry catalog storage, always filesystem under its own root.
	registryStore, err := storage.NewFileSystemStore(cfg.Registry.Root)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize registry storage")
		os.Exit(1)
	}

	var cache *registry.Cache
	var redisClient *redis.Client
	if cfg.Registry.CacheEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			DB:       cfg.Registry.RedisDB,
		})
		cache = registry.NewCache(redisClient, cfg.Registry.CacheTTL, plainLog, metrics)
	}

	validator := security.NewValidator(plainLog)
	registrySvc := registry.NewService(registryStore, validator, cache, plainLog, metrics)

	ldr, err := loader.New(registrySvc, plainLog)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize loader")
		os.Exit(1)
	}

	ceilings := permissions.DefaultCeilings()
	if cfg.Runtime.PolicyPath != "" {
		ceilings, err = permissions.LoadCeilings(cfg.Runtime.PolicyPath)
		if err != nil {
			logger.WithError(err).Error("Failed to load capability policy")
			os.Exit(1)
		}
	}

	mgr := manager.New(store, ldr, validator, manager.Config{
		MaxConcurrentPlugins: cfg.Runtime.MaxConcurrentPlugins,
		HookPoolSize:         cfg.Runtime.HookPoolSize,
		Budget: sandbox.Budget{
			Timeout:     cfg.Runtime.InvocationTimeout,
			MemoryLimit: cfg.Runtime.MemoryLimit,
			MaxLogSize:  sandbox.DefaultBudget().MaxLogSize,
		},
		Ceilings: ceilings,
	}, logger, metrics)

	// Seed the installed gauge from the persisted catalog.
	if metrics != nil {
		if recs, err := mgr.List(context.Background()); err == nil {
			installed := 0
			for _, rec := range recs {
				if rec.State != manager.StateDiscovered {
					installed++
				}
			}
			metrics.InstalledPlugins.Set(float64(installed))
		}
	}

	mgr.Subscribe(func(ev manager.Event) {
		logger.WithFields(map[string]interface{}{
			"event":     ev.Name,
			"plugin_id": ev.PluginID,
		}).Debug("Manager event")
	})

	// Local bundle discovery.
	if cfg.Runtime.WatchDir != "" {
		watcher, err := newDiscoveryWatcher(cfg.Runtime.WatchDir, mgr, plainLog)
		if err != nil {
			logger.WithError(err).Error("Failed to start plugin directory watcher")
			os.Exit(1)
		}
		defer watcher.Close()
	}

	// API server.
	router := mux.NewRouter()
	router.Use(panicRecovery(logger))
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	registry.NewHandler(registrySvc, plainLog).Register(router)
	newManagerHandler(mgr, logger).register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes.
	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker()
	checker.AddCheck("storage", store.HealthCheck)
	checker.AddCheck("registry_storage", registryStore.HealthCheck)
	if cache != nil {
		checker.AddOptionalCheck("cache", cache.Ping)
	}
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, promRegistry)
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	go func() {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.Infof("API server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("API server failed")
			os.Exit(1)
		}
	}()

	mgr.InvokeHook(context.Background(), hooks.AppStart, nil)

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return mgr.Shutdown(ctx)
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown failed")
		os.Exit(1)
	}
}
