package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/credlink/stampd/internal/api"
	"github.com/credlink/stampd/internal/audit"
	"github.com/credlink/stampd/internal/controller"
	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/provider/rfc3161"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/results"
	"github.com/credlink/stampd/internal/shared/auth"
	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/database"
	"github.com/credlink/stampd/internal/shared/events"
	"github.com/credlink/stampd/internal/shared/logging"
	"github.com/credlink/stampd/internal/shared/metrics"
	secmiddleware "github.com/credlink/stampd/internal/shared/middleware"
	"github.com/credlink/stampd/internal/status"
	"github.com/credlink/stampd/internal/tsa"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    *events.Bus
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("stampd", cfg.Server.Env)
	app := &App{Config: cfg}

	// Database backs the backlog queue, deferred results, and the policy
	// version archive. Without it the service runs on in-memory stores,
	// which is only suitable for development.
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Warn("database not available, using in-memory stores", "error", err)
	} else {
		app.DB = db
		defer db.Close()
		if err := database.Migrate(ctx, db.Pool); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	// KurrentDB backs the append-only audit chain.
	bus, err := events.NewBus(ctx, cfg.KurrentDB)
	if err != nil {
		logger.Warn("kurrentdb not available, using in-memory audit log", "error", err)
	} else {
		app.Bus = bus
		defer bus.Close()
	}

	// Tenant policies and providers come from the declarative policy file.
	file, err := policy.LoadFile(cfg.Policy.Path)
	if err != nil {
		logger.Error("failed to load policy file", "path", cfg.Policy.Path, "error", err)
		os.Exit(1)
	}

	var archive policy.Archive
	if app.DB != nil {
		archive = policy.NewPostgresArchive(app.DB.Pool)
	}
	policyStore := policy.NewStore(archive)
	if err := policyStore.Hydrate(ctx); err != nil {
		logger.Error("failed to hydrate policy versions", "error", err)
		os.Exit(1)
	}
	if err := policyStore.Replace(ctx, file.Tenants); err != nil {
		logger.Error("failed to seed policy store", "error", err)
		os.Exit(1)
	}
	reloader := policy.NewReloader(cfg.Policy.Path, cfg.Policy.ReloadInterval, policyStore, logger)
	go reloader.Start(ctx)

	registry, err := provider.NewRegistry(file.Providers)
	if err != nil {
		logger.Error("invalid provider configuration", "error", err)
		os.Exit(1)
	}

	// Serial dedupe: Redis when configured so replay detection spans
	// instances, in-process shards otherwise.
	var dedupe tsa.SerialDedupe
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		dedupe = tsa.NewRedisDedupe(client)
	} else {
		logger.Warn("redis not configured, serial dedupe is per-instance")
		dedupe = tsa.NewMemoryDedupe()
	}

	validator := tsa.NewValidator(dedupe, cfg.Timestamp.DedupeWindow)
	adapter := rfc3161.NewClient(cfg.Timestamp.ProviderTimeout)

	monitor := health.NewMonitor(registry, health.NewRFC3161Prober(adapter),
		cfg.Timestamp.ProbeInterval, cfg.Timestamp.ProbeThreshold, logger)
	monitor.Start(ctx)

	var backlog queue.Queue
	var resultStore results.Store
	if app.DB != nil {
		backlog = queue.NewPostgresQueue(app.DB.Pool, cfg.Queue.PerTenantCapacity)
		resultStore = results.NewPostgresStore(app.DB.Pool)
	} else {
		backlog = queue.NewMemoryQueue(cfg.Queue.PerTenantCapacity)
		resultStore = results.NewMemoryStore()
	}

	var recorder audit.Recorder
	if app.Bus != nil {
		kdb := audit.NewKurrentDBRecorder(app.Bus.Client())
		if err := kdb.Initialize(ctx); err != nil {
			logger.Error("failed to initialize audit chain", "error", err)
			os.Exit(1)
		}
		recorder = kdb
	} else {
		recorder = audit.NewMemoryRecorder()
	}

	ctrl := controller.New(policyStore, registry, adapter, validator, monitor,
		backlog, resultStore, recorder, cfg.Timestamp, logger)
	if app.Bus != nil {
		ctrl.SetBus(app.Bus)
	}

	drainer := queue.NewDrainer(backlog, ctrl, monitor.Recovered(), queue.DrainerConfig{
		Lease:        cfg.Queue.LeaseDuration,
		MaxRetries:   cfg.Queue.MaxRetries,
		Parallelism:  cfg.Queue.DrainParallelism,
		MaxRetention: cfg.Queue.MaxRetention,
	}, logger)
	slo := status.NewSLOTracker(0.999)
	statusHandler := status.NewHandler(monitor, backlog, slo)

	drainer.DeadLettered = ctrl.AuditDeadLetter
	drainer.RateObserver = statusHandler.ObserveDrainRate
	drainer.Start(ctx)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	// Health checks and metrics (unauthenticated)
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	ipLimiter := secmiddleware.NewKeyedRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ipLimiter.Middleware(func(req *http.Request) string { return req.RemoteAddr }))
		r.Use(auth.Middleware(cfg.Auth))

		apiHandler := api.NewHandler(ctrl, resultStore, backlog, slo)
		r.Mount("/timestamps", apiHandler.Routes())

		policyHandler := policy.NewHandler(policyStore, reloader)
		r.With(auth.RequireRoles("admin")).Mount("/policies", policyHandler.Routes())

		auditHandler := audit.NewHandler(recorder)
		r.With(auth.RequireRoles("admin", "auditor")).Mount("/audit", auditHandler.Routes())

		r.Mount("/status", statusHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down")

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("stampd started",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"providers", len(registry.All()),
		"tenants", len(policyStore.Tenants()),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("server stopped")
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "stampd",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		allReady := true
		for _, s := range checks {
			if s != "ready" && s != "not configured" {
				allReady = false
				break
			}
		}

		code := http.StatusOK
		if !allReady {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
