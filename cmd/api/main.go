package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/siteforge/engine/internal/api"
	"github.com/siteforge/engine/internal/api/handlers"
	mw "github.com/siteforge/engine/internal/api/middleware"
	"github.com/siteforge/engine/internal/bootstrap"
	"github.com/siteforge/engine/internal/catalog"
	"github.com/siteforge/engine/internal/events"
	"github.com/siteforge/engine/internal/publisher"
	"github.com/siteforge/engine/internal/queue/tasks"
	"github.com/siteforge/engine/internal/services"
	"github.com/siteforge/engine/internal/workflow"
	"github.com/siteforge/engine/pkg/config"
	"github.com/siteforge/engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("Starting SiteForge engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	backend, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer backend.Close()
	log.Info("Store opened", zap.String("driver", backend.Driver))

	cat := catalog.Default(cfg.PhaseDwell)
	if cfg.CatalogFile != "" {
		if cat, err = catalog.LoadFile(cfg.CatalogFile); err != nil {
			log.Fatal("Failed to load phase catalog", zap.Error(err))
		}
	}
	log.Info("Phase catalog loaded", zap.Int("phases", cat.Len()))

	bus := events.NewBus()
	hub := events.NewHub(bus)
	go hub.Run(ctx)

	pub := publisher.New(backend.Projects, backend.Artifacts, cfg.SiteDomain, publisher.WithEventBus(bus))

	opts := []workflow.Option{workflow.WithEventBus(bus)}
	if cfg.NotificationsEnabled {
		client := asynq.NewClient(bootstrap.AsynqRedis(cfg))
		defer client.Close()
		opts = append(opts, workflow.WithNotifier(tasks.NewAsynqNotifier(client)))
		log.Info("Completion notifications enabled")
	}
	sched := workflow.New(backend.Projects, backend.Activity, cat, pub, opts...)

	if backend.Shared() {
		n, err := sched.Recover(ctx)
		if err != nil {
			log.Fatal("Workflow recovery failed", zap.Error(err))
		}
		if n > 0 {
			log.Warn("Interrupted workflows marked failed", zap.Int("count", n))
		}
	}

	projectSvc := services.NewProjectService(backend.Stores, sched, services.TrustedPaymentVerifier{})
	statusSvc := services.NewStatusService(backend.Stores, sched)

	limiter := mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	// Create router with dependencies
	router := api.NewRouter(api.Dependencies{
		ProjectsHandler: handlers.NewProjectsHandler(projectSvc, nil),
		StatusHandler:   handlers.NewStatusHandler(statusSvc),
		HealthHandler:   handlers.NewHealthHandler(handlers.ReadinessCheck{Name: "store", Check: backend.Ping}),
		WebSocket:       hub.HandleWebSocket,
		RateLimiter:     limiter,
	})

	// Create HTTP server. No WriteTimeout: websocket connections are long lived.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error("workflow shutdown error", zap.Error(err))
	}
	stop()
}
