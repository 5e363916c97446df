package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rectory-school/enrichment-api/internal/handler"
	"github.com/rectory-school/enrichment-api/internal/middleware"
	"github.com/rectory-school/enrichment-api/internal/repository"
	"github.com/rectory-school/enrichment-api/internal/service"
	"github.com/rectory-school/enrichment-api/internal/sis"
	"github.com/rectory-school/enrichment-api/pkg/cache"
	"github.com/rectory-school/enrichment-api/pkg/config"
	"github.com/rectory-school/enrichment-api/pkg/database"
	"github.com/rectory-school/enrichment-api/pkg/jobs"
	"github.com/rectory-school/enrichment-api/pkg/logger"
	corsmiddleware "github.com/rectory-school/enrichment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/rectory-school/enrichment-api/pkg/middleware/requestid"
)

// syncTickInterval paces the reconciler checks. The sync config row and the
// configured interval decide whether a check actually runs.
const syncTickInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, grid cache disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Repositories.
	rosterRepo := repository.NewRosterRepository(db)
	slotRepo := repository.NewSlotRepository(db)
	optionRepo := repository.NewOptionRepository(db)
	signupRepo := repository.NewSignupRepository(db)
	emailRepo := repository.NewEmailRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	syncRepo := repository.NewSyncRepository(db)

	// Services.
	metricsSvc := service.NewMetricsService()

	cacheSvc := service.NewCacheService(nil, 0, false, logr)
	if redisClient != nil {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, cfg.Grid.CacheTTL, cfg.Grid.CacheEnabled, logr)
	}

	associationSvc := service.NewAssociationService(rosterRepo, logr)
	advisingSvc := service.NewAdvisingService(rosterRepo, logr)
	gridSvc := service.NewGridService(signupRepo, optionRepo, associationSvc, logr)
	assignSvc := service.NewAssignService(slotRepo, rosterRepo, optionRepo, gridSvc, signupRepo, cacheSvc, logr)

	emailSvc, err := service.NewEmailService(
		slotRepo, signupRepo, gridSvc, advisingSvc, emailRepo, outboxRepo,
		cfg.Email.BaseURL, cfg.Email.DiscardAfter, logr,
	)
	if err != nil {
		logr.Sugar().Fatalw("failed to init email service", "error", err)
	}
	emailSvc.SetMetrics(metricsSvc)
	emailScheduler := service.NewEmailScheduler(emailRepo, emailSvc, cfg.Email.DefaultTimezone, logr)

	sisClient := sis.NewClient(cfg.SIS, logr)
	syncSvc := service.NewSyncService(syncRepo, sisClient, cfg.SIS.SyncInterval, logr)

	// Handlers.
	assignHandler := handler.NewAssignHandler(assignSvc, metricsSvc)
	gridHandler := handler.NewGridHandler(slotRepo, advisingSvc, rosterRepo, gridSvc, cacheSvc, metricsSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.GET("/grid", middleware.OptionalAuth(cfg.JWT.Secret), gridHandler.Grid)
	api.POST("/assign", middleware.Auth(cfg.JWT.Secret), assignHandler.Assign)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	emailQueue := jobs.NewQueue("email-reports", func(ctx context.Context, _ jobs.Job) error {
		return emailScheduler.Tick(ctx)
	}, jobs.QueueConfig{Workers: cfg.Email.Workers, Logger: logr})
	emailQueue.Start(ctx)
	defer emailQueue.Stop()

	syncQueue := jobs.NewQueue("sis-sync", func(ctx context.Context, _ jobs.Job) error {
		start := time.Now()
		result, err := syncSvc.AutoSync(ctx, false)
		switch {
		case err == nil:
			metricsSvc.RecordSync(result, time.Since(start))
			return nil
		case errors.Is(err, service.ErrSyncNotReady), errors.Is(err, service.ErrSyncDisabled):
			return nil
		case service.IsNotConfigured(err):
			logr.Sugar().Warnw("sis sync not configured", "error", err)
			return nil
		default:
			return err
		}
	}, jobs.QueueConfig{Workers: 1, MaxRetries: 1, Logger: logr})
	syncQueue.Start(ctx)
	defer syncQueue.Stop()

	go runTicker(ctx, cfg.Email.TickInterval, func() {
		_ = emailQueue.Enqueue(jobs.Job{Type: "email-tick"})
	})
	go runTicker(ctx, syncTickInterval, func() {
		_ = syncQueue.Enqueue(jobs.Job{Type: "sync-tick"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
