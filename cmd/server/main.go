package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillscreen/proctoring-service/internal/auth"
	"github.com/skillscreen/proctoring-service/internal/broadcast"
	"github.com/skillscreen/proctoring-service/internal/cache"
	"github.com/skillscreen/proctoring-service/internal/config"
	"github.com/skillscreen/proctoring-service/internal/handlers"
	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/repositories/postgres"
	"github.com/skillscreen/proctoring-service/internal/services"
	"github.com/skillscreen/proctoring-service/internal/utils"
	"github.com/skillscreen/proctoring-service/internal/validator"
	"github.com/skillscreen/proctoring-service/pkg"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	var logger utils.Logger
	if cfg.Environment == "production" {
		logger = utils.NewDefaultLogger()
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger = utils.NewDevelopmentLogger()
	}
	slogLogger := utils.ToSlogLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := pkg.InitDatabase(cfg)
	if err != nil {
		logger.Error("database init failed", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(
		&models.ProctoringSession{},
		&models.Violation{},
		&models.FrameSnapshot{},
	); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := pkg.NewRedisClient(cfg)
	if err != nil {
		logger.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		logger.Error("zap init failed", "error", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	cacheService := cache.NewRedisCache(redisClient, zapLogger)

	// Event fan-out
	publisher, err := cfg.Events.CreateEventPublisher(slogLogger)
	if err != nil {
		logger.Error("event publisher init failed", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	hub := broadcast.NewHub(logger)
	bridge := broadcast.NewRedisBridge(redisClient, hub, logger)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("redis bridge stopped", "error", err)
		}
	}()
	relay := broadcast.NewRelay(hub, publisher, bridge, logger)

	// Services
	repo := postgres.NewManager(db)
	v := validator.New()
	proctoringService := services.NewProctoringService(repo, slogLogger, v, relay, cacheService, cfg.SnapshotCapacity)
	exportService := services.NewExportService(repo, slogLogger)

	// HTTP
	authenticator := auth.NewAuthenticator(auth.Config{
		Endpoint:         cfg.CasdoorEndpoint,
		ClientID:         cfg.CasdoorClientID,
		ClientSecret:     cfg.CasdoorClientSecret,
		Certificate:      cfg.CasdoorCertificate,
		OrganizationName: cfg.CasdoorOrganization,
		ApplicationName:  cfg.CasdoorApplication,
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(utils.LoggerMiddleware(logger))

	handlerManager := handlers.NewHandlerManager(proctoringService, exportService, hub, logger)
	handlerManager.SetupRoutes(router, authenticator.Middleware())

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("proctoring service listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
