package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mesikahq/emr-bridge/internal/api"
	"github.com/mesikahq/emr-bridge/internal/audit"
	"github.com/mesikahq/emr-bridge/internal/auth"
	"github.com/mesikahq/emr-bridge/internal/config"
	"github.com/mesikahq/emr-bridge/internal/database"
	"github.com/mesikahq/emr-bridge/internal/emr"
	"github.com/mesikahq/emr-bridge/internal/patient"
	"github.com/mesikahq/emr-bridge/internal/pipeline"
	"github.com/mesikahq/emr-bridge/internal/registry"
	"github.com/mesikahq/emr-bridge/internal/status"
	"go.uber.org/zap"

	"github.com/elastic/go-elasticsearch/v8"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Error loading .env file: %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize PostgreSQL connection
	pgPort, err := strconv.Atoi(os.Getenv("POSTGRES_PORT"))
	if err != nil {
		logger.Fatal("Failed to get PostgreSQL port", zap.Error(err))
	}

	postgresConfig := database.PostgresConfig{
		Host:        os.Getenv("POSTGRES_HOST"),
		Port:        pgPort,
		Database:    os.Getenv("POSTGRES_DB"),
		User:        os.Getenv("POSTGRES_USER"),
		Password:    os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:     os.Getenv("POSTGRES_SSLMODE"),
		MaxPoolSize: 10,
		ConnTimeout: 5 * time.Second,
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, postgresConfig)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer database.Disconnect(db)

	// Initialize audit service. Without Elasticsearch the pipeline still runs;
	// audit events only go to the application log.
	auditService := audit.NewNop()
	if url := os.Getenv("ELASTICSEARCH_URL"); url != "" {
		cfgElastic := elasticsearch.Config{
			Addresses: []string{url},
			Username:  os.Getenv("ELASTICSEARCH_USERNAME"),
			Password:  os.Getenv("ELASTICSEARCH_PASSWORD"),
		}
		esClient, err := elasticsearch.NewClient(cfgElastic)
		if err != nil {
			logger.Fatal("Failed to connect to Elasticsearch", zap.Error(err))
		}
		auditService = audit.NewService(esClient)
	}

	// Initialize the status feed. Redis is optional; without it the snapshot
	// is only served through the API.
	var kv status.KV
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
		redisKV, err := status.NewRedisKV(addr, os.Getenv("REDIS_PASSWORD"), redisDB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisKV.Close()
		kv = redisKV
	}
	tracker := status.NewTracker(kv, logger)

	// Initialize auth service
	authConfig := auth.Config{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		TokenExpiry: 24 * time.Hour,
	}
	authService := auth.NewService(db, auditService, authConfig)
	if err := authService.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize auth service", zap.Error(err))
	}

	// Launch the browser the EMR session runs in
	browser, err := emr.Launch(ctx, cfg.EMR.Headless, cfg.NavTimeout())
	if err != nil {
		logger.Fatal("Failed to launch browser", zap.Error(err))
	}
	defer browser.Close()

	emrConfig := emr.Config{
		BaseURL:       cfg.EMR.BaseURL,
		MaxPages:      cfg.EMR.MaxPages,
		NavTimeout:    cfg.NavTimeout(),
		MarkerTimeout: cfg.MarkerWait(),
		SettleDelay:   cfg.SettleDelay(),
	}

	// Initialize pipeline services
	store := patient.NewStore(db)
	sessions := emr.NewSessionManager(emrConfig, browser, logger)
	roster := emr.NewRosterExtractor(emrConfig, logger)
	enricher := emr.NewDetailEnricher(emrConfig, logger)
	orchestrator := pipeline.NewOrchestrator(enricher, store, cfg.MinDelay(), logger)

	registryClient := registry.NewClient(cfg.Registry.BaseURL, os.Getenv("REGISTRY_TOKEN"), logger)
	syncer := registry.NewSyncer(registryClient, logger)

	runnerConfig := pipeline.RunnerConfig{
		Credentials: emr.Credentials{
			Username: os.Getenv("EMR_USERNAME"),
			Password: os.Getenv("EMR_PASSWORD"),
		},
		Role:     cfg.EMR.Role,
		MaxPages: cfg.EMR.MaxPages,
	}
	runner := pipeline.NewRunner(runnerConfig, sessions, roster, orchestrator,
		syncer, store, tracker, auditService, logger)

	// Initialize handler
	handler := api.NewHandler(authService, store, runner, tracker, auditService)

	// Initialize router
	router := api.NewRouter(handler, authService)
	engine := router.SetupRouter(logger)

	// Create server
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Trigger a full pass on the configured interval. A tick that lands while
	// a job is still running is skipped, not queued.
	schedulerDone := make(chan struct{})
	ticker := time.NewTicker(cfg.SyncInterval())
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-schedulerDone:
				return
			case <-ticker.C:
				job, err := runner.Start(pipeline.KindFull)
				if errors.Is(err, pipeline.ErrJobRunning) {
					logger.Info("scheduled sync skipped, job already running")
					continue
				}
				if err != nil {
					logger.Error("scheduled sync failed to start", zap.Error(err))
					continue
				}
				logger.Info("scheduled sync started", zap.String("job_id", job.ID))
			}
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	close(schedulerDone)

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
