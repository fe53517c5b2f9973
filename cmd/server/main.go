package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reconlab/mriserve/internal/config"
	"github.com/reconlab/mriserve/internal/handler"
	"github.com/reconlab/mriserve/internal/jobs"
	"github.com/reconlab/mriserve/internal/queue"
	"github.com/reconlab/mriserve/internal/store"
	"github.com/reconlab/mriserve/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting MRI Reconstruction Service", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the job record store
	jobStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open job store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Open the task queue
	taskQueue, err := queue.Open(cfg.QueueDBPath, cfg.QueueName)
	if err != nil {
		slog.Error("Failed to open task queue", "path", cfg.QueueDBPath, "error", err)
		os.Exit(1)
	}
	defer taskQueue.Close()

	// Initialize the job service
	jobService, err := jobs.NewService(jobStore, taskQueue, cfg.ResultsDir, cfg.InputsDir)
	if err != nil {
		slog.Error("Failed to initialize job service", "error", err)
		os.Exit(1)
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler()
	algorithmHandler := handler.NewAlgorithmHandler()
	jobHandler := handler.NewJobHandler(jobService, cfg.MaxUploadBytes)
	resultHandler := handler.NewResultHandler(jobService)

	corsConfig := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}

	router := handler.NewRouter(
		healthHandler,
		algorithmHandler,
		jobHandler,
		resultHandler,
		corsConfig,
	)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("MRI Reconstruction Service stopped")
}

// openStore builds the configured job store backend and a matching close func
func openStore(ctx context.Context, cfg *config.Config) (store.JobStore, func(), error) {
	switch cfg.StoreBackend {
	case "mongo":
		mongoStore, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				slog.Error("Failed to disconnect from MongoDB", "error", err)
			}
		}
		return mongoStore, closeStore, nil
	default:
		fileStore, err := store.NewFileStore(cfg.ResultsDir)
		if err != nil {
			return nil, nil, err
		}
		return fileStore, func() {}, nil
	}
}
