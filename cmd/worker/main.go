package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/reconlab/mriserve/internal/config"
	"github.com/reconlab/mriserve/internal/jobs"
	"github.com/reconlab/mriserve/internal/queue"
	"github.com/reconlab/mriserve/internal/recon"
	"github.com/reconlab/mriserve/internal/runner"
	"github.com/reconlab/mriserve/internal/store"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting MRI Reconstruction Worker", "version", version)

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

	// Job service is only needed for expired-job cleanup here
	jobService, err := jobs.NewService(jobStore, taskQueue, cfg.ResultsDir, cfg.InputsDir)
	if err != nil {
		slog.Error("Failed to initialize job service", "error", err)
		os.Exit(1)
	}

	// Build the task runner and its queue consumer
	taskRunner := runner.New(jobStore, recon.RSSEngine{})
	consumer := queue.NewConsumer(
		taskQueue,
		taskRunner.Execute,
		cfg.WorkerCount,
		cfg.WorkerPollInterval,
		cfg.JobTimeout,
	)

	// Schedule periodic cleanup of expired jobs
	cronScheduler := cron.New()
	_, err = cronScheduler.AddFunc(cfg.CleanupSchedule, func() {
		if _, err := jobService.CleanupExpired(ctx, cfg.JobTTL); err != nil {
			slog.Error("Expired job cleanup failed", "error", err)
		}
	})
	if err != nil {
		slog.Error("Invalid cleanup schedule", "schedule", cfg.CleanupSchedule, "error", err)
		os.Exit(1)
	}
	cronScheduler.Start()

	// Run consumers until a shutdown signal arrives
	done := make(chan error, 1)
	go func() {
		slog.Info("Starting task consumers",
			"workers", cfg.WorkerCount,
			"poll_interval", cfg.WorkerPollInterval.String(),
			"task_timeout", cfg.JobTimeout.String(),
		)
		done <- consumer.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		slog.Info("Received shutdown signal, initiating graceful shutdown")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			slog.Error("Consumer stopped", "error", err)
		}
	}

	// Let an in-flight cleanup run finish
	<-cronScheduler.Stop().Done()

	slog.Info("MRI Reconstruction Worker stopped")
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
