package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// HandlerFunc executes one claimed task. A returned error marks the task
// failed in the queue; the handler owns all job-record bookkeeping.
type HandlerFunc func(ctx context.Context, taskID string, payload TaskPayload) error

// Consumer polls the queue and executes tasks on a fixed set of workers.
// The single claim per task is what guarantees at most one concurrent
// runner per job id.
type Consumer struct {
	queue       *Queue
	handler     HandlerFunc
	workers     int
	poll        time.Duration
	taskTimeout time.Duration
}

// NewConsumer creates a consumer with workers goroutines polling every poll
// interval. taskTimeout bounds each task execution; zero means no limit.
func NewConsumer(q *Queue, handler HandlerFunc, workers int, poll, taskTimeout time.Duration) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		queue:       q,
		handler:     handler,
		workers:     workers,
		poll:        poll,
		taskTimeout: taskTimeout,
	}
}

// Run blocks until ctx is canceled, executing tasks as they arrive
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("Starting queue consumer", "workers", c.workers, "queue", c.queue.name)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		workerID := i
		g.Go(func() error {
			return c.worker(ctx, workerID)
		})
	}

	err := g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	slog.Info("Queue consumer stopped")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int) error {
	for {
		taskID, payload, revoked, ok, err := c.queue.claimNext(ctx)
		if err != nil {
			slog.Error("Failed to claim task", "worker_id", id, "error", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.poll):
			}
			continue
		}

		slog.Info("Claimed task",
			"worker_id", id,
			"task_id", taskID,
			"job_id", payload.JobID,
			"revoked", revoked,
		)

		c.execute(ctx, taskID, payload, revoked)
	}
}

// execute runs the handler and records the task outcome. A revoked task is
// still handed to the handler so the runner can record the cancellation on
// the job; it just never counts as done.
func (c *Consumer) execute(ctx context.Context, taskID string, payload TaskPayload, revoked bool) {
	taskCtx := ctx
	if c.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.taskTimeout)
		defer cancel()
	}

	err := c.handler(taskCtx, taskID, payload)

	status := taskDone
	errMsg := ""
	switch {
	case err != nil:
		status = taskFailed
		errMsg = err.Error()
		slog.Error("Task failed", "task_id", taskID, "job_id", payload.JobID, "error", err)
	case revoked:
		status = taskRevoked
	}

	if markErr := c.queue.markFinished(context.WithoutCancel(ctx), taskID, status, errMsg); markErr != nil {
		slog.Error("Failed to record task outcome", "task_id", taskID, "error", markErr)
	}
}
