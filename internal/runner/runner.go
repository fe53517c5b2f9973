// Package runner executes one reconstruction task outside the HTTP request
// path and owns every job status transition out of QUEUED and STARTED.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reconlab/mriserve/internal/model"
	"github.com/reconlab/mriserve/internal/queue"
	"github.com/reconlab/mriserve/internal/recon"
	"github.com/reconlab/mriserve/internal/store"
)

// Runner executes reconstruction tasks against the job store
type Runner struct {
	store  store.JobStore
	engine recon.Engine
}

// New creates a task runner
func New(jobStore store.JobStore, engine recon.Engine) *Runner {
	return &Runner{store: jobStore, engine: engine}
}

// Execute runs one enqueued reconstruction task. It is invoked exactly once
// per task by the queue consumer; the queue guarantees no second concurrent
// invocation for the same job id.
//
// A returned error means the job was marked FAILED and the failure must also
// be recorded against the queue task (propagate-and-record, never swallow).
func (r *Runner) Execute(ctx context.Context, taskID string, payload queue.TaskPayload) error {
	rec, err := r.store.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", payload.JobID, err)
	}

	// Abort requested before the task ever started: resolve to CANCELED
	// without touching the algorithm.
	if rec.CancelRequested {
		slog.Info("Skipping canceled job", "job_id", payload.JobID, "task_id", taskID)
		return r.update(ctx, payload.JobID, store.Patch{
			Status: statusPtr(model.StatusCanceled),
			Error:  strPtr(model.AbortedMessage),
		})
	}

	if err := r.update(ctx, payload.JobID, store.Patch{
		Status:      statusPtr(model.StatusStarted),
		QueueTaskID: &taskID,
	}); err != nil {
		return err
	}

	capture := newCaptureHandler(slog.Default().Handler())
	logger := slog.New(capture)

	result, runErr := r.run(ctx, logger, payload)
	if runErr != nil {
		if updateErr := r.update(ctx, payload.JobID, store.Patch{
			Status:      statusPtr(model.StatusFailed),
			Error:       strPtr(fmt.Sprintf("%+v", runErr)),
			LogMessages: capture.Lines(),
		}); updateErr != nil {
			slog.Error("Failed to record job failure", "job_id", payload.JobID, "error", updateErr)
		}
		return fmt.Errorf("job %s failed: %w", payload.JobID, runErr)
	}

	// Re-check cancellation after the run: an abort that arrived mid-run
	// resolves to STOPPED and the completed work is discarded.
	rec, err = r.store.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("failed to reload job %s: %w", payload.JobID, err)
	}
	if rec.CancelRequested {
		return r.update(ctx, payload.JobID, store.Patch{
			Status:      statusPtr(model.StatusStopped),
			Error:       strPtr(model.AbortedMessage),
			LogMessages: capture.Lines(),
		})
	}

	return r.update(ctx, payload.JobID, store.Patch{
		Status:        statusPtr(model.StatusFinished),
		ResultShape:   result.Shape,
		ResultDataset: &result.Dataset,
		Error:         strPtr(""),
		LogMessages:   capture.Lines(),
	})
}

// run decodes the task and executes the algorithm
func (r *Runner) run(ctx context.Context, logger *slog.Logger, payload queue.TaskPayload) (recon.Result, error) {
	params, err := recon.DecodeParams(payload.Params)
	if err != nil {
		return recon.Result{}, err
	}
	if _, err := recon.Get(recon.AlgorithmID(payload.Algorithm)); err != nil {
		return recon.Result{}, err
	}

	task := recon.Task{
		JobID:      payload.JobID,
		InputPath:  payload.InputPath,
		OutputPath: payload.OutputPath,
	}
	if name := params.Common().PulseqFilename; name != "" {
		task.PulseqPath = filepath.Join(
			filepath.Dir(payload.InputPath),
			payload.JobID+"_"+filepath.Base(name),
		)
	}

	if err := os.MkdirAll(filepath.Dir(payload.OutputPath), 0o755); err != nil {
		return recon.Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	logger.Info("Starting reconstruction",
		"job_id", payload.JobID,
		"algorithm", payload.Algorithm,
	)
	return recon.Run(ctx, logger, r.engine, task, params)
}

func (r *Runner) update(ctx context.Context, jobID string, patch store.Patch) error {
	if err := r.store.Update(ctx, jobID, patch); err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return nil
}

func statusPtr(s model.JobStatus) *model.JobStatus { return &s }
func strPtr(s string) *string                      { return &s }
