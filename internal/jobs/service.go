// Package jobs is the job lifecycle service. It owns record creation,
// enqueueing, the lazy QUEUED-to-CANCELED reconciliation against the queue's
// revocation state, abort and delete semantics, and access to finished
// result arrays. Reconciliation lives in this package's read path so that
// list, detail, abort and delete all see the same effective status.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reconlab/mriserve/internal/model"
	"github.com/reconlab/mriserve/internal/queue"
	"github.com/reconlab/mriserve/internal/recon"
	"github.com/reconlab/mriserve/internal/store"
)

// resultExt is the extension of stored result array containers
const resultExt = ".mrv"

// TaskQueue is the slice of the queue the service needs: enqueue a task,
// revoke it, and ask whether it has been revoked.
type TaskQueue interface {
	Enqueue(ctx context.Context, payload queue.TaskPayload) (string, error)
	RevokeByID(ctx context.Context, id string) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// Service coordinates the job store, the task queue and the on-disk
// input/result files
type Service struct {
	store      store.JobStore
	queue      TaskQueue
	resultsDir string
	inputsDir  string
}

// NewService creates the job service and ensures the I/O directories exist
func NewService(jobStore store.JobStore, taskQueue TaskQueue, resultsDir, inputsDir string) (*Service, error) {
	for _, dir := range []string{resultsDir, inputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Service{
		store:      jobStore,
		queue:      taskQueue,
		resultsDir: resultsDir,
		inputsDir:  inputsDir,
	}, nil
}

// ResultPath returns the stored result container path for a job
func (s *Service) ResultPath(id string) string {
	return filepath.Join(s.resultsDir, id+resultExt)
}

// InputPath returns the stored input file path for a job
func (s *Service) InputPath(id, filename string) string {
	return filepath.Join(s.inputsDir, id+"_"+filename)
}

// CreateRequest carries everything needed to create a job
type CreateRequest struct {
	Name      string
	Algorithm string
	// ParamsJSON is the raw params form field; empty means defaults.
	ParamsJSON []byte
	Input      io.Reader
	// InputFilename is the client-supplied name; it is sanitized to a
	// bare name before use.
	InputFilename  string
	Pulseq         io.Reader
	PulseqFilename string
}

// Create validates the request, stores the uploaded files, persists a QUEUED
// record and enqueues the reconstruction task
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.JobRecord, error) {
	algID := recon.AlgorithmID(req.Algorithm)
	if _, err := recon.Get(algID); err != nil {
		return nil, err
	}

	params, err := s.decodeCreateParams(req, algID)
	if err != nil {
		return nil, err
	}

	// The trajectory file must be present exactly when the trajectory
	// mode needs one.
	if params.Common().Trajectory == recon.TrajectoryPulseq && req.Pulseq == nil {
		return nil, model.Validationf("pulseq_file is required for pulseq trajectory")
	}
	if params.Common().Trajectory != recon.TrajectoryPulseq && req.Pulseq != nil {
		return nil, model.Validationf("pulseq_file can only be set with pulseq trajectory")
	}

	id := uuid.NewString()
	inputFilename := sanitizeFilename(req.InputFilename, "upload.bin")
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSuffix(inputFilename, filepath.Ext(inputFilename))
	}

	if err := s.storeUpload(s.InputPath(id, inputFilename), req.Input); err != nil {
		return nil, err
	}
	if req.Pulseq != nil {
		pulseqName := sanitizeFilename(req.PulseqFilename, "trajectory.seq")
		if err := s.storeUpload(s.InputPath(id, pulseqName), req.Pulseq); err != nil {
			return nil, err
		}
	}

	canonical, err := recon.EncodeParams(params)
	if err != nil {
		return nil, err
	}

	rec := &model.JobRecord{
		ID:               id,
		Name:             name,
		Status:           model.StatusQueued,
		Algorithm:        string(algID),
		Params:           canonical,
		ResultDataset:    recon.ResultDataset,
		AvailableFormats: recon.Formats(algID),
		CreatedAt:        time.Now().UTC(),
		InputFilename:    inputFilename,
		LogMessages:      []string{},
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	taskID, err := s.queue.Enqueue(ctx, queue.TaskPayload{
		JobID:      id,
		Algorithm:  string(algID),
		InputPath:  s.InputPath(id, inputFilename),
		OutputPath: s.ResultPath(id),
		Params:     canonical,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}
	if err := s.store.Update(ctx, id, store.Patch{QueueTaskID: &taskID}); err != nil {
		return nil, err
	}
	rec.QueueTaskID = taskID

	slog.Info("Created job",
		"job_id", id,
		"algorithm", string(algID),
		"task_id", taskID,
		"input", inputFilename,
	)
	return s.annotate(rec), nil
}

// decodeCreateParams merges the algorithm form field and trajectory upload
// into the params document, then decodes and validates it
func (s *Service) decodeCreateParams(req CreateRequest, algID recon.AlgorithmID) (recon.Params, error) {
	fields := map[string]any{}
	if len(req.ParamsJSON) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(req.ParamsJSON)))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, model.Validationf("invalid params: %v", err)
		}
	}
	if _, ok := fields["algorithm"]; !ok {
		fields["algorithm"] = string(algID)
	}
	if req.Pulseq != nil {
		fields["pulseq_filename"] = sanitizeFilename(req.PulseqFilename, "trajectory.seq")
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	params, err := recon.DecodeParams(raw)
	if err != nil {
		return nil, err
	}
	if params.AlgorithmID() != algID {
		return nil, model.Validationf("params algorithm %q does not match %q", params.AlgorithmID(), algID)
	}
	return params, nil
}

func (s *Service) storeUpload(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}

// Get returns one job with reconciled status, repaired result metadata and
// availability flags
func (s *Service) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec = s.reconcile(ctx, rec)
	if rec.Status == model.StatusFinished {
		s.ensureResultShape(ctx, rec)
	}
	return s.annotate(rec), nil
}

// List returns all jobs with reconciled status and availability flags
func (s *Service) List(ctx context.Context) ([]model.JobRecord, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.JobRecord, 0, len(records))
	for i := range records {
		rec := s.reconcile(ctx, &records[i])
		out = append(out, *s.annotate(rec))
	}
	return out, nil
}

// reconcile lazily resolves a QUEUED job whose queue task was revoked but
// never ran to CANCELED. Reapplying the same patch on a race is harmless.
func (s *Service) reconcile(ctx context.Context, rec *model.JobRecord) *model.JobRecord {
	if rec.Status != model.StatusQueued || rec.QueueTaskID == "" {
		return rec
	}
	revoked, err := s.queue.IsRevoked(ctx, rec.QueueTaskID)
	if err != nil {
		slog.Warn("Failed to check task revocation", "job_id", rec.ID, "error", err)
		return rec
	}
	if !revoked {
		return rec
	}

	rec.Status = model.StatusCanceled
	rec.Error = model.AbortedMessage
	if err := s.store.Update(ctx, rec.ID, store.Patch{
		Status: statusPtr(model.StatusCanceled),
		Error:  strPtr(model.AbortedMessage),
	}); err != nil {
		slog.Warn("Failed to persist reconciled status", "job_id", rec.ID, "error", err)
	}
	return rec
}

// ensureResultShape repairs records whose result metadata disagrees with the
// stored container by reading the container header and writing the shape
// back. This covers records written before completion captured the shape,
// and reruns that produced a differently-shaped result.
func (s *Service) ensureResultShape(ctx context.Context, rec *model.JobRecord) {
	reader, err := openResult(s.ResultPath(rec.ID))
	if err != nil {
		return
	}
	defer reader.Close()

	meta := reader.Meta()
	if slices.Equal(rec.ResultShape, meta.Shape) && rec.ResultDataset == meta.Dataset {
		return
	}
	rec.ResultShape = meta.Shape
	rec.ResultDataset = meta.Dataset
	if err := s.store.Update(ctx, rec.ID, store.Patch{
		ResultShape:   meta.Shape,
		ResultDataset: &meta.Dataset,
	}); err != nil {
		slog.Warn("Failed to persist repaired result shape", "job_id", rec.ID, "error", err)
	}
}

// annotate computes the derived availability flags
func (s *Service) annotate(rec *model.JobRecord) *model.JobRecord {
	rec.InputAvailable = fileExists(s.InputPath(rec.ID, rec.InputFilename))
	rec.ResultAvailable = fileExists(s.ResultPath(rec.ID))
	return rec
}

// Abort cancels a queued job immediately, or requests cooperative
// cancellation of a started one. Repeating an abort whose cancellation is
// already recorded returns the current record unchanged; aborting a job that
// finished on its own is a conflict.
func (s *Service) Abort(ctx context.Context, id string) (*model.JobRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec = s.reconcile(ctx, rec)

	if rec.CancelRequested && rec.Status.Terminal() {
		return s.annotate(rec), nil
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("job %s is not abortable in status %s: %w", id, rec.Status, model.ErrConflict)
	}

	if rec.QueueTaskID != "" {
		if err := s.queue.RevokeByID(ctx, rec.QueueTaskID); err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
			return nil, fmt.Errorf("failed to revoke task for job %s: %w", id, err)
		}
	}

	next := rec.Status
	if rec.Status == model.StatusQueued {
		next = model.StatusCanceled
	}
	patch := store.Patch{
		Status:          statusPtr(next),
		Error:           strPtr(model.AbortedMessage),
		CancelRequested: boolPtr(true),
	}
	if err := s.store.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	rec.Status = next
	rec.Error = model.AbortedMessage
	rec.CancelRequested = true

	slog.Info("Aborted job", "job_id", id, "status", string(next))
	return s.annotate(rec), nil
}

// Delete removes a terminal job's record together with its result container
// and all stored input files. Missing files are not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	rec = s.reconcile(ctx, rec)
	if !rec.Status.Terminal() {
		return fmt.Errorf("job %s is not deletable in status %s: %w", id, rec.Status, model.ErrConflict)
	}

	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	removeIfExists(s.ResultPath(id))
	inputs, _ := filepath.Glob(filepath.Join(s.inputsDir, id+"_*"))
	for _, path := range inputs {
		removeIfExists(path)
	}

	slog.Info("Deleted job", "job_id", id)
	return nil
}

// CleanupExpired deletes terminal jobs older than ttl and returns how many
// were removed
func (s *Service) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for i := range records {
		rec := s.reconcile(ctx, &records[i])
		if !rec.Status.Terminal() || rec.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, rec.ID); err != nil {
			slog.Warn("Failed to delete expired job", "job_id", rec.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed expired jobs", "count", removed, "ttl", ttl.String())
	}
	return removed, nil
}

func sanitizeFilename(name, fallback string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return fallback
	}
	return base
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove file", "path", path, "error", err)
	}
}

func statusPtr(s model.JobStatus) *model.JobStatus { return &s }
func strPtr(s string) *string                      { return &s }
func boolPtr(b bool) *bool                         { return &b }
