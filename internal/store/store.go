// Package store persists job records. The default backend keeps one JSON
// document per job on disk next to the result files; a MongoDB backend is
// available for deployments that already run one.
//
// Update is read-modify-write and deliberately not transactional across
// processes: during a run the task runner is the only writer of status and
// result fields, while request handlers only patch the cancel flag and
// reconciliation fields, which are idempotent to reapply. A lost update is
// therefore possible in theory but benign for these field sets.
package store

import (
	"context"

	"github.com/reconlab/mriserve/internal/model"
)

// JobStore is the durable store for job records, keyed by job id
type JobStore interface {
	// Create persists a new record. The id must not already exist.
	Create(ctx context.Context, rec *model.JobRecord) error
	// Get loads one record. Returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*model.JobRecord, error)
	// Update applies only the non-nil fields of patch to the stored record.
	Update(ctx context.Context, id string, patch Patch) error
	// List returns all records, skipping entries that fail to decode.
	List(ctx context.Context) ([]model.JobRecord, error)
	// Delete removes the record. Returns model.ErrNotFound for unknown ids.
	Delete(ctx context.Context, id string) error
}

// Patch is a partial update of a job record. Nil fields are left unchanged.
// Error set to the empty string clears a previously recorded error.
type Patch struct {
	Status          *model.JobStatus
	ResultShape     []int
	ResultDataset   *string
	Error           *string
	LogMessages     []string
	QueueTaskID     *string
	CancelRequested *bool
}

// apply merges the patch into rec
func (p Patch) apply(rec *model.JobRecord) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ResultShape != nil {
		rec.ResultShape = p.ResultShape
	}
	if p.ResultDataset != nil {
		rec.ResultDataset = *p.ResultDataset
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	if p.LogMessages != nil {
		rec.LogMessages = p.LogMessages
	}
	if p.QueueTaskID != nil {
		rec.QueueTaskID = *p.QueueTaskID
	}
	if p.CancelRequested != nil {
		rec.CancelRequested = *p.CancelRequested
	}
}
