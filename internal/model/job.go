package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a reconstruction job
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusStarted   JobStatus = "started"
	StatusFinished  JobStatus = "finished"
	StatusFailed    JobStatus = "failed"
	StatusDeferred  JobStatus = "deferred"
	StatusScheduled JobStatus = "scheduled"
	StatusCanceled  JobStatus = "canceled"
	StatusStopped   JobStatus = "stopped"
)

// AbortedMessage is the fixed user-facing error recorded on canceled and stopped jobs
const AbortedMessage = "Aborted by user"

// Terminal reports whether no further status transition is allowed except deletion
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCanceled, StatusStopped:
		return true
	}
	return false
}

// Valid reports whether s is a known status value
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusStarted, StatusFinished, StatusFailed,
		StatusDeferred, StatusScheduled, StatusCanceled, StatusStopped:
		return true
	}
	return false
}

// JobRecord is the persisted metadata for one reconstruction job.
// Exactly one runner invocation mutates status fields during a run; request
// handlers only patch the cancel flag and lazily reconciled fields, so the
// store's read-modify-write updates stay benign (see internal/store).
type JobRecord struct {
	ID               string          `json:"id" bson:"_id"`
	Name             string          `json:"name" bson:"name"`
	Status           JobStatus       `json:"status" bson:"status"`
	Algorithm        string          `json:"algorithm" bson:"algorithm"`
	Params           json.RawMessage `json:"params" bson:"params"`
	ResultShape      []int           `json:"result_shape" bson:"result_shape"`
	ResultDataset    string          `json:"result_dataset" bson:"result_dataset"`
	AvailableFormats []string        `json:"available_formats" bson:"available_formats"`
	CreatedAt        time.Time       `json:"created_at" bson:"created_at"`
	InputFilename    string          `json:"input_filename" bson:"input_filename"`
	QueueTaskID      string          `json:"queue_task_id,omitempty" bson:"queue_task_id,omitempty"`
	CancelRequested  bool            `json:"cancel_requested" bson:"cancel_requested"`
	Error            string          `json:"error,omitempty" bson:"error,omitempty"`
	LogMessages      []string        `json:"log_messages" bson:"log_messages"`

	// Derived at read time from filesystem presence checks, never persisted meaningfully.
	InputAvailable  bool `json:"input_available" bson:"-"`
	ResultAvailable bool `json:"result_available" bson:"-"`
}
