package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/reconlab/mriserve/internal/model"
	"github.com/reconlab/mriserve/internal/volume"
)

// VolumeData is one 3-D volume extracted from a result array
type VolumeData struct {
	Shape []int
	Data  []byte
	Batch []int
}

// SliceData is one 2-D plane extracted from a result array
type SliceData struct {
	Shape       []int
	Data        []byte
	Batch       []int
	Orientation volume.Orientation
	Index       int
}

// WindowLimits are the display-window percentile bounds of a volume
type WindowLimits struct {
	P01 float64 `json:"p01"`
	P99 float64 `json:"p99"`
}

// Volume reads the selected 3-D volume from a finished job's result.
// Only the requested volume's bytes are read from disk.
func (s *Service) Volume(ctx context.Context, id, batch string) (*VolumeData, error) {
	reader, rec, err := s.loadFinished(ctx, id)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	indices, err := volume.ResolveBatchIndices(batch, reader.Meta().BatchDims())
	if err != nil {
		return nil, err
	}
	shape, data, err := reader.Volume(indices)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume for job %s: %w", rec.ID, err)
	}
	return &VolumeData{Shape: shape, Data: data, Batch: indices}, nil
}

// Slice reads one 2-D plane from a finished job's result in the requested
// orientation
func (s *Service) Slice(ctx context.Context, id, orientation string, index int, batch string) (*SliceData, error) {
	reader, rec, err := s.loadFinished(ctx, id)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	orient, err := volume.ParseOrientation(orientation)
	if err != nil {
		return nil, err
	}
	indices, err := volume.ResolveBatchIndices(batch, reader.Meta().BatchDims())
	if err != nil {
		return nil, err
	}
	shape, data, err := reader.Slice(orient, index, indices)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read slice for job %s: %w", rec.ID, err)
	}
	return &SliceData{
		Shape:       shape,
		Data:        data,
		Batch:       indices,
		Orientation: orient,
		Index:       index,
	}, nil
}

// WindowStats computes the 1st and 99th percentile of the selected volume
// for display windowing
func (s *Service) WindowStats(ctx context.Context, id, batch string) (*WindowLimits, error) {
	reader, rec, err := s.loadFinished(ctx, id)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	indices, err := volume.ResolveBatchIndices(batch, reader.Meta().BatchDims())
	if err != nil {
		return nil, err
	}
	_, data, err := reader.Volume(indices)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume for job %s: %w", rec.ID, err)
	}
	p01, p99, err := volume.WindowStats(volume.Float32s(data))
	if err != nil {
		return nil, err
	}
	return &WindowLimits{P01: p01, P99: p99}, nil
}

// Result opens a finished job's stored result container for download.
// The caller owns the returned reader.
func (s *Service) Result(ctx context.Context, id string) (*volume.Reader, *model.JobRecord, error) {
	return s.loadFinished(ctx, id)
}

// loadFinished checks the job is FINISHED, opens its result container and
// repairs stale shape metadata on the way
func (s *Service) loadFinished(ctx context.Context, id string) (*volume.Reader, *model.JobRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rec = s.reconcile(ctx, rec)
	if rec.Status != model.StatusFinished {
		return nil, nil, fmt.Errorf("job %s has no result in status %s: %w", id, rec.Status, model.ErrConflict)
	}

	reader, err := openResult(s.ResultPath(id))
	if err != nil {
		return nil, nil, err
	}
	s.ensureResultShape(ctx, rec)
	return reader, rec, nil
}

func openResult(path string) (*volume.Reader, error) {
	reader, err := volume.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("result file missing: %w", model.ErrNotFound)
		}
		return nil, err
	}
	return reader, nil
}
