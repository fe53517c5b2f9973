package recon

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/reconlab/mriserve/internal/volume"
)

// RSSEngine is the built-in stand-in for the reconstruction library. It
// reads the k-space container, combines the leading coil dimension by
// root-sum-of-squares into a magnitude volume, and for SENSE applies the
// regularization as a uniform damping per iteration. It keeps the service
// runnable end to end; a production deployment swaps in a real engine
// behind the same interface.
type RSSEngine struct{}

// Reconstruct implements Engine
func (RSSEngine) Reconstruct(ctx context.Context, logger *slog.Logger, task Task, opts Options) (Result, error) {
	logger.Info("Loading k-space data",
		"job_id", task.JobID,
		"input", task.InputPath,
		"trajectory", string(opts.Trajectory),
	)
	if opts.Trajectory == TrajectoryPulseq && task.PulseqPath == "" {
		return Result{}, fmt.Errorf("pulseq trajectory requires a trajectory file")
	}

	reader, err := volume.Open(task.InputPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load k-space data: %w", err)
	}
	defer reader.Close()

	values, shape, err := readAll(reader)
	if err != nil {
		return Result{}, err
	}

	// Treat the leading dimension as coils when there is one to combine;
	// a bare z/y/x input passes through as magnitude.
	outShape := shape
	out := values
	if len(shape) > 3 {
		coils := shape[0]
		outShape = shape[1:]
		n := len(values) / coils
		out = make([]float64, n)
		for c := 0; c < coils; c++ {
			for i := 0; i < n; i++ {
				v := values[c*n+i]
				out[i] += v * v
			}
		}
		for i := range out {
			out[i] = math.Sqrt(out[i])
		}
		logger.Info("Combined coil images", "coils", coils, "csm", string(opts.CSM))
	} else {
		for i := range out {
			out[i] = math.Abs(out[i])
		}
	}

	for iter := 1; iter <= opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		scale := 1 / (1 + opts.Regularization)
		for i := range out {
			out[i] *= scale
		}
		logger.Info("Completed iteration", "iteration", iter, "regularization", opts.Regularization)
	}

	data := make([]float32, len(out))
	for i, v := range out {
		data[i] = float32(v)
	}
	if err := volume.Write(task.OutputPath, ResultDataset, outShape, data); err != nil {
		return Result{}, fmt.Errorf("failed to write result: %w", err)
	}

	logger.Info("Reconstruction finished", "job_id", task.JobID, "shape", outShape)
	return Result{Shape: outShape, Dataset: ResultDataset}, nil
}

func readAll(r *volume.Reader) ([]float64, []int, error) {
	meta := r.Meta()
	batchDims := meta.BatchDims()

	// Walk every batch index to stream the whole array through the
	// volume reads.
	total := 1
	for _, dim := range batchDims {
		total *= dim
	}

	var values []float64
	batch := make([]int, len(batchDims))
	for i := 0; i < total; i++ {
		_, data, err := r.Volume(batch)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read k-space data: %w", err)
		}
		values = append(values, volume.Float32s(data)...)

		for d := len(batch) - 1; d >= 0; d-- {
			batch[d]++
			if batch[d] < batchDims[d] {
				break
			}
			batch[d] = 0
		}
	}
	return values, meta.Shape, nil
}
