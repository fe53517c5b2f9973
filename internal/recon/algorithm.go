// Package recon defines the reconstruction algorithm registry and parameter
// model. The numeric kernels themselves live behind the Engine interface and
// are treated as an external collaborator.
package recon

import (
	"context"
	"log/slog"

	"github.com/reconlab/mriserve/internal/model"
)

// ResultDataset is the logical dataset name of reconstructed image arrays
const ResultDataset = "image"

// DownloadFormat names an export format for a finished result
type DownloadFormat string

const (
	// FormatMRV is the stored array container, served as-is
	FormatMRV DownloadFormat = "mrv"
	// FormatNPY is a NumPy array export
	FormatNPY DownloadFormat = "npy"
)

// Formats lists the export formats advertised for an algorithm's results
func Formats(id AlgorithmID) []string {
	return []string{string(FormatMRV), string(FormatNPY)}
}

// Task carries the file locations for one reconstruction run
type Task struct {
	JobID      string
	InputPath  string
	OutputPath string
	// PulseqPath is the stored trajectory file, set only for pulseq runs.
	PulseqPath string
}

// Result is the metadata of a completed reconstruction
type Result struct {
	Shape   []int
	Dataset string
}

// Engine computes image volumes from raw k-space data. It is the seam to the
// reconstruction library: implementations own trajectory resolution, coil
// sensitivity estimation and the solver itself, and write the output array
// to task.OutputPath in the volume container format.
type Engine interface {
	Reconstruct(ctx context.Context, logger *slog.Logger, task Task, opts Options) (Result, error)
}

// Options is the engine-facing projection of the validated params
type Options struct {
	Trajectory     Trajectory
	CSM            CSM
	Iterations     int
	Regularization float64
}

// Algorithm describes one registered reconstruction algorithm
type Algorithm struct {
	ID          AlgorithmID
	Name        string
	Description string
}

var registry = []Algorithm{
	{
		ID:          AlgorithmDirect,
		Name:        "Direct Reconstruction",
		Description: "Direct Fourier reconstruction with coil combination",
	},
	{
		ID:          AlgorithmSense,
		Name:        "Iterative SENSE",
		Description: "Regularized iterative SENSE reconstruction",
	},
}

// List returns all registered algorithms in registration order
func List() []Algorithm {
	return registry
}

// Get returns the algorithm registered under id
func Get(id AlgorithmID) (Algorithm, error) {
	for _, alg := range registry {
		if alg.ID == id {
			return alg, nil
		}
	}
	return Algorithm{}, model.Validationf("unknown algorithm %q", id)
}

// Run executes the algorithm identified by params against task on engine
func Run(ctx context.Context, logger *slog.Logger, engine Engine, task Task, params Params) (Result, error) {
	opts := Options{
		Trajectory: params.Common().Trajectory,
		CSM:        params.Common().CSM,
	}
	if sense, ok := params.(SenseParams); ok {
		opts.Iterations = sense.Iterations
		opts.Regularization = sense.Regularization
	}
	return engine.Reconstruct(ctx, logger, task, opts)
}
