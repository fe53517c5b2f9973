package recon

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/reconlab/mriserve/internal/model"
)

// AlgorithmID identifies a reconstruction algorithm
type AlgorithmID string

const (
	AlgorithmDirect AlgorithmID = "direct_reconstruction"
	AlgorithmSense  AlgorithmID = "sense"
)

// Trajectory selects how the k-space trajectory is obtained
type Trajectory string

const (
	TrajectoryISMRMRD   Trajectory = "ismrmrd"
	TrajectoryCartesian Trajectory = "cartesian"
	TrajectoryPulseq    Trajectory = "pulseq"
)

// CSM selects the coil sensitivity map estimation method
type CSM string

const (
	CSMWalsh CSM = "walsh"
	CSMInati CSM = "inati"
	CSMNone  CSM = "none"
)

// Params is the validated parameter set of one algorithm. The concrete type
// is selected by the "algorithm" discriminator field in the JSON encoding.
type Params interface {
	AlgorithmID() AlgorithmID
	Common() CommonParams
	Validate() error
}

// CommonParams are the fields shared by every algorithm
type CommonParams struct {
	Algorithm      AlgorithmID `json:"algorithm"`
	Trajectory     Trajectory  `json:"trajectory_calculator"`
	PulseqFilename string      `json:"pulseq_filename,omitempty"`
	CSM            CSM         `json:"csm_algorithm"`
}

// AlgorithmID returns the discriminator value
func (p CommonParams) AlgorithmID() AlgorithmID {
	return p.Algorithm
}

// Common returns the shared fields
func (p CommonParams) Common() CommonParams {
	return p
}

// Validate enforces the cross-field trajectory rules
func (p CommonParams) Validate() error {
	switch p.Trajectory {
	case TrajectoryISMRMRD, TrajectoryCartesian, TrajectoryPulseq:
	default:
		return model.Validationf("invalid trajectory_calculator %q", p.Trajectory)
	}
	switch p.CSM {
	case CSMWalsh, CSMInati, CSMNone:
	default:
		return model.Validationf("invalid csm_algorithm %q", p.CSM)
	}
	if p.Trajectory == TrajectoryPulseq && p.PulseqFilename == "" {
		return model.Validationf("pulseq_filename is required when trajectory_calculator is pulseq")
	}
	if p.Trajectory != TrajectoryPulseq && p.PulseqFilename != "" {
		return model.Validationf("pulseq_filename is only allowed when trajectory_calculator is pulseq")
	}
	return nil
}

// DirectParams configures direct reconstruction
type DirectParams struct {
	CommonParams
}

// SenseParams configures regularized iterative SENSE reconstruction
type SenseParams struct {
	CommonParams
	Regularization float64 `json:"regularization"`
	Iterations     int     `json:"iterations"`
}

// Validate checks the SENSE-specific fields on top of the common rules
func (p SenseParams) Validate() error {
	if err := p.CommonParams.Validate(); err != nil {
		return err
	}
	if p.Regularization < 0 {
		return model.Validationf("regularization must be non-negative")
	}
	if p.Iterations < 1 {
		return model.Validationf("iterations must be at least 1")
	}
	return nil
}

func defaultCommon(id AlgorithmID) CommonParams {
	return CommonParams{
		Algorithm:  id,
		Trajectory: TrajectoryISMRMRD,
		CSM:        CSMWalsh,
	}
}

// DefaultParams returns the default parameter set for an algorithm
func DefaultParams(id AlgorithmID) (Params, error) {
	switch id {
	case AlgorithmDirect:
		return DirectParams{CommonParams: defaultCommon(id)}, nil
	case AlgorithmSense:
		return SenseParams{
			CommonParams:   defaultCommon(id),
			Regularization: 0.01,
			Iterations:     10,
		}, nil
	}
	return nil, model.Validationf("unknown algorithm %q", id)
}

// DecodeParams decodes a JSON parameter document into the concrete type
// selected by its "algorithm" discriminator, applies defaults for absent
// fields, rejects unknown fields, and validates the result
func DecodeParams(raw []byte) (Params, error) {
	var probe struct {
		Algorithm AlgorithmID `json:"algorithm"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, model.Validationf("invalid params: %v", err)
	}

	defaults, err := DefaultParams(probe.Algorithm)
	if err != nil {
		return nil, err
	}

	var params Params
	switch p := defaults.(type) {
	case DirectParams:
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		params = p
	case SenseParams:
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		params = p
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Validationf("invalid params: %v", err)
	}
	return nil
}

// EncodeParams produces the canonical JSON encoding of a parameter set
func EncodeParams(p Params) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return data, nil
}
