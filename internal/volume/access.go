package volume

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/reconlab/mriserve/internal/model"
)

// Orientation selects one of the three fixed 2D slicing planes through a
// z/y/x volume
type Orientation string

const (
	// OrientationYX indexes the z extent and yields y/x planes
	OrientationYX Orientation = "yx"
	// OrientationZX indexes the y extent and yields z/x planes
	OrientationZX Orientation = "zx"
	// OrientationZY indexes the x extent and yields z/y planes
	OrientationZY Orientation = "zy"
)

// ParseOrientation validates an orientation query value
func ParseOrientation(s string) (Orientation, error) {
	switch Orientation(s) {
	case OrientationYX, OrientationZX, OrientationZY:
		return Orientation(s), nil
	}
	return "", model.Validationf("invalid orientation %q", s)
}

// ResolveBatchIndices parses and validates a comma-separated batch parameter
// against the available batch dimensions. An empty parameter selects the
// first element along every batch dimension. Violations are client errors.
func ResolveBatchIndices(batch string, batchDims []int) ([]int, error) {
	if len(batchDims) == 0 {
		return []int{}, nil
	}
	if batch == "" {
		return make([]int, len(batchDims)), nil
	}

	var parts []string
	for _, part := range strings.Split(batch, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) != len(batchDims) {
		return nil, model.Validationf("invalid batch length: got %d indices, need %d", len(parts), len(batchDims))
	}

	indices := make([]int, len(parts))
	for i, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil {
			return nil, model.Validationf("invalid batch index %q", part)
		}
		if value < 0 || value >= batchDims[i] {
			return nil, model.Validationf("batch index %d out of range [0, %d)", value, batchDims[i])
		}
		indices[i] = value
	}
	return indices, nil
}

// Slice reads one 2D plane of the batch-selected volume and returns its
// shape and raw little-endian float32 bytes. The index addresses the z, y or
// x extent depending on orientation; an out-of-range index is a client error.
func (r *Reader) Slice(orientation Orientation, index int, batch []int) ([]int, []byte, error) {
	base, _, err := r.volumeOffset(batch)
	if err != nil {
		return nil, nil, err
	}
	shape := r.meta.Shape
	z, y, x := shape[len(shape)-3], shape[len(shape)-2], shape[len(shape)-1]

	var extent int
	switch orientation {
	case OrientationYX:
		extent = z
	case OrientationZX:
		extent = y
	case OrientationZY:
		extent = x
	default:
		return nil, nil, model.Validationf("invalid orientation %q", orientation)
	}
	if index < 0 || index >= extent {
		return nil, nil, model.Validationf("slice index %d out of range [0, %d)", index, extent)
	}

	rowBytes := int64(4 * x)
	planeBytes := int64(4*y) * int64(x)

	switch orientation {
	case OrientationYX:
		// One contiguous plane.
		data := make([]byte, planeBytes)
		if _, err := r.f.ReadAt(data, base+int64(index)*planeBytes); err != nil {
			return nil, nil, fmt.Errorf("failed to read slice: %w", err)
		}
		return []int{y, x}, data, nil

	case OrientationZX:
		// One x-row per z plane.
		data := make([]byte, int64(z)*rowBytes)
		for zi := 0; zi < z; zi++ {
			offset := base + int64(zi)*planeBytes + int64(index)*rowBytes
			if _, err := r.f.ReadAt(data[int64(zi)*rowBytes:int64(zi+1)*rowBytes], offset); err != nil {
				return nil, nil, fmt.Errorf("failed to read slice: %w", err)
			}
		}
		return []int{z, x}, data, nil

	default:
		// One value per z/y pair at a fixed x.
		data := make([]byte, 4*z*y)
		pos := 0
		for zi := 0; zi < z; zi++ {
			for yi := 0; yi < y; yi++ {
				offset := base + int64(zi)*planeBytes + int64(yi)*rowBytes + int64(4*index)
				if _, err := r.f.ReadAt(data[pos:pos+4], offset); err != nil {
					return nil, nil, fmt.Errorf("failed to read slice: %w", err)
				}
				pos += 4
			}
		}
		return []int{z, y}, data, nil
	}
}

// WindowStats returns the 1st and 99th percentile of the values, for
// client-side display windowing
func WindowStats(values []float64) (p01, p99 float64, err error) {
	if len(values) == 0 {
		return 0, 0, fmt.Errorf("empty volume")
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentile(sorted, 1), percentile(sorted, 99), nil
}

// percentile computes the linearly interpolated percentile of sorted values.
// montanaflynn/stats is on the module graph but implements the
// nearest-rank-averaging definition, which does not match the display
// windowing contract here.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
