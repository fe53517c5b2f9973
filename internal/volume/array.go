// Package volume stores and reads multi-dimensional float32 result arrays.
//
// The on-disk container is a small little-endian header followed by the raw
// row-major float32 data:
//
//	magic "MRV1" | uint16 version | uint16 name length | dataset name |
//	uint16 ndim | ndim x uint32 dims | float32 data
//
// Because the payload is contiguous row-major, volumes and slices are read
// with positioned reads of just the requested region; the full array is
// never loaded for a sub-selection.
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var magic = [4]byte{'M', 'R', 'V', '1'}

const formatVersion = 1

// Meta describes a stored array
type Meta struct {
	Dataset    string
	Shape      []int
	DataOffset int64
}

// BatchDims returns the leading dimensions preceding the trailing z/y/x volume
func (m Meta) BatchDims() []int {
	return m.Shape[:len(m.Shape)-3]
}

// Write stores an array at path. len(data) must equal the product of shape.
func Write(path, dataset string, shape []int, data []float32) error {
	if len(shape) < 3 {
		return fmt.Errorf("array must have at least 3 dimensions, got %d", len(shape))
	}
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension %d", dim)
		}
		n *= dim
	}
	if n != len(data) {
		return fmt.Errorf("shape %v does not match %d values", shape, len(data))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create array file: %w", err)
	}
	defer f.Close()

	if err := writeHeader(f, dataset, shape); err != nil {
		return err
	}
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write array data: %w", err)
	}
	return f.Sync()
}

func writeHeader(w io.Writer, dataset string, shape []int) error {
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("failed to write array header: %w", err)
	}
	head := make([]byte, 0, 4+2*len(dataset)+4*len(shape))
	head = binary.LittleEndian.AppendUint16(head, formatVersion)
	head = binary.LittleEndian.AppendUint16(head, uint16(len(dataset)))
	head = append(head, dataset...)
	head = binary.LittleEndian.AppendUint16(head, uint16(len(shape)))
	for _, dim := range shape {
		head = binary.LittleEndian.AppendUint32(head, uint32(dim))
	}
	if _, err := w.Write(head); err != nil {
		return fmt.Errorf("failed to write array header: %w", err)
	}
	return nil
}

// Reader reads stored arrays with positioned sub-selection reads
type Reader struct {
	f    *os.File
	meta Meta
}

// Open opens a stored array and validates its header against the file size
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	meta, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("invalid array file %s: %w", path, err)
	}

	n := int64(1)
	for _, dim := range meta.Shape {
		n *= int64(dim)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != meta.DataOffset+4*n {
		f.Close()
		return nil, fmt.Errorf("array file %s is truncated", path)
	}

	return &Reader{f: f, meta: meta}, nil
}

func readHeader(r io.Reader) (Meta, error) {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return Meta{}, err
	}
	if m != magic {
		return Meta{}, errors.New("bad magic")
	}

	var fixed [4]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Meta{}, err
	}
	if v := binary.LittleEndian.Uint16(fixed[0:2]); v != formatVersion {
		return Meta{}, fmt.Errorf("unsupported version %d", v)
	}
	nameLen := binary.LittleEndian.Uint16(fixed[2:4])
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Meta{}, err
	}

	var ndimBuf [2]byte
	if _, err := io.ReadFull(r, ndimBuf[:]); err != nil {
		return Meta{}, err
	}
	ndim := int(binary.LittleEndian.Uint16(ndimBuf[:]))
	if ndim < 3 {
		return Meta{}, fmt.Errorf("array must have at least 3 dimensions, got %d", ndim)
	}
	dims := make([]byte, 4*ndim)
	if _, err := io.ReadFull(r, dims); err != nil {
		return Meta{}, err
	}
	shape := make([]int, ndim)
	for i := range shape {
		dim := binary.LittleEndian.Uint32(dims[4*i:])
		if dim == 0 {
			return Meta{}, errors.New("zero-sized dimension")
		}
		shape[i] = int(dim)
	}

	return Meta{
		Dataset:    string(name),
		Shape:      shape,
		DataOffset: int64(4 + 4 + int(nameLen) + 2 + 4*ndim),
	}, nil
}

// Meta returns the array metadata
func (r *Reader) Meta() Meta {
	return r.meta
}

// Close closes the underlying file
func (r *Reader) Close() error {
	return r.f.Close()
}

// DataReader returns a reader over the full raw float32 payload, and its size
// in bytes. Used for whole-array export.
func (r *Reader) DataReader() (io.Reader, int64) {
	n := int64(1)
	for _, dim := range r.meta.Shape {
		n *= int64(dim)
	}
	return io.NewSectionReader(r.f, r.meta.DataOffset, 4*n), 4 * n
}

// volumeOffset returns the byte offset of the z/y/x volume selected by the
// batch index prefix, and the volume length in bytes
func (r *Reader) volumeOffset(batch []int) (int64, int64, error) {
	shape := r.meta.Shape
	batchDims := r.meta.BatchDims()
	if len(batch) != len(batchDims) {
		return 0, 0, fmt.Errorf("batch rank %d does not match %d batch dimensions", len(batch), len(batchDims))
	}
	index := int64(0)
	for i, b := range batch {
		if b < 0 || b >= batchDims[i] {
			return 0, 0, fmt.Errorf("batch index %d out of range for dimension %d", b, batchDims[i])
		}
		index = index*int64(batchDims[i]) + int64(b)
	}
	z, y, x := shape[len(shape)-3], shape[len(shape)-2], shape[len(shape)-1]
	volBytes := 4 * int64(z) * int64(y) * int64(x)
	return r.meta.DataOffset + index*volBytes, volBytes, nil
}

// Volume reads one z/y/x volume selected by the batch index prefix and
// returns its shape and raw little-endian float32 bytes
func (r *Reader) Volume(batch []int) ([]int, []byte, error) {
	offset, length, err := r.volumeOffset(batch)
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, length)
	if _, err := r.f.ReadAt(data, offset); err != nil {
		return nil, nil, fmt.Errorf("failed to read volume: %w", err)
	}
	shape := r.meta.Shape
	return []int{shape[len(shape)-3], shape[len(shape)-2], shape[len(shape)-1]}, data, nil
}

// Float32s decodes raw little-endian float32 bytes into float64 values
func Float32s(data []byte) []float64 {
	out := make([]float64, len(data)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:])))
	}
	return out
}
