package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// WriteNPY streams a stored array as a NumPy .npy (format version 1.0) file.
// The container payload is already contiguous row-major little-endian
// float32, so the export is a header plus a straight copy.
func WriteNPY(w io.Writer, shape []int, data io.Reader) error {
	dims := make([]string, len(shape))
	for i, dim := range shape {
		dims[i] = fmt.Sprintf("%d", dim)
	}
	shapeRepr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeRepr += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shapeRepr)

	// Magic + version + header length + header must be 64-byte aligned,
	// header terminated by newline.
	padded := len(header) + 1
	if rem := (10 + padded) % 64; rem != 0 {
		padded += 64 - rem
	}
	header += strings.Repeat(" ", padded-len(header)-1) + "\n"

	buf := make([]byte, 0, 10+len(header))
	buf = append(buf, 0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write npy header: %w", err)
	}

	if _, err := io.Copy(w, data); err != nil {
		return fmt.Errorf("failed to write npy data: %w", err)
	}
	return nil
}
