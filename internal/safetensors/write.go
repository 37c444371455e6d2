package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/xent/internal/tensor"
)

// Tensor is one entry to be written. Data holds little-endian elements.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// MatrixTensor encodes m in its own dtype under the given shape.
func MatrixTensor(name string, shape []int, m tensor.Matrix) Tensor {
	return Tensor{Name: name, DType: m.DType.String(), Shape: shape, Data: m.Bytes()}
}

// F32Tensor encodes vals as F32.
func F32Tensor(name string, shape []int, vals []float32) Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return Tensor{Name: name, DType: "F32", Shape: shape, Data: data}
}

// I32Tensor encodes vals as I32.
func I32Tensor(name string, shape []int, vals []int32) Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return Tensor{Name: name, DType: "I32", Shape: shape, Data: data}
}

// Write stores tensors in order in a new file at path. The header is
// padded with spaces to an 8 byte boundary.
func Write(path string, tensors []Tensor, metadata map[string]string) (err error) {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, t := range tensors {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if size := dtypeSize(t.DType); size == 0 || n*size != len(t.Data) {
			return fmt.Errorf("tensor %s: %d bytes for %s %v", t.Name, len(t.Data), t.DType, t.Shape)
		}
		header[t.Name] = tensorHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + int64(len(t.Data))},
		}
		off += int64(len(t.Data))
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if pad := (8 - len(hb)%8) % 8; pad > 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	return w.Flush()
}

func dtypeSize(dtype string) int {
	switch dtype {
	case "F32", "I32":
		return 4
	case "F16", "BF16":
		return 2
	case "I64":
		return 8
	default:
		return 0
	}
}
