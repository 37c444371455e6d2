// Package safetensors reads and writes the safetensors container used to
// move logits, labels and gradients in and out of xent.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/xent/internal/tensor"
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// maxHeaderLen bounds the JSON header we are willing to allocate for.
const maxHeaderLen = 100 << 20

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderLen {
		return nil, fmt.Errorf("header length %d exceeds limit", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}
	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.Start < 0 || t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	st, err := file.Stat()
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if f.DataStart+t.End > st.Size() {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: offsets [%d, %d) past end of data (%d bytes)",
			name, t.Start, t.End, st.Size()-f.DataStart)
	}
	buf := make([]byte, t.End-t.Start)

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadMatrix loads a floating point tensor as a matrix whose columns are
// the last dimension and whose rows are all leading dimensions flattened.
// The matrix keeps the stored dtype, so gradients written into it are
// encoded the same way.
func (f *File) ReadMatrix(name string) (tensor.Matrix, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return tensor.Matrix{}, err
	}
	dt, err := tensor.ParseDType(info.DType)
	if err != nil {
		return tensor.Matrix{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if _, err := numElements(info.Shape); err != nil {
		return tensor.Matrix{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	cols := info.Shape[len(info.Shape)-1]
	rows := 1
	for _, d := range info.Shape[:len(info.Shape)-1] {
		rows *= d
	}
	m, err := tensor.NewMatrixFromRaw(rows, cols, dt, raw)
	if err != nil {
		return tensor.Matrix{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return m, nil
}

// ReadTensor3 loads [batch, seq, vocab] logits. A rank-2 tensor is read
// as a single batch entry.
func (f *File) ReadTensor3(name string) (tensor.Tensor3, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return tensor.Tensor3{}, fmt.Errorf("tensor not found: %s", name)
	}
	var b, s int
	switch len(info.Shape) {
	case 2:
		b, s = 1, info.Shape[0]
	case 3:
		b, s = info.Shape[0], info.Shape[1]
	default:
		return tensor.Tensor3{}, fmt.Errorf("tensor %s: want rank 2 or 3, got shape %v", name, info.Shape)
	}
	m, err := f.ReadMatrix(name)
	if err != nil {
		return tensor.Tensor3{}, err
	}
	return tensor.Tensor3{B: b, S: s, V: m.C, Rows: m}, nil
}

// ReadLabels loads integer class ids stored as I32 or I64 with shape
// [batch, seq] or [seq].
func (f *File) ReadLabels(name string) (tensor.Labels, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return tensor.Labels{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return tensor.Labels{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	var b, s int
	switch len(info.Shape) {
	case 1:
		b, s = 1, info.Shape[0]
	case 2:
		b, s = info.Shape[0], info.Shape[1]
	default:
		return tensor.Labels{}, fmt.Errorf("tensor %s: want rank 1 or 2, got shape %v", name, info.Shape)
	}
	out := make([]int32, n)
	switch info.DType {
	case "I32":
		if len(raw) != n*4 {
			return tensor.Labels{}, fmt.Errorf("tensor %s: invalid i32 data size", name)
		}
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "I64":
		if len(raw) != n*8 {
			return tensor.Labels{}, fmt.Errorf("tensor %s: invalid i64 data size", name)
		}
		for i := range out {
			v := int64(binary.LittleEndian.Uint64(raw[i*8:]))
			if v < -1<<31 || v > 1<<31-1 {
				return tensor.Labels{}, fmt.Errorf("tensor %s: label %d overflows int32", name, v)
			}
			out[i] = int32(v)
		}
	default:
		return tensor.Labels{}, fmt.Errorf("tensor %s: unsupported label dtype %s", name, info.DType)
	}
	return tensor.NewLabels(b, s, out)
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
