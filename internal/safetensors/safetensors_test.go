package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/xent/internal/tensor"
)

// writeRaw creates a safetensors file from a header and a data section.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		t.Fatalf("write header len: %v", err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func entry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func f32Bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func openTemp(t *testing.T, header map[string]any, data []byte) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, header, data)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{"logits": entry("F32", []int{2, 3}, 0, 24)}, make([]byte, 24))
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
	info, ok := f.Tensor("logits")
	if !ok {
		t.Fatal("tensor 'logits' not found")
	}
	if diff := cmp.Diff(TensorInfo{DType: "F32", Shape: []int{2, 3}, Start: 0, End: 24}, info); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "invalid.safetensors")
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 12)
	if err := os.WriteFile(path, append(buf[:], []byte("not valid js")...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}
}

func TestOpenHugeHeaderLength(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "huge.safetensors")
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1<<40)
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for oversized header")
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad_offsets.safetensors")
	writeRaw(t, path, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestMetadataParsed(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      entry("F32", []int{4}, 0, 16),
	}, make([]byte, 16))
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata=%v", f.Metadata)
	}
}

func TestReadTensorPastEndOfFile(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{
		"ok":   entry("F32", []int{1}, 0, 4),
		"huge": entry("F32", []int{1 << 38}, 4, 4+(1<<40)),
		"neg":  entry("F32", []int{1}, -4, 0),
	}, make([]byte, 8))
	if _, _, err := f.ReadTensor("ok"); err != nil {
		t.Fatalf("ReadTensor(ok): %v", err)
	}
	if _, _, err := f.ReadTensor("huge"); err == nil {
		t.Fatal("expected error for offsets past end of file")
	}
	if _, _, err := f.ReadTensor("neg"); err == nil {
		t.Fatal("expected error for negative offset")
	}
	if _, err := f.ReadMatrix("huge"); err == nil {
		t.Fatal("expected ReadMatrix to reject offsets past end of file")
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{"a": entry("F32", []int{1}, 0, 4)}, make([]byte, 4))
	if _, ok := f.Tensor("nonexistent"); ok {
		t.Fatal("expected tensor not found")
	}
	if _, _, err := f.ReadTensor("nonexistent"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
	if _, err := f.ReadMatrix("nonexistent"); err == nil {
		t.Fatal("expected error for missing matrix")
	}
}

func TestReadMatrixFlattensLeadingDims(t *testing.T) {
	t.Parallel()
	vals := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	f := openTemp(t, map[string]any{"logits": entry("F32", []int{2, 2, 3}, 0, 48)}, f32Bytes(vals...))
	m, err := f.ReadMatrix("logits")
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	if m.R != 4 || m.C != 3 || m.DType != tensor.DTypeF32 {
		t.Fatalf("got %dx%d %v", m.R, m.C, m.DType)
	}
	if diff := cmp.Diff(vals, m.Float32s()); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestReadMatrixHalfPrecision(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dtype string
		bits  []uint16
		want  tensor.DType
	}{
		{dtype: "BF16", bits: []uint16{0x3F80, 0x4000}, want: tensor.DTypeBF16},
		{dtype: "F16", bits: []uint16{0x3C00, 0x4000}, want: tensor.DTypeF16},
	}
	for _, tc := range tests {
		t.Run(tc.dtype, func(t *testing.T) {
			data := make([]byte, 4)
			binary.LittleEndian.PutUint16(data[0:], tc.bits[0])
			binary.LittleEndian.PutUint16(data[2:], tc.bits[1])
			f := openTemp(t, map[string]any{"x": entry(tc.dtype, []int{1, 2}, 0, 4)}, data)
			m, err := f.ReadMatrix("x")
			if err != nil {
				t.Fatalf("ReadMatrix: %v", err)
			}
			if m.DType != tc.want {
				t.Fatalf("dtype=%v want %v", m.DType, tc.want)
			}
			if diff := cmp.Diff([]float32{1, 2}, m.Float32s()); diff != "" {
				t.Fatalf("values (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadMatrixErrors(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{
		"ints":  entry("I32", []int{2}, 0, 8),
		"short": entry("F32", []int{4}, 8, 16),
	}, make([]byte, 16))
	if _, err := f.ReadMatrix("ints"); err == nil {
		t.Fatal("expected error for integer dtype")
	}
	if _, err := f.ReadMatrix("short"); err == nil {
		t.Fatal("expected error for size mismatch")
	}
}

func TestReadTensor3(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{
		"rank3": entry("F32", []int{2, 3, 4}, 0, 96),
		"rank2": entry("F32", []int{3, 4}, 96, 144),
		"rank1": entry("F32", []int{4}, 144, 160),
	}, make([]byte, 160))

	x, err := f.ReadTensor3("rank3")
	if err != nil {
		t.Fatalf("rank3: %v", err)
	}
	if x.B != 2 || x.S != 3 || x.V != 4 || x.Rows.R != 6 {
		t.Fatalf("rank3 shape %+v", x)
	}
	y, err := f.ReadTensor3("rank2")
	if err != nil {
		t.Fatalf("rank2: %v", err)
	}
	if y.B != 1 || y.S != 3 || y.V != 4 {
		t.Fatalf("rank2 shape %+v", y)
	}
	if _, err := f.ReadTensor3("rank1"); err == nil {
		t.Fatal("expected error for rank 1 logits")
	}
}

func TestReadLabels(t *testing.T) {
	t.Parallel()
	i32 := make([]byte, 16)
	for i, v := range []int32{3, -100, 0, 7} {
		binary.LittleEndian.PutUint32(i32[i*4:], uint32(v))
	}
	i64 := make([]byte, 24)
	for i, v := range []int64{1, -100, 2} {
		binary.LittleEndian.PutUint64(i64[i*8:], uint64(v))
	}
	big := make([]byte, 8)
	binary.LittleEndian.PutUint64(big, 1<<40)
	data := append(append(i32, i64...), big...)
	f := openTemp(t, map[string]any{
		"i32": entry("I32", []int{2, 2}, 0, 16),
		"i64": entry("I64", []int{3}, 16, 40),
		"big": entry("I64", []int{1}, 40, 48),
		"f32": entry("F32", []int{2}, 0, 8),
	}, data)

	l, err := f.ReadLabels("i32")
	if err != nil {
		t.Fatalf("i32: %v", err)
	}
	if diff := cmp.Diff(tensor.Labels{B: 2, S: 2, Data: []int32{3, -100, 0, 7}}, l); diff != "" {
		t.Fatalf("i32 (-want +got):\n%s", diff)
	}
	l, err = f.ReadLabels("i64")
	if err != nil {
		t.Fatalf("i64: %v", err)
	}
	if diff := cmp.Diff(tensor.Labels{B: 1, S: 3, Data: []int32{1, -100, 2}}, l); diff != "" {
		t.Fatalf("i64 (-want +got):\n%s", diff)
	}
	if _, err := f.ReadLabels("big"); err == nil {
		t.Fatal("expected overflow error")
	}
	if _, err := f.ReadLabels("f32"); err == nil {
		t.Fatal("expected dtype error")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.safetensors")

	grad := tensor.NewMatrix(2, 3)
	copy(grad.Data, []float32{0.5, -0.25, 1, 2, -2, 0})
	bf, err := tensor.NewMatrixFromRaw(1, 2, tensor.DTypeBF16, []byte{0x80, 0x3F, 0x00, 0x40})
	if err != nil {
		t.Fatal(err)
	}
	err = Write(path, []Tensor{
		MatrixTensor("grad", []int{1, 2, 3}, grad),
		MatrixTensor("half", []int{2}, bf),
		F32Tensor("loss", []int{1}, []float32{1.25}),
		I32Tensor("labels", []int{2}, []int32{1, -100}),
	}, map[string]string{"producer": "xent"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data section starts at %d, not 8 byte aligned", f.DataStart)
	}
	if diff := cmp.Diff([]string{"grad", "half", "labels", "loss"}, f.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if f.Metadata["producer"] != "xent" {
		t.Fatalf("metadata=%v", f.Metadata)
	}
	g3, err := f.ReadTensor3("grad")
	if err != nil {
		t.Fatalf("ReadTensor3: %v", err)
	}
	if diff := cmp.Diff(grad.Data, g3.Rows.Float32s()); diff != "" {
		t.Fatalf("grad (-want +got):\n%s", diff)
	}
	h, err := f.ReadMatrix("half")
	if err != nil {
		t.Fatalf("half: %v", err)
	}
	if h.DType != tensor.DTypeBF16 {
		t.Fatalf("half dtype %v", h.DType)
	}
	if diff := cmp.Diff([]float32{1, 2}, h.Float32s()); diff != "" {
		t.Fatalf("half (-want +got):\n%s", diff)
	}
	l, err := f.ReadLabels("labels")
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if diff := cmp.Diff([]int32{1, -100}, l.Data); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}
}

func TestWriteRejectsBadTensors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name    string
		tensors []Tensor
	}{
		{name: "size", tensors: []Tensor{{Name: "a", DType: "F32", Shape: []int{2}, Data: make([]byte, 4)}}},
		{name: "dtype", tensors: []Tensor{{Name: "a", DType: "U8", Shape: []int{1}, Data: make([]byte, 1)}}},
		{name: "duplicate", tensors: []Tensor{
			F32Tensor("a", []int{1}, []float32{1}),
			F32Tensor("a", []int{1}, []float32{2}),
		}},
		{name: "shape", tensors: []Tensor{{Name: "a", DType: "F32", Shape: nil, Data: nil}}},
	}
	for _, tc := range tests {
		if err := Write(filepath.Join(dir, tc.name), tc.tensors, nil); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{1}, 1, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 0, true},
		{[]int{0}, 0, true},
		{[]int{-1}, 0, true},
		{[]int{2, -1}, 0, true},
	}
	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("numElements(%v): expected error", tc.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("numElements(%v): unexpected error: %v", tc.shape, err)
			continue
		}
		if n != tc.expected {
			t.Errorf("numElements(%v): expected %d, got %d", tc.shape, tc.expected, n)
		}
	}
}
