package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Matrix is a row-major matrix of logits or gradients.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows and may exceed C when
// the rows are views into a wider buffer. For f32 storage Data is populated;
// for f16/bf16 (and unaligned f32) storage Raw holds little-endian bytes and
// elements are decoded on load and re-encoded on store.
//
// Matrix is a view: copies share storage. Use Clone for an independent copy.
type Matrix struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

// NewMatrix allocates a zeroed f32 matrix with Stride == C.
func NewMatrix(r, c int) Matrix {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Matrix{
		R:      r,
		C:      c,
		Stride: c,
		DType:  DTypeF32,
		Data:   make([]float32, r*c),
	}
}

// NewMatrixFromData wraps data as a dense r x c matrix.
// It panics when len(data) != r*c.
func NewMatrixFromData(r, c int, data []float32) Matrix {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Matrix{
		R:      r,
		C:      c,
		Stride: c,
		DType:  DTypeF32,
		Data:   data,
	}
}

// NewStridedMatrix wraps data as an r x c matrix whose rows start stride
// elements apart.
func NewStridedMatrix(r, c, stride int, data []float32) (Matrix, error) {
	m := Matrix{R: r, C: c, Stride: stride, DType: DTypeF32, Data: data}
	if err := m.Validate(); err != nil {
		return Matrix{}, err
	}
	return m, nil
}

// NewMatrixFromRaw creates a dense matrix backed by raw little-endian bytes
// in the provided dtype. F32 bytes are aliased as []float32 when alignment
// allows so in-place writes land in raw either way.
func NewMatrixFromRaw(r, c int, dtype DType, raw []byte) (Matrix, error) {
	if r < 0 || c < 0 {
		return Matrix{}, errNegativeDim
	}
	elemSize := dtype.Size()
	if elemSize == 0 {
		return Matrix{}, errUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return Matrix{}, errMatTooLarge
	}
	wantBytes := want * elemSize
	if want != 0 && wantBytes/want != elemSize {
		return Matrix{}, errMatTooLarge
	}
	if len(raw) != wantBytes {
		return Matrix{}, errRawSizeMismatch
	}
	m := Matrix{R: r, C: c, Stride: c, DType: dtype, Raw: raw}
	if dtype == DTypeF32 {
		if view, ok := rawFloat32LE(raw); ok {
			m.Data = view
			m.Raw = nil
		}
	}
	return m, nil
}

// Validate checks the shape against the backing storage.
func (m *Matrix) Validate() error {
	if m.R < 0 || m.C < 0 {
		return errNegativeDim
	}
	if m.DType.Size() == 0 {
		return errUnsupportedDType
	}
	if m.R > 1 && m.Stride < m.C {
		return fmt.Errorf("%w: stride %d < cols %d", errBadStride, m.Stride, m.C)
	}
	if m.R == 0 || m.C == 0 {
		return nil
	}
	need := (m.R-1)*m.Stride + m.C
	if have := m.Len(); have < need {
		return fmt.Errorf("%w: need %d elements, have %d", errRawSizeMismatch, need, have)
	}
	return nil
}

// Len returns the number of addressable elements in the backing storage.
func (m *Matrix) Len() int {
	if m.Raw != nil {
		return len(m.Raw) / m.DType.Size()
	}
	return len(m.Data)
}

func (m *Matrix) decoded() bool {
	return m.Raw == nil
}

// Load decodes up to len(dst) elements of row starting at column col into
// dst and returns how many were written. Columns past C are not touched.
func (m *Matrix) Load(dst []float32, row, col int) int {
	if row < 0 || row >= m.R {
		panic("row index out of range")
	}
	n := min(len(dst), m.C-col)
	if n <= 0 {
		return 0
	}
	off := row*m.Stride + col
	if m.decoded() {
		copy(dst[:n], m.Data[off:off+n])
		return n
	}
	switch m.DType {
	case DTypeBF16:
		for j := range n {
			dst[j] = DecodeBF16(u16le(m.Raw, (off+j)*2))
		}
	case DTypeF16:
		for j := range n {
			dst[j] = DecodeF16(u16le(m.Raw, (off+j)*2))
		}
	case DTypeF32:
		for j := range n {
			dst[j] = math.Float32frombits(u32le(m.Raw, (off+j)*4))
		}
	default:
		panic("unsupported dtype for row decode")
	}
	return n
}

// Store encodes src into row starting at column col. Values past C are
// dropped.
func (m *Matrix) Store(src []float32, row, col int) {
	if row < 0 || row >= m.R {
		panic("row index out of range")
	}
	n := min(len(src), m.C-col)
	if n <= 0 {
		return
	}
	off := row*m.Stride + col
	if m.decoded() {
		copy(m.Data[off:off+n], src[:n])
		return
	}
	switch m.DType {
	case DTypeBF16:
		for j := range n {
			putU16le(m.Raw, (off+j)*2, EncodeBF16(src[j]))
		}
	case DTypeF16:
		for j := range n {
			putU16le(m.Raw, (off+j)*2, EncodeF16(src[j]))
		}
	case DTypeF32:
		for j := range n {
			putU32le(m.Raw, (off+j)*4, math.Float32bits(src[j]))
		}
	default:
		panic("unsupported dtype for row encode")
	}
}

// At returns element (row, col).
func (m *Matrix) At(row, col int) float32 {
	if col < 0 || col >= m.C {
		panic("column index out of range")
	}
	var v [1]float32
	m.Load(v[:], row, col)
	return v[0]
}

// Set overwrites element (row, col).
func (m *Matrix) Set(row, col int, v float32) {
	if col < 0 || col >= m.C {
		panic("column index out of range")
	}
	m.Store([]float32{v}, row, col)
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Matrix) RowTo(dst []float32, i int) {
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	m.Load(dst[:m.C], i, 0)
}

// Row returns row i as f32. For decoded storage it is a view; otherwise a
// freshly decoded copy.
func (m *Matrix) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.decoded() {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// Clone returns a deep copy with the same dtype, shape and stride.
func (m *Matrix) Clone() Matrix {
	out := *m
	if m.Raw != nil {
		out.Raw = append([]byte(nil), m.Raw...)
	}
	if m.Data != nil {
		out.Data = append([]float32(nil), m.Data...)
	}
	return out
}

// Float32s returns a dense R*C copy of the matrix decoded to f32.
func (m *Matrix) Float32s() []float32 {
	out := make([]float32, m.R*m.C)
	for i := range m.R {
		m.Load(out[i*m.C:(i+1)*m.C], i, 0)
	}
	return out
}

// Bytes returns the R*C elements densely encoded as little-endian bytes in
// the matrix dtype.
func (m *Matrix) Bytes() []byte {
	n := m.R * m.C
	if m.Raw != nil && (m.Stride == m.C || m.R <= 1) && len(m.Raw) >= n*m.DType.Size() {
		return append([]byte(nil), m.Raw[:n*m.DType.Size()]...)
	}
	out := make([]byte, n*m.DType.Size())
	vals := m.Float32s()
	for i, v := range vals {
		switch m.DType {
		case DTypeF16:
			putU16le(out, i*2, EncodeF16(v))
		case DTypeBF16:
			putU16le(out, i*2, EncodeBF16(v))
		default:
			putU32le(out, i*4, math.Float32bits(v))
		}
	}
	return out
}

// FillRand fills the matrix with reproducible values uniform in
// (-scale, scale). Padding between rows is left untouched.
func FillRand(m *Matrix, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]float32, m.C)
	for i := range m.R {
		for j := range buf {
			buf[j] = (rng.Float32()*2 - 1) * scale
		}
		m.Store(buf, i, 0)
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
	errBadStride        = fmtError("row stride smaller than row width")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
