package tensor

import "fmt"

// Tensor3 is a [batch, seq, vocab] logits tensor whose (batch, seq)
// positions are the rows of Rows in batch-major order.
type Tensor3 struct {
	B, S, V int
	Rows    Matrix
}

// NewTensor3 wraps dense f32 data of shape [b, s, v].
func NewTensor3(b, s, v int, data []float32) (Tensor3, error) {
	if b < 0 || s < 0 || v < 0 {
		return Tensor3{}, errNegativeDim
	}
	if len(data) != b*s*v {
		return Tensor3{}, fmt.Errorf("%w: shape [%d %d %d] needs %d elements, have %d",
			errRawSizeMismatch, b, s, v, b*s*v, len(data))
	}
	return Tensor3{B: b, S: s, V: v, Rows: NewMatrixFromData(b*s, v, data)}, nil
}

// Flatten returns the [batch*seq, vocab] view used by the kernels.
func (t Tensor3) Flatten() (Matrix, error) {
	if t.Rows.R != t.B*t.S || t.Rows.C != t.V {
		return Matrix{}, fmt.Errorf("tensor3 [%d %d %d] backed by %dx%d rows",
			t.B, t.S, t.V, t.Rows.R, t.Rows.C)
	}
	if err := t.Rows.Validate(); err != nil {
		return Matrix{}, err
	}
	return t.Rows, nil
}

// Labels is a [batch, seq] matrix of target class ids.
type Labels struct {
	B, S int
	Data []int32
}

// NewLabels wraps data of shape [b, s].
func NewLabels(b, s int, data []int32) (Labels, error) {
	if b < 0 || s < 0 {
		return Labels{}, errNegativeDim
	}
	if len(data) != b*s {
		return Labels{}, fmt.Errorf("%w: labels [%d %d] need %d entries, have %d",
			errRawSizeMismatch, b, s, b*s, len(data))
	}
	return Labels{B: b, S: s, Data: data}, nil
}

// Row returns the labels of batch entry b as a view.
func (l Labels) Row(b int) []int32 {
	return l.Data[b*l.S : (b+1)*l.S]
}
