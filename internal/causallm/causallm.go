// Package causallm connects a causal language model to the fused
// cross-entropy loss. The model supplies logits; this package shifts the
// labels, hands both to a LossHook and applies the logit transforms on the
// inference path where no labels are given.
package causallm

import (
	"context"
	"fmt"

	"github.com/samcharles93/xent/internal/logger"
	"github.com/samcharles93/xent/internal/tensor"
	"github.com/samcharles93/xent/internal/xent"
)

// Model is a causal language model producing next-token logits.
type Model interface {
	VocabSize() int
	// Logits returns [len(tokens), seq, vocab] logits. Every sequence in
	// tokens has the same length.
	Logits(ctx context.Context, tokens [][]int32) (tensor.Tensor3, error)
}

// LossHook computes the training loss for logits and already shifted
// labels. It is the single point where a host model hands over to the loss.
type LossHook interface {
	ComputeLoss(ctx context.Context, logits tensor.Tensor3, labels tensor.Labels, t xent.Transform) (*xent.Reduction, error)
}

// FusedLoss is the LossHook backed by xent.
type FusedLoss struct {
	CE *xent.CrossEntropy
}

func (f FusedLoss) ComputeLoss(ctx context.Context, logits tensor.Tensor3, labels tensor.Labels, t xent.Transform) (*xent.Reduction, error) {
	return f.CE.Reduce(ctx, logits, labels, t)
}

// Output is the result of Adapter.Forward. Loss is nil on the inference
// path; otherwise the logits storage belongs to the loss state.
type Output struct {
	Logits tensor.Tensor3
	Loss   *xent.Reduction
}

// Adapter wraps a Model with the transform from its config and the loss
// hook used for training steps.
type Adapter struct {
	Model     Model
	Transform xent.Transform
	Loss      LossHook
}

// NewAdapter returns an Adapter whose loss hook is FusedLoss{ce}.
func NewAdapter(m Model, ce *xent.CrossEntropy, t xent.Transform) (*Adapter, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{Model: m, Transform: t, Loss: FusedLoss{CE: ce}}, nil
}

// Forward runs the model over tokens. With labels nil it returns logits
// with the transform applied. Otherwise labels must have the shape of
// tokens; they are shifted left by one position and the loss is computed
// through the hook on the untransformed logits.
func (a *Adapter) Forward(ctx context.Context, tokens, labels [][]int32) (*Output, error) {
	logits, err := a.Model.Logits(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("model logits: %w", err)
	}
	log := logger.FromContext(ctx)
	if labels == nil {
		log.Debug("causal lm inference", "batch", logits.B, "seq", logits.S, "vocab", logits.V)
		if err := ApplyTransforms(&logits.Rows, a.Transform); err != nil {
			return nil, err
		}
		return &Output{Logits: logits}, nil
	}

	y, err := stack(labels, logits.B, logits.S)
	if err != nil {
		return nil, err
	}
	log.Debug("causal lm loss", "batch", logits.B, "seq", logits.S, "vocab", logits.V)
	red, err := a.Loss.ComputeLoss(ctx, logits, ShiftLabels(y), a.Transform)
	if err != nil {
		return nil, err
	}
	return &Output{Logits: logits, Loss: red}, nil
}

// ShiftLabels returns labels where position i holds the label of position
// i+1 in the same sequence and the last position of every sequence is
// xent.IgnoreIndex.
func ShiftLabels(l tensor.Labels) tensor.Labels {
	out := tensor.Labels{B: l.B, S: l.S, Data: make([]int32, len(l.Data))}
	if l.S == 0 {
		return out
	}
	for b := range l.B {
		src, dst := l.Row(b), out.Row(b)
		copy(dst, src[1:])
		dst[l.S-1] = xent.IgnoreIndex
	}
	return out
}

// ApplyTransforms applies scale then softcap to every logit of m in place.
func ApplyTransforms(m *tensor.Matrix, t xent.Transform) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Identity() {
		return nil
	}
	row := make([]float32, m.C)
	for i := range m.R {
		m.RowTo(row, i)
		t.ApplySlice(row)
		m.Store(row, i, 0)
	}
	return nil
}

func stack(rows [][]int32, b, s int) (tensor.Labels, error) {
	if len(rows) != b {
		return tensor.Labels{}, fmt.Errorf("%w: %d label rows for batch %d", xent.ErrShapeMismatch, len(rows), b)
	}
	data := make([]int32, 0, b*s)
	for i, r := range rows {
		if len(r) != s {
			return tensor.Labels{}, fmt.Errorf("%w: label row %d has %d entries, want %d", xent.ErrShapeMismatch, i, len(r), s)
		}
		data = append(data, r...)
	}
	return tensor.NewLabels(b, s, data)
}
