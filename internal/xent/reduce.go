package xent

import (
	"context"
	"fmt"

	"github.com/samcharles93/xent/internal/tensor"
)

// Reduction is the mean loss over the non-ignored labels of a batch.
type Reduction struct {
	Loss      float32
	Valid     int
	RowLosses []float32

	b, s  int
	state *State
}

// State exposes the underlying forward state.
func (r *Reduction) State() *State {
	return r.state
}

// Reduce flattens [B, S, V] logits and [B, S] labels into rows, runs
// Forward and returns sum(row losses) / count(labels != IgnoreIndex).
// A batch whose labels are all IgnoreIndex fails with ErrAllLabelsIgnored
// before any kernel runs.
func (ce *CrossEntropy) Reduce(ctx context.Context, logits tensor.Tensor3, labels tensor.Labels, t Transform) (*Reduction, error) {
	if logits.B != labels.B || logits.S != labels.S {
		return nil, fmt.Errorf("%w: logits [%d %d %d], labels [%d %d]",
			ErrShapeMismatch, logits.B, logits.S, logits.V, labels.B, labels.S)
	}
	if len(labels.Data) != labels.B*labels.S {
		return nil, fmt.Errorf("%w: labels [%d %d] hold %d entries",
			ErrShapeMismatch, labels.B, labels.S, len(labels.Data))
	}
	rows, err := logits.Flatten()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}

	valid := CountValid(labels.Data)
	if valid == 0 {
		return nil, fmt.Errorf("%w: %d positions", ErrAllLabelsIgnored, len(labels.Data))
	}

	losses, st, err := ce.Forward(ctx, rows, labels.Data, t)
	if err != nil {
		return nil, err
	}
	var sum float64
	for _, l := range losses {
		sum += float64(l)
	}
	return &Reduction{
		Loss:      float32(sum / float64(valid)),
		Valid:     valid,
		RowLosses: losses,
		b:         logits.B,
		s:         logits.S,
		state:     st,
	}, nil
}

// Backward returns d(upstream * Loss)/d(logits) shaped [B, S, V], written
// over the logits that were reduced.
func (r *Reduction) Backward(ctx context.Context, upstream float32) (*Gradient, error) {
	perRow := make([]float32, len(r.RowLosses))
	g := upstream / float32(r.Valid)
	for i, l := range r.state.labels {
		if l != IgnoreIndex {
			perRow[i] = g
		}
	}
	grad, err := r.state.Backward(ctx, perRow)
	if err != nil {
		return nil, err
	}
	grad.B, grad.S = r.b, r.s
	return grad, nil
}

// CountValid counts labels that are not IgnoreIndex.
func CountValid(labels []int32) int {
	n := 0
	for _, l := range labels {
		if l != IgnoreIndex {
			n++
		}
	}
	return n
}
