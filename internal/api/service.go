package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/xent/internal/causallm"
	"github.com/samcharles93/xent/internal/logger"
	"github.com/samcharles93/xent/internal/tensor"
	"github.com/samcharles93/xent/internal/xent"
)

// LossService turns loss requests into xent calls.
type LossService struct {
	ce    *xent.CrossEntropy
	clock func() time.Time
}

func NewLossService(ce *xent.CrossEntropy) *LossService {
	return &LossService{ce: ce, clock: time.Now}
}

// Compute reduces the request to a mean loss and, when asked, returns the
// gradient of upstream * loss with respect to the logits.
func (s *LossService) Compute(ctx context.Context, req *LossRequest) (*LossResponse, error) {
	logits, err := stackLogits(req.Logits)
	if err != nil {
		return nil, err
	}
	labels, err := stackLabels(req.Labels, logits.B, logits.S)
	if err != nil {
		return nil, err
	}
	if req.ShiftLabels {
		labels = causallm.ShiftLabels(labels)
	}
	t := xent.Transform{Softcap: req.Softcap, Scale: req.Scale}

	red, err := s.ce.Reduce(ctx, logits, labels, t)
	if err != nil {
		return nil, err
	}
	resp := &LossResponse{
		ID:          newLossID(),
		Object:      "loss",
		CreatedAt:   s.clock().Unix(),
		Loss:        red.Loss,
		ValidLabels: red.Valid,
		RowLosses:   red.RowLosses,
		Shape:       [3]int{logits.B, logits.S, logits.V},
		Chunks:      red.State().Chunks(),
	}
	if !req.ReturnGrad {
		red.State().Discard()
		return resp, nil
	}
	upstream := float32(1)
	if req.Upstream != nil {
		upstream = *req.Upstream
	}
	grad, err := red.Backward(ctx, upstream)
	if err != nil {
		return nil, err
	}
	resp.Grad = unstack(grad.Tensor3())
	logger.FromContext(ctx).Debug("loss computed", "id", resp.ID, "loss", resp.Loss, "valid", resp.ValidLabels, "grad", true)
	return resp, nil
}

func stackLogits(in [][][]float32) (tensor.Tensor3, error) {
	b := len(in)
	if b == 0 || len(in[0]) == 0 || len(in[0][0]) == 0 {
		return tensor.Tensor3{}, newInvalidRequest("logits", "logits must be a non-empty [batch][seq][vocab] array")
	}
	s, v := len(in[0]), len(in[0][0])
	data := make([]float32, 0, b*s*v)
	for i, seq := range in {
		if len(seq) != s {
			return tensor.Tensor3{}, newInvalidRequest("logits", fmt.Sprintf("logits[%d] has %d positions, want %d", i, len(seq), s))
		}
		for j, row := range seq {
			if len(row) != v {
				return tensor.Tensor3{}, newInvalidRequest("logits", fmt.Sprintf("logits[%d][%d] has %d values, want %d", i, j, len(row), v))
			}
			data = append(data, row...)
		}
	}
	return tensor.NewTensor3(b, s, v, data)
}

func stackLabels(in [][]int32, b, s int) (tensor.Labels, error) {
	if len(in) != b {
		return tensor.Labels{}, newInvalidRequest("labels", fmt.Sprintf("labels has %d rows, logits batch is %d", len(in), b))
	}
	data := make([]int32, 0, b*s)
	for i, row := range in {
		if len(row) != s {
			return tensor.Labels{}, newInvalidRequest("labels", fmt.Sprintf("labels[%d] has %d entries, want %d", i, len(row), s))
		}
		data = append(data, row...)
	}
	return tensor.NewLabels(b, s, data)
}

func unstack(t tensor.Tensor3) [][][]float32 {
	out := make([][][]float32, t.B)
	for b := range t.B {
		out[b] = make([][]float32, t.S)
		for s := range t.S {
			row := make([]float32, t.V)
			t.Rows.RowTo(row, b*t.S+s)
			out[b][s] = row
		}
	}
	return out
}

func newLossID() string {
	return "loss_" + uuid.NewString()
}
