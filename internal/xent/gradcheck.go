package xent

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/xent/internal/tensor"
)

// GradCheckOptions controls a finite-difference gradient check.
type GradCheckOptions struct {
	// Step is the central-difference half width. Default 1e-2.
	Step float64
	// Tolerance is the largest accepted absolute error. Default 2e-3.
	Tolerance float64
	// MaxColumns caps the columns probed per row; 0 probes all of them.
	MaxColumns int
}

// GradCheckResult summarises the largest disagreement found.
type GradCheckResult struct {
	Checked   int
	MaxAbsErr float64
	Row, Col  int
	Analytic  float64
	Numeric   float64
	Tolerance float64
}

// Passed reports whether every probed entry was within tolerance.
func (r GradCheckResult) Passed() bool {
	return r.MaxAbsErr <= r.Tolerance
}

func (r GradCheckResult) String() string {
	return fmt.Sprintf("checked=%d max_abs_err=%.3g at (%d,%d) analytic=%.6g numeric=%.6g tol=%.3g",
		r.Checked, r.MaxAbsErr, r.Row, r.Col, r.Analytic, r.Numeric, r.Tolerance)
}

// GradCheck compares the analytic gradient of sum(row losses) against a
// central difference of Forward. logits are not modified; the check runs
// on f32 copies.
func (ce *CrossEntropy) GradCheck(ctx context.Context, logits tensor.Matrix, labels []int32, t Transform, o GradCheckOptions) (GradCheckResult, error) {
	if o.Step <= 0 {
		o.Step = 1e-2
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 2e-3
	}
	if err := validate(&logits, labels, t); err != nil {
		return GradCheckResult{}, err
	}
	rows, vocab := logits.R, logits.C
	dense := logits.Float32s()

	work := tensor.NewMatrixFromData(rows, vocab, append([]float32(nil), dense...))
	_, st, err := ce.Forward(ctx, work, labels, t)
	if err != nil {
		return GradCheckResult{}, err
	}
	ones := make([]float32, rows)
	for i := range ones {
		ones[i] = 1
	}
	grad, err := st.Backward(ctx, ones)
	if err != nil {
		return GradCheckResult{}, err
	}

	res := GradCheckResult{Tolerance: o.Tolerance}
	cols := vocab
	if o.MaxColumns > 0 {
		cols = min(cols, o.MaxColumns)
	}
	row := make([]float32, vocab)
	for i := range rows {
		for k := range cols {
			// spread probes over the row and always include the label
			j := k * vocab / cols
			if k == 0 && labels[i] != IgnoreIndex {
				j = int(labels[i])
			}
			copy(row, dense[i*vocab:(i+1)*vocab])
			plus, err := ce.rowLoss(ctx, row, j, o.Step, labels[i], t)
			if err != nil {
				return res, err
			}
			copy(row, dense[i*vocab:(i+1)*vocab])
			minus, err := ce.rowLoss(ctx, row, j, -o.Step, labels[i], t)
			if err != nil {
				return res, err
			}
			numeric := (plus - minus) / (2 * o.Step)
			analytic := float64(grad.At(i, j))
			diff := math.Abs(numeric - analytic)
			res.Checked++
			if diff > res.MaxAbsErr || res.Checked == 1 {
				res.MaxAbsErr = diff
				res.Row, res.Col = i, j
				res.Analytic, res.Numeric = analytic, numeric
			}
		}
	}
	return res, nil
}

// rowLoss evaluates the loss of a single row with column j shifted by h.
func (ce *CrossEntropy) rowLoss(ctx context.Context, row []float32, j int, h float64, label int32, t Transform) (float64, error) {
	row[j] = float32(float64(row[j]) + h)
	m := tensor.NewMatrixFromData(1, len(row), row)
	loss, st, err := ce.Forward(ctx, m, []int32{label}, t)
	if err != nil {
		return 0, err
	}
	st.Discard()
	return float64(loss[0]), nil
}
