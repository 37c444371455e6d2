package xent

import (
	"context"

	"github.com/samcharles93/xent/internal/tensor"
)

// forwardArgs is shared, read-only input of the forward kernels plus the
// output buffers. Each unit writes only its own slots.
type forwardArgs struct {
	logits    *tensor.Matrix
	labels    []int32
	transform Transform

	loss []float32
	lse  []float32 // rows, or rows*chunks in the chunked path

	lanes int
}

// labelTerm re-loads the logit at the label column and transforms it
// independently of the row sweep.
func (a *forwardArgs) labelTerm(row int) float32 {
	return a.transform.Apply(a.logits.At(row, int(a.labels[row])))
}

// singlePassRow reduces a whole row in one unit. buf is the block-wide
// scratch; columns past the vocabulary are masked with -Inf after the
// transform so they never reach the sum.
func (a *forwardArgs) singlePassRow(row int, buf []float32) {
	n := a.logits.Load(buf, row, 0)
	a.transform.ApplySlice(buf[:n])
	maskTail(buf, n)
	lse := logSumExpLanes(buf, a.lanes)

	var loss float32
	if a.labels[row] != IgnoreIndex {
		loss = lse - a.labelTerm(row)
	}
	a.lse[row] = lse
	a.loss[row] = loss
}

// chunkUnit reduces one capacity-wide chunk of one row. Chunk 0 also owns
// the row's label term and stores its negation into the loss slot; the
// other chunks never touch loss.
func (a *forwardArgs) chunkUnit(row, chunk, chunks, capacity int, buf []float32) {
	n := a.logits.Load(buf, row, chunk*capacity)
	a.transform.ApplySlice(buf[:n])
	maskTail(buf, n)
	lse := logSumExpLanes(buf, a.lanes)

	if chunk == 0 {
		var loss float32
		if a.labels[row] != IgnoreIndex {
			loss = -a.labelTerm(row)
		}
		a.loss[row] = loss
	}
	a.lse[row*chunks+chunk] = lse
}

// singlePass runs the single-pass forward over every row.
func singlePass(ctx context.Context, a *forwardArgs, opts Options) error {
	block, hint, err := LaunchSettings(a.logits.C, opts.Capacity)
	if err != nil {
		return err
	}
	a.lanes = hint
	return launch(ctx, grid{units: a.logits.R, width: block, workers: opts.Workers},
		func(row int, buf []float32) {
			a.singlePassRow(row, buf)
		})
}

// chunked runs the per-chunk kernel over the (row, chunk) grid, waits for
// all of it, then folds each row's chunk values into rowLSE. The loss slot
// ends as logsumexp - label term, or exactly 0 for ignored rows.
func chunked(ctx context.Context, a *forwardArgs, chunks int, rowLSE []float32, opts Options) error {
	capacity := opts.Capacity
	_, hint, err := LaunchSettings(capacity, capacity)
	if err != nil {
		return err
	}
	a.lanes = hint
	rows := a.logits.R
	err = launch(ctx, grid{units: rows * chunks, width: capacity, workers: opts.Workers},
		func(unit int, buf []float32) {
			a.chunkUnit(unit/chunks, unit%chunks, chunks, capacity, buf)
		})
	if err != nil {
		return err
	}

	return launch(ctx, grid{units: rows, workers: opts.Workers},
		func(row int, _ []float32) {
			lse := LogSumExp(a.lse[row*chunks : (row+1)*chunks])
			rowLSE[row] = lse
			a.loss[row] += lse
			// chunk values were computed for ignored rows too, so mask
			// after the add
			if a.labels[row] == IgnoreIndex {
				a.loss[row] = 0
			}
		})
}
