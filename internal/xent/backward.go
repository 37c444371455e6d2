package xent

import (
	"context"
	"math"

	"github.com/samcharles93/xent/internal/tensor"
)

// backwardArgs feeds the backward kernel. logits is read and then
// overwritten tile by tile with the gradient.
type backwardArgs struct {
	logits    *tensor.Matrix
	labels    []int32
	lse       []float32
	upstream  []float32
	transform Transform
	tile      int
	tiles     int
}

// tileUnit writes the gradient of one vocabulary tile of one row:
//
//	dL/dx_j = dloss * (exp(x'_j - lse) - [j == label]) * dx'_j/dx_j
//
// The label adjustment is applied before the transform derivative and the
// upstream scale.
func (a *backwardArgs) tileUnit(row, tile int, buf []float32) {
	col0 := tile * a.tile
	n := a.logits.Load(buf, row, col0)
	if n == 0 {
		return
	}

	label := a.labels[row]
	var dloss float32
	if label != IgnoreIndex {
		dloss = a.upstream[row]
	}
	lse := float64(a.lse[row])
	t := a.transform
	labelCol := int(label) - col0

	for j, x := range buf[:n] {
		if t.Scaling() {
			x *= t.Scale
		}
		var partial float32
		if t.Softcapping() {
			partial = tanh32(x / t.Softcap)
			x = t.Softcap * partial
		}
		y := float32(math.Exp(float64(x) - lse))
		if j == labelCol {
			y -= 1
		}
		if t.Scaling() {
			y *= t.Scale
		}
		if t.Softcapping() {
			y *= 1 - partial*partial
		}
		buf[j] = dloss * y
	}
	a.logits.Store(buf[:n], row, col0)
}

func backward(ctx context.Context, a *backwardArgs, opts Options) error {
	rows := a.logits.R
	return launch(ctx, grid{units: rows * a.tiles, width: a.tile, workers: opts.Workers},
		func(unit int, buf []float32) {
			a.tileUnit(unit/a.tiles, unit%a.tiles, buf)
		})
}
