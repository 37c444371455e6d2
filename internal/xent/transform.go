package xent

import (
	"fmt"
	"math"
)

// Transform is the elementwise pre-transform folded into every kernel.
// A zero field switches that stage off. When both are on, Scale is applied
// first and Softcap to the scaled value.
type Transform struct {
	// Softcap t maps x to t*tanh(x/t).
	Softcap float32
	// Scale s maps x to s*x.
	Scale float32
}

// Validate rejects negative or non-finite parameters.
func (t Transform) Validate() error {
	if !finiteNonNegative(t.Softcap) {
		return fmt.Errorf("%w: softcap %v", ErrInvalidConfig, t.Softcap)
	}
	if !finiteNonNegative(t.Scale) {
		return fmt.Errorf("%w: logit scale %v", ErrInvalidConfig, t.Scale)
	}
	return nil
}

func finiteNonNegative(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= 0
}

func (t Transform) Softcapping() bool { return t.Softcap != 0 }
func (t Transform) Scaling() bool     { return t.Scale != 0 }

// Identity reports whether both stages are off.
func (t Transform) Identity() bool { return !t.Softcapping() && !t.Scaling() }

// Apply returns the transformed logit.
func (t Transform) Apply(x float32) float32 {
	if t.Scaling() {
		x *= t.Scale
	}
	if t.Softcapping() {
		x = t.Softcap * tanh32(x/t.Softcap)
	}
	return x
}

// ApplyGrad returns the transformed logit and d(Apply)/dx at x.
func (t Transform) ApplyGrad(x float32) (y, dydx float32) {
	dydx = 1
	if t.Scaling() {
		x *= t.Scale
		dydx = t.Scale
	}
	if t.Softcapping() {
		partial := tanh32(x / t.Softcap)
		x = t.Softcap * partial
		dydx *= 1 - partial*partial
	}
	return x, dydx
}

// ApplySlice transforms x in place.
func (t Transform) ApplySlice(x []float32) {
	if t.Identity() {
		return
	}
	for i, v := range x {
		x[i] = t.Apply(v)
	}
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}
