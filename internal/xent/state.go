package xent

import (
	"sync/atomic"

	"github.com/samcharles93/xent/internal/tensor"
)

// Phase is the lifecycle position of a State.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseForwardIssued
	PhaseSaved
	PhaseBackwardIssued
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseForwardIssued:
		return "forward-issued"
	case PhaseSaved:
		return "saved"
	case PhaseBackwardIssued:
		return "backward-issued"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// State is what a forward pass keeps for its backward pass: the caller's
// logits storage, the labels, one log-sum-exp per row and the transform.
//
// A State owns the logits it was built from. Backward overwrites them with
// the gradient and hands them back as a Gradient; after that the State is
// spent and the caller must treat the original logits as gone.
type State struct {
	logits    tensor.Matrix
	labels    []int32
	lse       []float32
	transform Transform
	opts      Options
	chunks    int

	phase atomic.Int32
}

// Phase reports where the state is in its lifecycle.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// LogSumExp returns the saved row log-sum-exp values. In the chunked path
// these are already folded across chunks.
func (s *State) LogSumExp() []float32 {
	return s.lse
}

// Chunks is the number of forward chunks per row; 1 for the single-pass
// path.
func (s *State) Chunks() int {
	return s.chunks
}

func (s *State) Transform() Transform {
	return s.transform
}

func (s *State) Rows() int {
	return s.logits.R
}

// Discard drops the saved buffers when no gradient is needed. A discarded
// state rejects Backward with ErrDoubleBackward.
func (s *State) Discard() {
	if s.phase.CompareAndSwap(int32(PhaseSaved), int32(PhaseDone)) {
		s.release()
	}
}

func (s *State) release() {
	s.logits = tensor.Matrix{}
	s.labels = nil
	s.lse = nil
}

// Gradient is d(loss)/d(logits), stored in the buffer that held the logits.
type Gradient struct {
	tensor.Matrix

	// B and S are set when the gradient came from a Reduction.
	B, S int
}

// Tensor3 returns the gradient as [B, S, vocab].
func (g *Gradient) Tensor3() tensor.Tensor3 {
	return tensor.Tensor3{B: g.B, S: g.S, V: g.C, Rows: g.Matrix}
}
