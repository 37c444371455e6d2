package xent

import (
	"context"
	"fmt"

	"github.com/samcharles93/xent/internal/logger"
	"github.com/samcharles93/xent/internal/tensor"
)

// CrossEntropy computes fused cross-entropy losses and gradients over
// logits rows. It holds no per-call state and is safe for concurrent use.
type CrossEntropy struct {
	opts Options
}

// New returns a CrossEntropy using opts; zero fields take defaults.
func New(opts Options) (*CrossEntropy, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &CrossEntropy{opts: opts.withDefaults()}, nil
}

// Options returns the effective settings.
func (ce *CrossEntropy) Options() Options {
	return ce.opts
}

// Forward computes one loss per row of logits and the state needed by
// Backward. Rows labelled IgnoreIndex get a loss of exactly 0.
//
// Vocabularies up to Capacity columns are reduced in a single pass per row;
// wider ones are split into Capacity-wide chunks reduced in parallel and
// then folded. The returned State takes ownership of the logits storage.
func (ce *CrossEntropy) Forward(ctx context.Context, logits tensor.Matrix, labels []int32, t Transform) ([]float32, *State, error) {
	if err := validate(&logits, labels, t); err != nil {
		return nil, nil, err
	}

	rows, vocab := logits.R, logits.C
	chunks := Chunks(vocab, ce.opts.Capacity)
	st := &State{
		logits:    logits,
		labels:    labels,
		transform: t,
		opts:      ce.opts,
		chunks:    chunks,
	}
	loss := make([]float32, rows)
	lse := make([]float32, rows)

	log := logger.FromContext(ctx)
	st.phase.Store(int32(PhaseForwardIssued))
	args := &forwardArgs{logits: &st.logits, labels: labels, transform: t, loss: loss}
	var err error
	switch {
	case rows == 0:
	case chunks <= 1:
		log.Debug("cross entropy forward", "path", "single", "rows", rows, "vocab", vocab)
		args.lse = lse
		err = singlePass(ctx, args, ce.opts)
	default:
		log.Debug("cross entropy forward", "path", "chunked", "rows", rows, "vocab", vocab, "chunks", chunks)
		args.lse = make([]float32, rows*chunks)
		err = chunked(ctx, args, chunks, lse, ce.opts)
	}
	if err != nil {
		st.phase.Store(int32(PhaseDone))
		return nil, nil, fmt.Errorf("forward: %w", err)
	}

	st.lse = lse
	st.phase.Store(int32(PhaseSaved))
	return loss, st, nil
}

// Backward overwrites the saved logits with d(loss)/d(logits) given one
// upstream gradient per row, and returns them as a Gradient. It consumes
// the state: a second call fails with ErrDoubleBackward. If the launch
// fails the buffer content is undefined.
func (s *State) Backward(ctx context.Context, upstream []float32) (*Gradient, error) {
	switch s.Phase() {
	case PhaseBackwardIssued, PhaseDone:
		return nil, ErrDoubleBackward
	case PhaseIdle, PhaseForwardIssued:
		return nil, ErrNotForwarded
	}
	if len(upstream) != s.logits.R {
		return nil, fmt.Errorf("%w: %d upstream values for %d rows", ErrShapeMismatch, len(upstream), s.logits.R)
	}
	if !s.phase.CompareAndSwap(int32(PhaseSaved), int32(PhaseBackwardIssued)) {
		return nil, ErrDoubleBackward
	}
	defer func() {
		s.release()
		s.phase.Store(int32(PhaseDone))
	}()

	tile := min(s.opts.BackwardTile, max(1, s.logits.C))
	args := &backwardArgs{
		logits:    &s.logits,
		labels:    s.labels,
		lse:       s.lse,
		upstream:  upstream,
		transform: s.transform,
		tile:      tile,
		tiles:     Chunks(s.logits.C, tile),
	}
	logger.FromContext(ctx).Debug("cross entropy backward", "rows", s.logits.R, "vocab", s.logits.C, "tile", tile, "tiles", args.tiles)
	if err := backward(ctx, args, s.opts); err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	return &Gradient{Matrix: s.logits}, nil
}

func validate(logits *tensor.Matrix, labels []int32, t Transform) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := logits.Validate(); err != nil {
		return fmt.Errorf("%w: logits: %w", ErrShapeMismatch, err)
	}
	if len(labels) != logits.R {
		return fmt.Errorf("%w: %d labels for %d rows", ErrShapeMismatch, len(labels), logits.R)
	}
	if logits.R > 0 && logits.C == 0 {
		return fmt.Errorf("%w: empty vocabulary", ErrShapeMismatch)
	}
	for i, l := range labels {
		if l != IgnoreIndex && (l < 0 || int(l) >= logits.C) {
			return fmt.Errorf("%w: row %d label %d, vocab %d", ErrLabelOutOfRange, i, l, logits.C)
		}
	}
	return nil
}
