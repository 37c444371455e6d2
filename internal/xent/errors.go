package xent

import "errors"

var (
	// ErrShapeMismatch reports disagreeing logits, labels or upstream shapes.
	ErrShapeMismatch = errors.New("xent: shape mismatch")
	// ErrInvalidConfig reports a negative or non-finite transform parameter
	// or an unusable Options value.
	ErrInvalidConfig = errors.New("xent: invalid configuration")
	// ErrLabelOutOfRange reports a label outside [0, vocab) that is not
	// IgnoreIndex.
	ErrLabelOutOfRange = errors.New("xent: label out of range")
	// ErrAllLabelsIgnored reports a batch with no label to normalise by.
	ErrAllLabelsIgnored = errors.New("xent: all labels ignored")
	// ErrKernelFault reports a failed launch. Any buffer the launch was
	// writing holds undefined content afterwards.
	ErrKernelFault = errors.New("xent: kernel fault")
	// ErrNotForwarded reports Backward on a state with no completed forward.
	ErrNotForwarded = errors.New("xent: backward without forward")
	// ErrDoubleBackward reports a second Backward on the same state; the
	// logits buffer was already overwritten by the first.
	ErrDoubleBackward = errors.New("xent: state already consumed by backward")
)
