package xent

import (
	"fmt"
	"math/bits"
	"runtime"
)

const (
	// IgnoreIndex marks a row that contributes no loss and no gradient.
	IgnoreIndex int32 = -100

	// MaxFusedSize is the default widest row a single forward unit reduces.
	// Wider vocabularies take the chunked path.
	MaxFusedSize = 1 << 16
	// BackwardBlockSize is the default backward tile width.
	BackwardBlockSize = 4096

	// maxLaunchWidth bounds per-worker scratch; a wider capacity is an
	// invalid launch configuration.
	maxLaunchWidth = 1 << 22
)

// Options tunes how work is split. None of it changes results beyond
// floating-point reassociation.
type Options struct {
	// Capacity is the widest row segment one forward unit handles.
	Capacity int
	// BackwardTile is the vocabulary tile width of one backward unit.
	BackwardTile int
	// Workers bounds concurrently running units. Zero means GOMAXPROCS.
	Workers int
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Capacity:     MaxFusedSize,
		BackwardTile: BackwardBlockSize,
		Workers:      runtime.GOMAXPROCS(0),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Capacity == 0 {
		o.Capacity = d.Capacity
	}
	if o.BackwardTile == 0 {
		o.BackwardTile = d.BackwardTile
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	return o
}

// Validate rejects unusable settings. Zero fields are filled with defaults
// before validation.
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.Capacity < 1 {
		return fmt.Errorf("%w: capacity %d", ErrInvalidConfig, o.Capacity)
	}
	if o.BackwardTile < 1 {
		return fmt.Errorf("%w: backward tile %d", ErrInvalidConfig, o.BackwardTile)
	}
	return nil
}

// Chunks returns how many capacity-wide chunks cover vocab columns.
func Chunks(vocab, capacity int) int {
	if vocab <= 0 || capacity <= 0 {
		return 0
	}
	div, mod := vocab/capacity, vocab%capacity
	if mod != 0 {
		div++
	}
	return div
}

// LaunchSettings picks the block width and parallelism hint for a row
// segment of n columns: the block is the next power of two, bounded by
// capacity, and the hint grows with it. The hint is the number of partial
// sums a unit keeps while reducing the block.
func LaunchSettings(n, capacity int) (block, hint int, err error) {
	if capacity > maxLaunchWidth {
		return 0, 0, fmt.Errorf("%w: invalid launch configuration: capacity %d exceeds %d",
			ErrKernelFault, capacity, maxLaunchWidth)
	}
	if n < 1 || capacity < 1 {
		return 0, 0, fmt.Errorf("%w: invalid launch configuration: width %d capacity %d",
			ErrKernelFault, n, capacity)
	}
	block = nextPowerOfTwo(n)
	if block > capacity {
		block = capacity
	}
	hint = 4
	switch {
	case block >= 32768:
		hint = 32
	case block >= 8192:
		hint = 16
	case block >= 2048:
		hint = 8
	}
	return block, hint, nil
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
