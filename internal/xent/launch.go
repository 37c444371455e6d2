package xent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// kernel processes one unit of a launch grid. scratch is private to the
// calling worker and has the width requested at launch.
type kernel func(unit int, scratch []float32)

// grid describes one launch: units independent units, each worker owning a
// scratch block of width elements.
type grid struct {
	units   int
	width   int
	workers int
}

// launch runs k once for every unit in g and returns after all of them have
// finished. Units are claimed atomically so uneven rows balance across
// workers. A panicking unit or a cancelled context fails the whole launch
// with ErrKernelFault; remaining units are not started.
func launch(ctx context.Context, g grid, k kernel) error {
	if g.units <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrKernelFault, err)
	}
	workers := max(1, min(g.workers, g.units))

	eg, ectx := errgroup.WithContext(ctx)
	var next atomic.Int64
	for range workers {
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrKernelFault, r)
				}
			}()
			scratch := make([]float32, g.width)
			for {
				if err := ectx.Err(); err != nil {
					return err
				}
				u := int(next.Add(1)) - 1
				if u >= g.units {
					return nil
				}
				k(u, scratch)
			}
		})
	}
	if err := eg.Wait(); err != nil {
		if errors.Is(err, ErrKernelFault) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrKernelFault, err)
	}
	return nil
}
