package workqueue

import "golang.org/x/sync/errgroup"

// RunAll runs every fn concurrently and waits for all of them, in the spirit
// of go-lpc/mim/eda.Device.loop's per-RFM errgroup.Group fan-out. It is not
// part of Queue's FIFO contract; adapters may use it directly for
// embarrassingly parallel off-thread work that doesn't need queueing, such
// as fetching per-channel calibration during a rate recompute.
func RunAll(fns []func() error) error {
	var g errgroup.Group
	for _, fn := range fns {
		fn := fn
		g.Go(fn)
	}
	return g.Wait()
}
