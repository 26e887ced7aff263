package bundle

import "github.com/banshee-data/camsync/internal/detect"

// BundleSource yields bundles in increasing frame order.
type BundleSource interface {
	Next() (*Accumulator, bool)
}

// Contiguous fills frame-number gaps in a bundle stream with empty bundles so
// consumers see every frame. The stream ends early if the input is not
// strictly increasing.
type Contiguous struct {
	src     BundleSource
	stats   *Stats
	pending *Accumulator
	started bool
	prev    detect.FrameNumber
	done    bool
}

// NewContiguous wraps src. stats may be nil.
func NewContiguous(src BundleSource, stats *Stats) *Contiguous {
	return &Contiguous{src: src, stats: stats}
}

// Next implements BundleSource.
func (c *Contiguous) Next() (*Accumulator, bool) {
	if c.done {
		return nil, false
	}
	if c.pending == nil {
		next, ok := c.src.Next()
		if !ok {
			c.done = true
			return nil, false
		}
		if c.started && next.Frame() <= c.prev {
			diagf("gap filler: frame %d after %d is not increasing, stopping", next.Frame(), c.prev)
			c.done = true
			return nil, false
		}
		c.pending = next
	}

	if c.started && c.pending.Frame() > c.prev+1 {
		c.prev++
		if c.stats != nil {
			c.stats.addGap(1)
		}
		return EmptyAccumulator(c.prev), true
	}

	out := c.pending
	c.pending = nil
	c.started = true
	c.prev = out.Frame()
	return out, true
}
