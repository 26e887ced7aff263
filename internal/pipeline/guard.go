package pipeline

import (
	"fmt"
	"math"

	"github.com/banshee-data/camsync/internal/detect"
)

// frameGuard asserts that frames leave the bundler in strictly increasing
// order. A violation means a bug upstream, so it panics.
type frameGuard struct {
	seen bool
	last detect.FrameNumber
}

func (g *frameGuard) check(f detect.FrameNumber) {
	if f == math.MaxUint64 {
		panic(fmt.Sprintf("frame number %d is reserved", f))
	}
	if g.seen && f <= g.last {
		panic(fmt.Sprintf("frame number went from %d to %d", g.last, f))
	}
	g.seen = true
	g.last = f
}
