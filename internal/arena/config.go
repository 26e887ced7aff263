// Package arena partitions the floor plane into independent "mini arenas"
// and precomputes, per calibrated camera, which arena each distorted pixel
// looks at.
//
// Responsibilities: arena configuration, the per-camera lookup image (LUT),
// debug rendering of the LUT, and per-point assignment debug output.
// Key types: Config, XYGrid, Index, Image, Images.
package arena

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid mini arena config")

// MaxArenas bounds the number of arenas an Image can address.
const MaxArenas = math.MaxUint16 - 1

// Index identifies a mini arena. It is always a valid arena; absence is
// reported with a separate bool.
type Index uint16

// Config selects how the floor is partitioned. A nil XYGrid means a single
// arena covering everything (NoMiniArena).
type Config struct {
	XYGrid *XYGrid `json:"xy_grid,omitempty"`
}

// XYGrid arranges circular arenas on a rectangular lattice of centres in the
// z=0 plane. Arena (xi, yi) has index yi*len(XCenters)+xi.
type XYGrid struct {
	XCenters []float64 `json:"x_centers"`
	YCenters []float64 `json:"y_centers"`
	Radius   float64   `json:"radius"`
}

// Enabled reports whether a grid is configured.
func (c Config) Enabled() bool { return c.XYGrid != nil }

// NumArenas returns the number of output buckets: 1 without a grid.
func (c Config) NumArenas() int {
	if c.XYGrid == nil {
		return 1
	}
	return c.XYGrid.NumArenas()
}

// Validate checks the grid, if any.
func (c Config) Validate() error {
	if c.XYGrid == nil {
		return nil
	}
	return c.XYGrid.Validate()
}

// String implements fmt.Stringer.
func (c Config) String() string {
	if c.XYGrid == nil {
		return "NoMiniArena"
	}
	g := c.XYGrid
	return fmt.Sprintf("XYGrid{%dx%d r=%g}", len(g.XCenters), len(g.YCenters), g.Radius)
}

// NumArenas returns len(XCenters)*len(YCenters).
func (g *XYGrid) NumArenas() int {
	return len(g.XCenters) * len(g.YCenters)
}

// Validate checks that the grid is non-empty, finite and addressable.
func (g *XYGrid) Validate() error {
	if len(g.XCenters) == 0 || len(g.YCenters) == 0 {
		return fmt.Errorf("%w: grid needs at least one x and one y centre", ErrInvalidConfig)
	}
	if g.NumArenas() > MaxArenas {
		return fmt.Errorf("%w: %d arenas exceeds the maximum of %d", ErrInvalidConfig, g.NumArenas(), MaxArenas)
	}
	if !(g.Radius > 0) || math.IsInf(g.Radius, 0) {
		return fmt.Errorf("%w: radius must be positive and finite, got %v", ErrInvalidConfig, g.Radius)
	}
	for _, v := range append(append([]float64(nil), g.XCenters...), g.YCenters...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite centre %v", ErrInvalidConfig, v)
		}
	}
	return nil
}

// Locate classifies a floor point. The nearest x centre and the nearest y
// centre are chosen independently (ties go to the lower index); the point is
// inside that arena when its distance to the centre is within Radius.
func (g *XYGrid) Locate(p r3.Vec) (Index, bool) {
	xi := nearest(g.XCenters, p.X)
	yi := nearest(g.YCenters, p.Y)
	if xi < 0 || yi < 0 {
		return 0, false
	}
	dx := p.X - g.XCenters[xi]
	dy := p.Y - g.YCenters[yi]
	if math.Hypot(dx, dy) > g.Radius {
		return 0, false
	}
	return Index(yi*len(g.XCenters) + xi), true
}

// Center returns the floor centre of arena idx.
func (g *XYGrid) Center(idx Index) (r3.Vec, bool) {
	nx := len(g.XCenters)
	if nx == 0 || int(idx) >= g.NumArenas() {
		return r3.Vec{}, false
	}
	return r3.Vec{X: g.XCenters[int(idx)%nx], Y: g.YCenters[int(idx)/nx]}, true
}

func nearest(centers []float64, v float64) int {
	best := -1
	bestDist := math.Inf(1)
	for i, c := range centers {
		if d := math.Abs(v - c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
