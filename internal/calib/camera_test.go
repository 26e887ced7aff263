package calib

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/camsync/internal/detect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// downCamera returns a 640x480 camera 2m above the origin looking straight
// down at the floor.
func downCamera(t *testing.T, dist Distortion) *PinholeCamera {
	t.Helper()
	extr, err := LookAt(r3.Vec{Z: 2}, r3.Vec{}, r3.Vec{Y: 1})
	require.NoError(t, err)
	cam, err := NewPinholeCamera("cam1", 640, 480, Intrinsics{
		Fx: 500, Fy: 500, Cx: 320, Cy: 240, Distortion: dist,
	}, extr)
	require.NoError(t, err)
	return cam
}

func TestPinholeCamera_CenterAndPrincipalRay(t *testing.T) {
	t.Parallel()
	cam := downCamera(t, Distortion{})

	c := cam.Center()
	assert.InDelta(t, 0, c.X, 1e-9)
	assert.InDelta(t, 0, c.Y, 1e-9)
	assert.InDelta(t, 2, c.Z, 1e-9)

	ray := cam.UnprojectToRay(Pixel{X: 320, Y: 240})
	assert.InDelta(t, -1, ray.Direction.Z, 1e-9)

	p, ok := ray.IntersectZ(0)
	require.True(t, ok)
	assert.InDelta(t, 0, p.X, 1e-9)
	assert.InDelta(t, 0, p.Y, 1e-9)
}

func TestPinholeCamera_ProjectUnprojectRoundTrip(t *testing.T) {
	t.Parallel()

	for name, dist := range map[string]Distortion{
		"none":       {},
		"barrel":     {K1: -0.2, K2: 0.05},
		"tangential": {K1: 0.1, P1: 0.001, P2: -0.002, K3: 0.01},
	} {
		dist := dist
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cam := downCamera(t, dist)
			world := r3.Vec{X: 0.3, Y: -0.4}

			px, ok := cam.Project(world)
			require.True(t, ok)

			got, ok := cam.UnprojectToRay(px).IntersectZ(0)
			require.True(t, ok)
			assert.InDelta(t, world.X, got.X, 1e-6)
			assert.InDelta(t, world.Y, got.Y, 1e-6)
		})
	}
}

func TestPinholeCamera_Undistort(t *testing.T) {
	t.Parallel()

	ideal := downCamera(t, Distortion{})
	distorted := downCamera(t, Distortion{K1: -0.2, K2: 0.05})
	world := r3.Vec{X: 0.5, Y: 0.25}

	want, ok := ideal.Project(world)
	require.True(t, ok)
	raw, ok := distorted.Project(world)
	require.True(t, ok)
	assert.Greater(t, math.Hypot(raw.X-want.X, raw.Y-want.Y), 1.0, "distortion should move the point")

	got := distorted.Undistort(raw)
	assert.InDelta(t, want.X, got.X, 1e-4)
	assert.InDelta(t, want.Y, got.Y, 1e-4)

	// Zero distortion is the identity.
	assert.Equal(t, Pixel{X: 10, Y: 20}, roundPixel(ideal.Undistort(Pixel{X: 10, Y: 20})))
}

func roundPixel(p Pixel) Pixel {
	return Pixel{X: math.Round(p.X*1e6) / 1e6, Y: math.Round(p.Y*1e6) / 1e6}
}

func TestPinholeCamera_ProjectBehind(t *testing.T) {
	t.Parallel()
	cam := downCamera(t, Distortion{})
	_, ok := cam.Project(r3.Vec{Z: 3})
	assert.False(t, ok)
}

func TestNewPinholeCamera_Invalid(t *testing.T) {
	t.Parallel()

	good, err := LookAt(r3.Vec{Z: 2}, r3.Vec{}, r3.Vec{Y: 1})
	require.NoError(t, err)
	intr := Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}

	tests := []struct {
		name string
		camN detect.CamName
		w, h int
		intr Intrinsics
		extr Extrinsics
	}{
		{name: "empty name", camN: "", w: 10, h: 10, intr: intr, extr: good},
		{name: "zero size", camN: "c", w: 0, h: 10, intr: intr, extr: good},
		{name: "singular K", camN: "c", w: 10, h: 10, intr: Intrinsics{}, extr: good},
		{name: "scaled rotation", camN: "c", w: 10, h: 10, intr: intr, extr: Extrinsics{Rotation: [9]float64{2, 0, 0, 0, 2, 0, 0, 0, 2}}},
		{name: "reflection", camN: "c", w: 10, h: 10, intr: intr, extr: Extrinsics{Rotation: [9]float64{-1, 0, 0, 0, 1, 0, 0, 0, 1}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewPinholeCamera(tt.camN, tt.w, tt.h, tt.intr, tt.extr)
			assert.True(t, errors.Is(err, ErrInvalidCamera), "got %v", err)
		})
	}
}

func TestLookAt_Degenerate(t *testing.T) {
	t.Parallel()

	_, err := LookAt(r3.Vec{Z: 1}, r3.Vec{Z: 1}, r3.Vec{Y: 1})
	assert.ErrorIs(t, err, ErrInvalidCamera)

	_, err = LookAt(r3.Vec{Z: 1}, r3.Vec{}, r3.Vec{Z: 1})
	assert.ErrorIs(t, err, ErrInvalidCamera)
}

func TestRay_IntersectZ(t *testing.T) {
	t.Parallel()

	up := Ray{Center: r3.Vec{Z: 1}, Direction: r3.Vec{Z: 1}}
	_, ok := up.IntersectZ(0)
	assert.False(t, ok, "plane behind the ray origin")

	flat := Ray{Center: r3.Vec{Z: 1}, Direction: r3.Vec{X: 1}}
	_, ok = flat.IntersectZ(0)
	assert.False(t, ok, "ray parallel to the plane")

	slant := Ray{Center: r3.Vec{Z: 1}, Direction: r3.Unit(r3.Vec{X: 1, Z: -1})}
	p, ok := slant.IntersectZ(0)
	require.True(t, ok)
	assert.InDelta(t, 1, p.X, 1e-9)
}
