// Package calib provides the calibrated camera model consumed by the arena
// LUT builder and the undistortion engine.
//
// Cameras follow the pinhole model with Brown-Conrady (OpenCV "plumb bob")
// lens distortion. Extrinsics map world coordinates into the camera frame:
// Xc = R·Xw + t, with the camera looking along +z, x right and y down.
package calib

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/camsync/internal/detect"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidCamera is returned for camera parameters that cannot be used.
var ErrInvalidCamera = errors.New("invalid camera parameters")

// undistortIterations bounds the fixed-point inversion of the distortion model.
const undistortIterations = 20

// Pixel is an image coordinate in pixels.
type Pixel struct {
	X, Y float64
}

// Ray is a half-line in world coordinates.
type Ray struct {
	Center    r3.Vec // camera centre
	Direction r3.Vec // unit direction
}

// Camera is the calibration model of a single camera.
type Camera interface {
	Name() detect.CamName
	Width() int
	Height() int
	// UnprojectToRay maps a distorted pixel to its world-space viewing ray.
	UnprojectToRay(px Pixel) Ray
	// Undistort removes lens distortion from a pixel coordinate.
	Undistort(px Pixel) Pixel
}

// Distortion holds Brown-Conrady coefficients.
type Distortion struct {
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
	K3 float64 `json:"k3"`
}

// IsZero reports whether the model applies no distortion.
func (d Distortion) IsZero() bool { return d == Distortion{} }

// apply distorts normalized image coordinates.
func (d Distortion) apply(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + r2*(d.K1+r2*(d.K2+r2*d.K3))
	xd := x*radial + 2*d.P1*x*y + d.P2*(r2+2*x*x)
	yd := y*radial + d.P1*(r2+2*y*y) + 2*d.P2*x*y
	return xd, yd
}

// remove inverts apply by fixed-point iteration.
func (d Distortion) remove(xd, yd float64) (float64, float64) {
	if d.IsZero() {
		return xd, yd
	}
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		radial := 1 + r2*(d.K1+r2*(d.K2+r2*d.K3))
		dx := 2*d.P1*x*y + d.P2*(r2+2*x*x)
		dy := d.P1*(r2+2*y*y) + 2*d.P2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return x, y
}

// Intrinsics are the linear camera parameters plus lens distortion.
type Intrinsics struct {
	Fx         float64    `json:"fx"`
	Fy         float64    `json:"fy"`
	Cx         float64    `json:"cx"`
	Cy         float64    `json:"cy"`
	Skew       float64    `json:"skew"`
	Distortion Distortion `json:"distortion"`
}

// Extrinsics map world coordinates into the camera frame.
type Extrinsics struct {
	Rotation    [9]float64 `json:"rotation"` // row-major R
	Translation [3]float64 `json:"translation"`
}

// PinholeCamera implements Camera. It is immutable after construction and
// safe for concurrent use.
type PinholeCamera struct {
	name   detect.CamName
	width  int
	height int
	intr   Intrinsics
	extr   Extrinsics

	kinv   [9]float64 // row-major K⁻¹
	rt     [9]float64 // row-major Rᵀ
	center r3.Vec
}

// NewPinholeCamera validates the parameters and precomputes the inverse
// projection.
func NewPinholeCamera(name detect.CamName, width, height int, intr Intrinsics, extr Extrinsics) (*PinholeCamera, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty camera name", ErrInvalidCamera)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: camera %s has size %dx%d", ErrInvalidCamera, name, width, height)
	}

	k := mat.NewDense(3, 3, []float64{
		intr.Fx, intr.Skew, intr.Cx,
		0, intr.Fy, intr.Cy,
		0, 0, 1,
	})
	var kinv mat.Dense
	if err := kinv.Inverse(k); err != nil {
		return nil, fmt.Errorf("%w: camera %s intrinsics not invertible: %v", ErrInvalidCamera, name, err)
	}

	r := mat.NewDense(3, 3, extr.Rotation[:])
	if det := mat.Det(r); math.Abs(det-1) > 1e-6 {
		return nil, fmt.Errorf("%w: camera %s rotation determinant %.6f", ErrInvalidCamera, name, det)
	}
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	if !mat.EqualApprox(&rrt, identity3(), 1e-6) {
		return nil, fmt.Errorf("%w: camera %s rotation is not orthonormal", ErrInvalidCamera, name)
	}

	// Camera centre C = -Rᵀ·t.
	var c mat.VecDense
	c.MulVec(r.T(), mat.NewVecDense(3, extr.Translation[:]))

	cam := &PinholeCamera{
		name:   name,
		width:  width,
		height: height,
		intr:   intr,
		extr:   extr,
		center: r3.Vec{X: -c.AtVec(0), Y: -c.AtVec(1), Z: -c.AtVec(2)},
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			cam.kinv[i*3+j] = kinv.At(i, j)
			cam.rt[i*3+j] = r.At(j, i)
		}
	}
	return cam, nil
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// Name returns the camera name.
func (c *PinholeCamera) Name() detect.CamName { return c.name }

// Width returns the image width in pixels.
func (c *PinholeCamera) Width() int { return c.width }

// Height returns the image height in pixels.
func (c *PinholeCamera) Height() int { return c.height }

// Intrinsics returns the linear parameters and distortion.
func (c *PinholeCamera) Intrinsics() Intrinsics { return c.intr }

// Extrinsics returns the world-to-camera transform.
func (c *PinholeCamera) Extrinsics() Extrinsics { return c.extr }

// Center returns the camera centre in world coordinates.
func (c *PinholeCamera) Center() r3.Vec { return c.center }

// normalize maps a distorted pixel to undistorted normalized coordinates.
func (c *PinholeCamera) normalize(px Pixel) (float64, float64) {
	k := &c.kinv
	xd := k[0]*px.X + k[1]*px.Y + k[2]
	yd := k[3]*px.X + k[4]*px.Y + k[5]
	w := k[6]*px.X + k[7]*px.Y + k[8]
	return c.intr.Distortion.remove(xd/w, yd/w)
}

// Undistort removes lens distortion. The result is not range checked; strong
// distortion far outside the calibrated field may produce unusual values.
func (c *PinholeCamera) Undistort(px Pixel) Pixel {
	x, y := c.normalize(px)
	return Pixel{
		X: c.intr.Fx*x + c.intr.Skew*y + c.intr.Cx,
		Y: c.intr.Fy*y + c.intr.Cy,
	}
}

// UnprojectToRay maps a distorted pixel to a world-space ray.
func (c *PinholeCamera) UnprojectToRay(px Pixel) Ray {
	x, y := c.normalize(px)
	rt := &c.rt
	dir := r3.Vec{
		X: rt[0]*x + rt[1]*y + rt[2],
		Y: rt[3]*x + rt[4]*y + rt[5],
		Z: rt[6]*x + rt[7]*y + rt[8],
	}
	return Ray{Center: c.center, Direction: r3.Unit(dir)}
}

// Project maps a world point to its distorted pixel. ok is false for points
// at or behind the camera plane.
func (c *PinholeCamera) Project(p r3.Vec) (px Pixel, ok bool) {
	r := &c.extr.Rotation
	t := &c.extr.Translation
	xc := r[0]*p.X + r[1]*p.Y + r[2]*p.Z + t[0]
	yc := r[3]*p.X + r[4]*p.Y + r[5]*p.Z + t[1]
	zc := r[6]*p.X + r[7]*p.Y + r[8]*p.Z + t[2]
	if zc <= 0 {
		return Pixel{}, false
	}
	xd, yd := c.intr.Distortion.apply(xc/zc, yc/zc)
	return Pixel{
		X: c.intr.Fx*xd + c.intr.Skew*yd + c.intr.Cx,
		Y: c.intr.Fy*yd + c.intr.Cy,
	}, true
}

// LookAt builds extrinsics for a camera at eye looking at target. up must not
// be parallel to the viewing direction.
func LookAt(eye, target, up r3.Vec) (Extrinsics, error) {
	fwd := r3.Sub(target, eye)
	if r3.Norm(fwd) == 0 {
		return Extrinsics{}, fmt.Errorf("%w: eye equals target", ErrInvalidCamera)
	}
	z := r3.Unit(fwd)
	right := r3.Cross(z, up)
	if r3.Norm(right) < 1e-12 {
		return Extrinsics{}, fmt.Errorf("%w: up vector parallel to viewing direction", ErrInvalidCamera)
	}
	x := r3.Unit(right)
	y := r3.Cross(z, x)

	var e Extrinsics
	e.Rotation = [9]float64{
		x.X, x.Y, x.Z,
		y.X, y.Y, y.Z,
		z.X, z.Y, z.Z,
	}
	e.Translation = [3]float64{-r3.Dot(x, eye), -r3.Dot(y, eye), -r3.Dot(z, eye)}
	return e, nil
}
