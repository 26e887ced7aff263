package main

import (
	"fmt"
	"math"

	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
	"gonum.org/v1/gonum/spatial/r3"
)

// demoRig returns n 640x480 cameras evenly spaced on a 2m circle, 2m above
// the floor and aimed at the origin. It is used by run when no calibration
// is configured.
func demoRig(n int) (*calib.MultiCameraSystem, error) {
	if n < 1 || n > 255 {
		return nil, fmt.Errorf("camera count must be between 1 and 255, got %d", n)
	}
	intr := calib.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}
	cams := make([]calib.Camera, 0, n)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		eye := r3.Vec{X: 2 * math.Cos(angle), Y: 2 * math.Sin(angle), Z: 2}
		extr, err := calib.LookAt(eye, r3.Vec{}, r3.Vec{Z: 1})
		if err != nil {
			return nil, err
		}
		cam, err := calib.NewPinholeCamera(detect.CamName(fmt.Sprintf("cam%d", i+1)), 640, 480, intr, extr)
		if err != nil {
			return nil, err
		}
		cams = append(cams, cam)
	}
	return calib.NewSystem(cams...)
}
