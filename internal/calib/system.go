package calib

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/banshee-data/camsync/internal/detect"
	"gonum.org/v1/gonum/spatial/r3"
)

// System is a calibrated multi-camera rig.
type System interface {
	// Camera returns the calibration of name, if present.
	Camera(name detect.CamName) (Camera, bool)
	// Cameras returns all cameras sorted by name.
	Cameras() []Camera
}

// MultiCameraSystem is the in-memory System implementation.
type MultiCameraSystem struct {
	cams map[detect.CamName]Camera
}

// NewSystem builds a system from cams. Duplicate names are an error.
func NewSystem(cams ...Camera) (*MultiCameraSystem, error) {
	s := &MultiCameraSystem{cams: make(map[detect.CamName]Camera, len(cams))}
	for _, c := range cams {
		if _, dup := s.cams[c.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate camera %s", ErrInvalidCamera, c.Name())
		}
		s.cams[c.Name()] = c
	}
	return s, nil
}

// Camera implements System.
func (s *MultiCameraSystem) Camera(name detect.CamName) (Camera, bool) {
	c, ok := s.cams[name]
	return c, ok
}

// Cameras implements System.
func (s *MultiCameraSystem) Cameras() []Camera {
	out := make([]Camera, 0, len(s.cams))
	for _, c := range s.cams {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the camera names in sorted order.
func (s *MultiCameraSystem) Names() []detect.CamName {
	cams := s.Cameras()
	out := make([]detect.CamName, len(cams))
	for i, c := range cams {
		out[i] = c.Name()
	}
	return out
}

// CameraFile is the on-disk form of one camera.
type CameraFile struct {
	Name       detect.CamName `json:"name"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Intrinsics Intrinsics     `json:"intrinsics"`
	Extrinsics Extrinsics     `json:"extrinsics"`
}

// SystemFile is the on-disk form of a calibration.
type SystemFile struct {
	Cameras []CameraFile `json:"cameras"`
}

// LoadSystem reads a calibration JSON file.
func LoadSystem(path string) (*MultiCameraSystem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration %s: %w", path, err)
	}
	sys, err := ParseSystem(data)
	if err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	return sys, nil
}

// ParseSystem decodes calibration JSON.
func ParseSystem(data []byte) (*MultiCameraSystem, error) {
	var f SystemFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	cams := make([]Camera, 0, len(f.Cameras))
	for _, cf := range f.Cameras {
		cam, err := NewPinholeCamera(cf.Name, cf.Width, cf.Height, cf.Intrinsics, cf.Extrinsics)
		if err != nil {
			return nil, err
		}
		cams = append(cams, cam)
	}
	return NewSystem(cams...)
}

// Marshal encodes a system of pinhole cameras. Other Camera implementations
// are skipped.
func (s *MultiCameraSystem) Marshal() ([]byte, error) {
	var f SystemFile
	for _, c := range s.Cameras() {
		pc, ok := c.(*PinholeCamera)
		if !ok {
			continue
		}
		f.Cameras = append(f.Cameras, CameraFile{
			Name:       pc.Name(),
			Width:      pc.Width(),
			Height:     pc.Height(),
			Intrinsics: pc.Intrinsics(),
			Extrinsics: pc.Extrinsics(),
		})
	}
	return json.MarshalIndent(f, "", "  ")
}

// IntersectZ returns the point where r crosses the plane z = z0. ok is false
// when the ray is parallel to the plane or the plane lies behind the origin.
func (r Ray) IntersectZ(z0 float64) (p r3.Vec, ok bool) {
	if math.Abs(r.Direction.Z) < 1e-12 {
		return r3.Vec{}, false
	}
	s := (z0 - r.Center.Z) / r.Direction.Z
	if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return r3.Vec{}, false
	}
	return r3.Add(r.Center, r3.Scale(s, r.Direction)), true
}
