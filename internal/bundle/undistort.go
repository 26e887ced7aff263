package bundle

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
)

// MissingImagePolicy decides what happens to points from a calibrated camera
// that has no arena image while a grid is configured.
type MissingImagePolicy int

const (
	// AssignArenaZero routes the points to arena 0.
	AssignArenaZero MissingImagePolicy = iota
	// DropPoints excludes the points from partitioning.
	DropPoints
)

// ParseMissingImagePolicy parses "assign_arena_zero" or "drop_points".
func ParseMissingImagePolicy(s string) (MissingImagePolicy, error) {
	switch s {
	case "", "assign_arena_zero":
		return AssignArenaZero, nil
	case "drop_points":
		return DropPoints, nil
	}
	return 0, fmt.Errorf("unknown missing image policy %q", s)
}

func (p MissingImagePolicy) String() string {
	switch p {
	case AssignArenaZero:
		return "assign_arena_zero"
	case DropPoints:
		return "drop_points"
	}
	return fmt.Sprintf("MissingImagePolicy(%d)", int(p))
}

// UndistortedPoint is one detection after distortion removal.
type UndistortedPoint struct {
	Idx uint8
	X   float64
	Y   float64
	Raw detect.NumberedPoint
}

// ArenaBucket holds the points of one mini arena, per camera.
type ArenaBucket struct {
	Cameras map[detect.CamName][]UndistortedPoint
}

// NumPoints returns the number of points in the bucket.
func (b ArenaBucket) NumPoints() int {
	n := 0
	for _, pts := range b.Cameras {
		n += len(pts)
	}
	return n
}

// Undistorted is the engine output for one frame: exactly one bucket per
// configured arena, in index order.
type Undistorted struct {
	Frame   detect.FrameNumber
	Trigger *time.Time
	Arenas  []ArenaBucket
}

// NumPoints returns the number of points over all arenas.
func (u *Undistorted) NumPoints() int {
	n := 0
	for _, b := range u.Arenas {
		n += b.NumPoints()
	}
	return n
}

// PartitionStats counts what happened to the points of one bundle.
type PartitionStats struct {
	Points              int // points presented to the engine
	Assigned            int
	UncalibratedPoints  int
	UncalibratedCameras []detect.CamName
	OutsideArenaPoints  int
	MissingImagePoints  int // points from calibrated cameras without an image
}

// Engine undistorts bundles and partitions their points by arena. The zero
// value has no calibration, so every point counts as uncalibrated. An Engine
// holds no per-frame state and may process bundles from several goroutines.
type Engine struct {
	System       calib.System
	Images       arena.Images
	Arenas       arena.Config
	MissingImage MissingImagePolicy
}

// Process consumes acc. It panics if acc was already consumed.
func (e *Engine) Process(acc *Accumulator) (*Undistorted, PartitionStats) {
	if acc.consumed {
		panic(fmt.Sprintf("bundle: accumulator for frame %d consumed twice", acc.frame))
	}
	acc.consumed = true

	out := &Undistorted{
		Frame:   acc.frame,
		Trigger: acc.trigger,
		Arenas:  make([]ArenaBucket, e.Arenas.NumArenas()),
	}
	var st PartitionStats

	for _, p := range acc.packets {
		st.Points += len(p.Points)

		var cam calib.Camera
		ok := false
		if e.System != nil {
			cam, ok = e.System.Camera(p.CamName)
		}
		if !ok {
			if len(p.Points) > 0 {
				st.UncalibratedPoints += len(p.Points)
				st.UncalibratedCameras = append(st.UncalibratedCameras, p.CamName)
			}
			continue
		}

		img, hasImage := e.Images[p.CamName]
		for _, np := range p.Points {
			idx := arena.Index(0)
			if e.Arenas.Enabled() {
				if hasImage {
					var in bool
					idx, in = lookup(img, np.Pt)
					if !in || int(idx) >= len(out.Arenas) {
						st.OutsideArenaPoints++
						continue
					}
				} else {
					st.MissingImagePoints++
					if e.MissingImage == DropPoints {
						continue
					}
				}
			}

			u := cam.Undistort(calib.Pixel{X: np.Pt.X0Abs, Y: np.Pt.Y0Abs})
			bucket := &out.Arenas[idx]
			if bucket.Cameras == nil {
				bucket.Cameras = make(map[detect.CamName][]UndistortedPoint)
			}
			bucket.Cameras[p.CamName] = append(bucket.Cameras[p.CamName], UndistortedPoint{
				Idx: np.Idx,
				X:   u.X,
				Y:   u.Y,
				Raw: np,
			})
			st.Assigned++
		}
	}

	if st.UncalibratedPoints > 0 {
		tracef("frame %d: skipped %d points from uncalibrated cameras %v", acc.frame, st.UncalibratedPoints, st.UncalibratedCameras)
	}
	return out, st
}

// lookup indexes img by the truncated distorted coordinates.
func lookup(img *arena.Image, pt detect.RawPoint) (arena.Index, bool) {
	x, okx := truncate(pt.X0Abs)
	y, oky := truncate(pt.Y0Abs)
	if !okx || !oky {
		return 0, false
	}
	return img.Lookup(x, y)
}

func truncate(v float64) (int, bool) {
	if math.IsNaN(v) || v <= -1 || v >= math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}

// UndistortAndPartition consumes the bundle with default engine settings.
func (a *Accumulator) UndistortAndPartition(sys calib.System, images arena.Images, cfg arena.Config) *Undistorted {
	e := Engine{System: sys, Images: images, Arenas: cfg}
	out, _ := e.Process(a)
	return out
}
