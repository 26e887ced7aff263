// Package bundle joins per-camera detection packets into frame bundles and
// turns completed bundles into undistorted, arena-partitioned output.
//
// Responsibilities: the ordered lossy frame bundler, the per-frame
// accumulator, the optional gap filler and the undistortion/partition engine.
// Key types: Bundler, Accumulator, Contiguous, Engine, Undistorted.
//
// Everything here is synchronous and single-threaded per instance. Only Stats
// is safe to read from other goroutines.
package bundle

import (
	"fmt"
	"time"

	"github.com/banshee-data/camsync/internal/detect"
)

// TriggerTolerance is how far apart two cameras may report the trigger time
// of the same frame before it is logged.
const TriggerTolerance = time.Millisecond

// Accumulator is the in-progress bundle of all packets received for one
// frame. Once consumed by UndistortAndPartition it must not be used again.
type Accumulator struct {
	frame       detect.FrameNumber
	trigger     *time.Time
	cameras     detect.CameraSet
	packets     []detect.Packet
	nanFiltered int
	consumed    bool

	started time.Time // set by the bundler for latency accounting
}

// NewAccumulator starts a bundle from its first packet.
func NewAccumulator(first detect.Packet) *Accumulator {
	a := &Accumulator{frame: first.Frame}
	a.Push(first)
	return a
}

// EmptyAccumulator returns a bundle for frame with no camera data.
func EmptyAccumulator(frame detect.FrameNumber) *Accumulator {
	return &Accumulator{frame: frame}
}

// Push adds a packet for the same frame. NaN points are dropped. Push panics
// if the frame differs, the camera already contributed, or the accumulator was
// consumed.
func (a *Accumulator) Push(p detect.Packet) {
	if a.consumed {
		panic(fmt.Sprintf("bundle: push to consumed accumulator for frame %d", a.frame))
	}
	if p.Frame != a.frame {
		panic(fmt.Sprintf("bundle: packet for frame %d pushed to bundle for frame %d (camera %s)",
			p.Frame, a.frame, p.CamName))
	}
	if !a.cameras.Add(p.CamNum) {
		panic(fmt.Sprintf("bundle: received data twice: camera=%s (%d), frame=%d",
			p.CamName, p.CamNum, a.frame))
	}

	kept := make([]detect.NumberedPoint, 0, len(p.Points))
	for _, pt := range p.Points {
		if pt.Pt.HasNaN() {
			a.nanFiltered++
			continue
		}
		kept = append(kept, pt)
	}
	p.Points = kept

	switch {
	case p.Trigger == nil:
	case a.trigger == nil:
		ts := *p.Trigger
		a.trigger = &ts
	default:
		if d := p.Trigger.Sub(*a.trigger); d > TriggerTolerance || d < -TriggerTolerance {
			diagf("frame %d: trigger time of %s differs by %v from bundle", a.frame, p.CamName, d)
		}
	}

	a.packets = append(a.packets, p)
}

// Frame returns the bundle's frame number.
func (a *Accumulator) Frame() detect.FrameNumber { return a.frame }

// Trigger returns the frame's trigger time, if any packet carried one.
func (a *Accumulator) Trigger() (time.Time, bool) {
	if a.trigger == nil {
		return time.Time{}, false
	}
	return *a.trigger, true
}

// Cameras returns the set of cameras that contributed.
func (a *Accumulator) Cameras() detect.CameraSet { return a.cameras }

// NumCameras returns the number of contributing cameras.
func (a *Accumulator) NumCameras() int { return len(a.packets) }

// Packets returns the contributed packets in arrival order. Callers must not
// modify them.
func (a *Accumulator) Packets() []detect.Packet { return a.packets }

// NumPoints returns the number of retained (non-NaN) points.
func (a *Accumulator) NumPoints() int {
	n := 0
	for _, p := range a.packets {
		n += len(p.Points)
	}
	return n
}

// NaNFiltered returns how many points were dropped for NaN coordinates.
func (a *Accumulator) NaNFiltered() int { return a.nanFiltered }

// Consumed reports whether the bundle has been handed to the engine.
func (a *Accumulator) Consumed() bool { return a.consumed }

func (a *Accumulator) String() string {
	return fmt.Sprintf("bundle{frame=%d cameras=%s points=%d}", a.frame, a.cameras, a.NumPoints())
}
