// Package synthetic generates detection packets from a calibrated camera
// system for demos and tests.
//
// Targets move on circles in the z=0 plane. Each frame every target is
// projected into every camera, with optional pixel noise, packet loss,
// late delivery and NaN detections.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r3"
)

// projector is implemented by camera models that can map world points to
// pixels. Cameras without it produce empty packets.
type projector interface {
	Project(p r3.Vec) (calib.Pixel, bool)
}

type camera struct {
	num  detect.CamNum
	cam  calib.Camera
	proj projector
}

// Generator produces one packet per camera per frame.
type Generator struct {
	cameras []camera
	start   time.Time
	frame   detect.FrameNumber
	late    []detect.Packet
	rng     *rand.Rand

	// Configuration
	Targets      int           // number of moving targets
	Framerate    float64       // frames per second
	PathRadius   float64       // metres, radius of the target circles
	SpeedMPS     float64       // metres per second along the circle
	PixelNoise   float64       // standard deviation of pixel jitter
	LossProb     float64       // probability a packet is never delivered
	LateProb     float64       // probability a packet arrives after the next frame
	NaNProb      float64       // probability a detection is NaN
	HostLatency  time.Duration // mean trigger to host delay
	WithTriggers bool          // set FrameData.Trigger
}

// New registers every camera of sys in roster and returns a generator with
// lossless defaults. seed makes runs reproducible.
func New(sys calib.System, roster *detect.Roster, start time.Time, seed int64) (*Generator, error) {
	g := &Generator{
		start:        start,
		rng:          rand.New(rand.NewSource(seed)),
		Targets:      3,
		Framerate:    100,
		PathRadius:   0.5,
		SpeedMPS:     0.5,
		HostLatency:  2 * time.Millisecond,
		WithTriggers: true,
	}
	for _, cam := range sys.Cameras() {
		num, err := roster.Register(cam.Name())
		if err != nil {
			return nil, err
		}
		c := camera{num: num, cam: cam}
		c.proj, _ = cam.(projector)
		g.cameras = append(g.cameras, c)
	}
	if len(g.cameras) == 0 {
		return nil, fmt.Errorf("camera system has no cameras")
	}
	return g, nil
}

// Frame returns the number of the next frame.
func (g *Generator) Frame() detect.FrameNumber { return g.frame }

// TargetPositions returns the world positions of all targets at frame f.
func (g *Generator) TargetPositions(f detect.FrameNumber) []r3.Vec {
	t := float64(f) / g.Framerate
	out := make([]r3.Vec, g.Targets)
	for i := range out {
		phase := 2 * math.Pi * float64(i) / float64(g.Targets)
		angle := phase + g.SpeedMPS*t/g.PathRadius
		out[i] = r3.Vec{X: g.PathRadius * math.Cos(angle), Y: g.PathRadius * math.Sin(angle)}
	}
	return out
}

// NextFrame returns the packets delivered during the next frame, in arrival
// order. Packets delayed from the previous frame arrive after the current
// frame's packets.
func (g *Generator) NextFrame() []detect.Packet {
	f := g.frame
	g.frame++
	trigger := g.start.Add(time.Duration(float64(f) / g.Framerate * float64(time.Second)))
	targets := g.TargetPositions(f)

	var out, late []detect.Packet
	for _, c := range g.cameras {
		if g.rng.Float64() < g.LossProb {
			continue
		}
		p := detect.Packet{FrameData: detect.FrameData{
			CamName:     c.cam.Name(),
			CamNum:      c.num,
			Frame:       f,
			CamReceived: trigger.Add(g.hostDelay()),
		}}
		if g.WithTriggers {
			tr := trigger
			p.Trigger = &tr
		}
		p.Points = detect.NumberPoints(g.observe(c, targets))

		if g.rng.Float64() < g.LateProb {
			late = append(late, p)
			continue
		}
		out = append(out, p)
	}
	g.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })

	out = append(out, g.late...)
	g.late = late
	return out
}

// Drain returns packets still held back as late.
func (g *Generator) Drain() []detect.Packet {
	out := g.late
	g.late = nil
	return out
}

func (g *Generator) hostDelay() time.Duration {
	if g.HostLatency <= 0 {
		return 0
	}
	// Uniform in [0.5, 1.5) of the mean.
	return time.Duration((0.5 + g.rng.Float64()) * float64(g.HostLatency))
}

func (g *Generator) observe(c camera, targets []r3.Vec) []detect.RawPoint {
	if c.proj == nil {
		return nil
	}
	var pts []detect.RawPoint
	for _, tgt := range targets {
		px, ok := c.proj.Project(tgt)
		if !ok {
			continue
		}
		px.X += g.rng.NormFloat64() * g.PixelNoise
		px.Y += g.rng.NormFloat64() * g.PixelNoise
		if px.X < 0 || px.Y < 0 || px.X >= float64(c.cam.Width()) || px.Y >= float64(c.cam.Height()) {
			continue
		}
		pt := detect.RawPoint{X0Abs: px.X, Y0Abs: px.Y, Area: 12, CurVal: 220, MeanVal: 18, SumSqfVal: 4}
		if g.rng.Float64() < g.NaNProb {
			pt.X0Abs = math.NaN()
		}
		pts = append(pts, pt)
	}
	return pts
}

// Run sends frames to out at the configured frame rate until frames have
// been produced (forever when frames <= 0) or ctx is done, then sends the
// held-back packets and the EOF marker.
func (g *Generator) Run(ctx context.Context, clock timeutil.Clock, out chan<- bundle.StreamItem, frames int) error {
	if !(g.Framerate > 0) {
		return fmt.Errorf("framerate must be positive, got %v", g.Framerate)
	}
	ticker := clock.NewTicker(time.Duration(float64(time.Second) / g.Framerate))
	defer ticker.Stop()

	send := func(it bundle.StreamItem) error {
		select {
		case out <- it:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for n := 0; frames <= 0 || n < frames; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
		for _, p := range g.NextFrame() {
			if err := send(bundle.PacketItem(p)); err != nil {
				return err
			}
		}
	}
	for _, p := range g.Drain() {
		if err := send(bundle.PacketItem(p)); err != nil {
			return err
		}
	}
	return send(bundle.EOFItem())
}
