package bundle

import (
	"time"

	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/monitoring"
	"github.com/banshee-data/camsync/internal/timeutil"
)

// Bundler orders packets from all cameras into one bundle per frame.
//
// Emitted frame numbers strictly increase but may have gaps. A packet for a
// frame older than the one being accumulated, or not newer than the last
// emitted bundle, is dropped. A bundle is emitted
// as soon as every camera in the roster has contributed, when a packet for a
// newer frame arrives, or when the EOF marker is read. If the source is
// exhausted without an EOF marker, the open bundle is discarded.
//
// Completeness is also checked on the packet that opens a bundle, so with a
// one-camera roster every packet is emitted immediately instead of waiting
// for the next frame to flush it.
//
// The roster is queried once per packet and may change between calls.
// Bundler is not safe for concurrent use.
type Bundler struct {
	src    Source
	roster detect.CameraLister

	current *Accumulator
	ready   []*Accumulator // at most two: the flushed bundle and a complete successor
	done    bool

	emitted   bool
	lastFrame detect.FrameNumber

	clock    timeutil.Clock
	stats    *Stats
	lateLogf func(format string, args ...interface{})
}

// Option configures a Bundler.
type Option func(*Bundler)

// WithClock sets the clock used for bundle latency.
func WithClock(c timeutil.Clock) Option {
	return func(b *Bundler) { b.clock = c }
}

// WithStats shares a Stats with the bundler.
func WithStats(s *Stats) Option {
	return func(b *Bundler) { b.stats = s }
}

// WithLogRate limits how often late-packet drops are logged.
func WithLogRate(interval time.Duration, burst int) Option {
	return func(b *Bundler) { b.lateLogf = monitoring.RateLimited(diagf, interval, burst) }
}

// NewBundler returns a bundler reading src and checking completeness against
// roster.
func NewBundler(src Source, roster detect.CameraLister, opts ...Option) *Bundler {
	b := &Bundler{
		src:    src,
		roster: roster,
		clock:  timeutil.RealClock{},
	}
	for _, o := range opts {
		o(b)
	}
	if b.stats == nil {
		b.stats = NewStats()
	}
	if b.lateLogf == nil {
		b.lateLogf = monitoring.RateLimited(diagf, 0, 0)
	}
	return b
}

// Stats returns the bundler's counters.
func (b *Bundler) Stats() *Stats { return b.stats }

// Next returns the next bundle. ok is false once the stream has ended.
func (b *Bundler) Next() (*Accumulator, bool) {
	for {
		if len(b.ready) > 0 {
			out := b.ready[0]
			b.ready = b.ready[1:]
			return out, true
		}
		if b.done {
			return nil, false
		}

		item, ok := b.src.Next()
		if !ok {
			if b.current != nil {
				tracef("source exhausted without EOF, discarding %v", b.current)
			}
			b.current = nil
			b.done = true
			return nil, false
		}

		if item.EOF || item.Packet == nil {
			b.done = true
			if b.current == nil {
				return nil, false
			}
			b.emit(b.current, false)
			b.current = nil
			continue
		}

		b.handle(*item.Packet, b.roster.CameraList())
	}
}

func (b *Bundler) handle(p detect.Packet, all detect.CameraSet) {
	b.stats.addPacket()

	if b.current == nil {
		if b.emitted && p.Frame <= b.lastFrame {
			b.dropLate(p, b.lastFrame)
			return
		}
		b.start(p, all)
		return
	}

	cur := b.current.Frame()
	switch {
	case p.Frame == cur:
		b.current.Push(p)
		if b.current.Cameras() == all {
			b.emit(b.current, true)
			b.current = nil
		}
	case p.Frame > cur:
		b.emit(b.current, b.current.Cameras() == all)
		b.current = nil
		b.start(p, all)
	default:
		b.dropLate(p, cur)
	}
}

func (b *Bundler) dropLate(p detect.Packet, cur detect.FrameNumber) {
	b.stats.addDroppedLate()
	b.lateLogf("dropping late packet from %s for frame %d (at frame %d)", p.CamName, p.Frame, cur)
}

// start opens a bundle. With a one-camera roster the bundle may already be
// complete.
func (b *Bundler) start(p detect.Packet, all detect.CameraSet) {
	acc := NewAccumulator(p)
	acc.started = b.clock.Now()
	if acc.Cameras() == all {
		b.emit(acc, true)
		return
	}
	b.current = acc
}

// emit queues acc for the caller.
func (b *Bundler) emit(acc *Accumulator, complete bool) {
	var latency time.Duration
	if !acc.started.IsZero() {
		latency = b.clock.Since(acc.started)
	}
	b.stats.addBundle(BundleSample{
		Frame:    uint64(acc.Frame()),
		Cameras:  acc.NumCameras(),
		Points:   acc.NumPoints(),
		Complete: complete,
		Latency:  latency,
	}, acc.NaNFiltered())
	tracef("emit %v complete=%v latency=%v", acc, complete, latency)
	b.emitted, b.lastFrame = true, acc.Frame()
	b.ready = append(b.ready, acc)
}

// Collect drains the bundler.
func (b *Bundler) Collect() []*Accumulator {
	var out []*Accumulator
	for {
		acc, ok := b.Next()
		if !ok {
			return out
		}
		out = append(out, acc)
	}
}
