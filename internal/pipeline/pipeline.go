// Package pipeline wires the detection stream through bundling and arena
// partitioning to the tracker-facing sinks.
//
// Flow: packets are logged to the store, bundled per frame, optionally
// gap-filled, checked for monotonic frame numbers, undistorted and
// partitioned, then handed to each sink in order.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/monitoring"
	"github.com/banshee-data/camsync/internal/store"
	"github.com/banshee-data/camsync/internal/timeutil"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Sink receives every partitioned frame, in frame order.
type Sink interface {
	Publish(u *bundle.Undistorted) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u *bundle.Undistorted) error

// Publish implements Sink.
func (f SinkFunc) Publish(u *bundle.Undistorted) error { return f(u) }

// Config holds the pipeline settings. The zero value runs without
// calibration, without arenas and without periodic stats.
type Config struct {
	System       calib.System
	Images       arena.Images
	Arenas       arena.Config
	MissingImage bundle.MissingImagePolicy

	FillGaps        bool
	SaveEmptyData2D bool

	LogRateInterval time.Duration
	LogRateBurst    int
	StatsInterval   time.Duration

	Clock timeutil.Clock
}

// Pipeline runs one detection stream. It is single use: call Run once.
type Pipeline struct {
	cfg    Config
	roster detect.CameraLister
	engine bundle.Engine
	stats  *bundle.Stats

	recorder *store.Store
	session  uuid.UUID

	sinks       []Sink
	assignments *arena.AssignmentWriter

	guard    frameGuard
	warnLogf func(format string, args ...interface{})
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder logs every packet and periodic stats to st under session.
func WithRecorder(st *store.Store, session uuid.UUID) Option {
	return func(p *Pipeline) {
		p.recorder = st
		p.session = session
	}
}

// WithSink appends a sink.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, s) }
}

// WithAssignmentWriter writes one CSV row per partitioned point.
func WithAssignmentWriter(w *arena.AssignmentWriter) Option {
	return func(p *Pipeline) { p.assignments = w }
}

// New builds a pipeline checking bundle completeness against roster.
func New(roster detect.CameraLister, cfg Config, opts ...Option) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		cfg:    cfg,
		roster: roster,
		engine: bundle.Engine{
			System:       cfg.System,
			Images:       cfg.Images,
			Arenas:       cfg.Arenas,
			MissingImage: cfg.MissingImage,
		},
		stats:    bundle.NewStats(),
		warnLogf: monitoring.RateLimited(diagf, cfg.LogRateInterval, cfg.LogRateBurst),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Stats returns the live counters.
func (p *Pipeline) Stats() *bundle.Stats { return p.stats }

// Run consumes src until it is exhausted, an EOF item is read, a sink fails
// or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, src bundle.Source) error {
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.StatsInterval > 0 {
		g.Go(func() error {
			p.statsLoop(gctx, done)
			return nil
		})
	}
	g.Go(func() error {
		defer close(done)
		return p.consume(gctx, src)
	})
	err := g.Wait()

	snap := p.stats.Snapshot()
	opsf("stream finished: %s", formatSnapshot(snap))
	p.recordStats(context.WithoutCancel(ctx), snap)
	return err
}

func (p *Pipeline) consume(ctx context.Context, src bundle.Source) error {
	var recordErr error
	if p.recorder != nil {
		src = &recordingSource{src: src, record: func(pkt detect.Packet) {
			if recordErr != nil {
				return
			}
			if err := p.recorder.RecordPacket(ctx, p.session, pkt, p.cfg.SaveEmptyData2D); err != nil {
				recordErr = fmt.Errorf("failed to record %s: %w", pkt.String(), err)
			}
		}}
	}

	b := bundle.NewBundler(src, p.roster,
		bundle.WithClock(p.cfg.Clock),
		bundle.WithStats(p.stats),
		bundle.WithLogRate(p.cfg.LogRateInterval, p.cfg.LogRateBurst),
	)
	var bundles bundle.BundleSource = b
	if p.cfg.FillGaps {
		bundles = bundle.NewContiguous(b, p.stats)
	}

	for {
		acc, ok := bundles.Next()
		if recordErr != nil {
			return recordErr
		}
		if !ok {
			break
		}
		if err := p.process(acc); err != nil {
			return err
		}
	}
	if p.assignments != nil {
		if err := p.assignments.Flush(); err != nil {
			return fmt.Errorf("failed to flush assignments: %w", err)
		}
	}
	return ctx.Err()
}

func (p *Pipeline) process(acc *bundle.Accumulator) error {
	p.guard.check(acc.Frame())

	out, ps := p.engine.Process(acc)
	p.stats.AddPartition(ps)
	for _, name := range ps.UncalibratedCameras {
		p.warnLogf("no calibration for camera %s, its points are skipped", name)
	}
	tracef("frame %d: %d of %d points partitioned", out.Frame, ps.Assigned, ps.Points)

	if p.assignments != nil {
		if err := writeAssignments(p.assignments, out); err != nil {
			return fmt.Errorf("failed to write assignments for frame %d: %w", out.Frame, err)
		}
	}
	for _, s := range p.sinks {
		if err := s.Publish(out); err != nil {
			return fmt.Errorf("sink failed on frame %d: %w", out.Frame, err)
		}
	}
	return nil
}

func writeAssignments(w *arena.AssignmentWriter, u *bundle.Undistorted) error {
	for i, b := range u.Arenas {
		names := make([]detect.CamName, 0, len(b.Cameras))
		for name := range b.Cameras {
			names = append(names, name)
		}
		sort.Slice(names, func(a, b int) bool { return names[a] < names[b] })
		for _, name := range names {
			for _, pt := range b.Cameras[name] {
				err := w.Write(arena.Assignment{
					Frame:       u.Frame,
					Camera:      name,
					Idx:         pt.Idx,
					Distorted:   calib.Pixel{X: pt.Raw.Pt.X0Abs, Y: pt.Raw.Pt.Y0Abs},
					Undistorted: calib.Pixel{X: pt.X, Y: pt.Y},
					Arena:       arena.Index(i),
				})
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Pipeline) statsLoop(ctx context.Context, done <-chan struct{}) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C():
			snap := p.stats.Snapshot()
			opsf("stats: %s", formatSnapshot(snap))
			p.recordStats(ctx, snap)
		}
	}
}

func (p *Pipeline) recordStats(ctx context.Context, snap bundle.StatsSnapshot) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordStats(ctx, p.session, p.cfg.Clock.Now(), snap); err != nil {
		diagf("failed to record stats: %v", err)
	}
}

func formatSnapshot(s bundle.StatsSnapshot) string {
	return fmt.Sprintf("packets=%d bundles=%d complete=%d incomplete=%d late=%d nan=%d gaps=%d partitioned=%d uncalibrated=%d outside=%d no_image=%d latency_mean=%v latency_max=%v last_frame=%d",
		s.Packets, s.Bundles, s.CompleteBundles, s.IncompleteBundles, s.DroppedLate, s.NaNPoints,
		s.GapBundles, s.PartitionedPoints, s.UncalibratedPoints, s.OutsideArenaPoints,
		s.MissingImagePoints, s.MeanLatency, s.MaxLatency, s.LastFrame)
}

// recordingSource logs each packet before the bundler sees it.
type recordingSource struct {
	src    bundle.Source
	record func(detect.Packet)
}

func (r *recordingSource) Next() (bundle.StreamItem, bool) {
	it, ok := r.src.Next()
	if ok && it.Packet != nil {
		r.record(*it.Packet)
	}
	return it, ok
}
