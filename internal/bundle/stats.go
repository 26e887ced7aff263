package bundle

import (
	"sync"
	"time"
)

// recentBundles is the size of the recent-bundle ring kept for charts.
const recentBundles = 300

// BundleSample describes one emitted bundle.
type BundleSample struct {
	Frame    uint64
	Cameras  int
	Points   int
	Complete bool
	Latency  time.Duration
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Packets            uint64
	Bundles            uint64
	CompleteBundles    uint64
	IncompleteBundles  uint64
	DroppedLate        uint64
	NaNPoints          uint64
	GapBundles         uint64
	PartitionedPoints  uint64
	UncalibratedPoints uint64
	OutsideArenaPoints uint64
	MissingImagePoints uint64
	MaxLatency         time.Duration
	MeanLatency        time.Duration
	LastFrame          uint64
}

// Stats counts bundler and engine events. It is safe for concurrent use and
// may be shared by a bundler, a gap filler and an engine.
type Stats struct {
	mu           sync.Mutex
	snap         StatsSnapshot
	latencyTotal time.Duration
	recent       []BundleSample
	next         int
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{recent: make([]BundleSample, 0, recentBundles)}
}

func (s *Stats) addPacket() {
	s.mu.Lock()
	s.snap.Packets++
	s.mu.Unlock()
}

func (s *Stats) addDroppedLate() {
	s.mu.Lock()
	s.snap.DroppedLate++
	s.mu.Unlock()
}

func (s *Stats) addGap(n uint64) {
	s.mu.Lock()
	s.snap.GapBundles += n
	s.mu.Unlock()
}

func (s *Stats) addBundle(sample BundleSample, nan int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Bundles++
	if sample.Complete {
		s.snap.CompleteBundles++
	} else {
		s.snap.IncompleteBundles++
	}
	s.snap.NaNPoints += uint64(nan)
	s.snap.LastFrame = sample.Frame
	s.latencyTotal += sample.Latency
	if sample.Latency > s.snap.MaxLatency {
		s.snap.MaxLatency = sample.Latency
	}

	if len(s.recent) < recentBundles {
		s.recent = append(s.recent, sample)
		return
	}
	s.recent[s.next] = sample
	s.next = (s.next + 1) % recentBundles
}

// AddPartition folds one engine result into the counters.
func (s *Stats) AddPartition(ps PartitionStats) {
	s.mu.Lock()
	s.snap.PartitionedPoints += uint64(ps.Assigned)
	s.snap.UncalibratedPoints += uint64(ps.UncalibratedPoints)
	s.snap.OutsideArenaPoints += uint64(ps.OutsideArenaPoints)
	s.snap.MissingImagePoints += uint64(ps.MissingImagePoints)
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	if snap.Bundles > 0 {
		snap.MeanLatency = s.latencyTotal / time.Duration(snap.Bundles)
	}
	return snap
}

// Recent returns up to the last few hundred bundle samples, oldest first.
func (s *Stats) Recent() []BundleSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BundleSample, 0, len(s.recent))
	if len(s.recent) < recentBundles {
		return append(out, s.recent...)
	}
	out = append(out, s.recent[s.next:]...)
	return append(out, s.recent[:s.next]...)
}
