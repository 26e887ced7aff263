package bundle

import (
	"testing"

	"github.com/banshee-data/camsync/internal/detect"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

type accSlice struct {
	accs []*Accumulator
	pos  int
}

func (s *accSlice) Next() (*Accumulator, bool) {
	if s.pos >= len(s.accs) {
		return nil, false
	}
	a := s.accs[s.pos]
	s.pos++
	return a, true
}

func framesOf(src BundleSource) []detect.FrameNumber {
	var out []detect.FrameNumber
	for {
		a, ok := src.Next()
		if !ok {
			return out
		}
		out = append(out, a.Frame())
	}
}

func TestContiguous(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []detect.FrameNumber
		want   []detect.FrameNumber
	}{
		{name: "empty", frames: nil, want: nil},
		{name: "already contiguous", frames: []detect.FrameNumber{4, 5, 6}, want: []detect.FrameNumber{4, 5, 6}},
		{name: "fills gaps", frames: []detect.FrameNumber{1, 4, 5, 7}, want: []detect.FrameNumber{1, 2, 3, 4, 5, 6, 7}},
		{name: "stops when not increasing", frames: []detect.FrameNumber{1, 3, 3, 9}, want: []detect.FrameNumber{1, 2, 3}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := &accSlice{}
			for _, f := range tt.frames {
				src.accs = append(src.accs, EmptyAccumulator(f))
			}
			got := framesOf(NewContiguous(src, nil))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("frames mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContiguous_OverBundler(t *testing.T) {
	t.Parallel()

	stats := NewStats()
	b := NewBundler(NewSliceSource(withEOF(pkt(1, 10), pkt(2, 13))...), detect.NewCameraSet(1, 2), WithStats(stats))
	c := NewContiguous(b, stats)

	var got []int
	for {
		a, ok := c.Next()
		if !ok {
			break
		}
		got = append(got, a.NumCameras())
	}
	assert.Equal(t, []int{1, 0, 0, 1}, got)
	assert.Equal(t, uint64(2), stats.Snapshot().GapBundles)
}
