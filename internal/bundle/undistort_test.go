package bundle

import (
	"math"
	"testing"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func noArenas() arena.Config { return arena.Config{} }

func twoArenas() arena.Config {
	return arena.Config{XYGrid: &arena.XYGrid{XCenters: []float64{-0.5, 0.5}, YCenters: []float64{0}, Radius: 0.4}}
}

// floorCamera is a 64x48 camera 2m above the origin looking down. Arena 0
// projects near pixel (19.5, 24), arena 1 near (44.5, 24).
func floorCamera(t *testing.T, name detect.CamName, dist calib.Distortion) *calib.PinholeCamera {
	t.Helper()
	extr, err := calib.LookAt(r3.Vec{Z: 2}, r3.Vec{}, r3.Vec{Y: 1})
	require.NoError(t, err)
	cam, err := calib.NewPinholeCamera(name, 64, 48, calib.Intrinsics{Fx: 50, Fy: 50, Cx: 32, Cy: 24, Distortion: dist}, extr)
	require.NoError(t, err)
	return cam
}

func pt(x, y float64) detect.RawPoint { return detect.RawPoint{X0Abs: x, Y0Abs: y, Area: 4} }

func namedPkt(name detect.CamName, num detect.CamNum, frame detect.FrameNumber, pts ...detect.RawPoint) detect.Packet {
	p := pkt(num, frame, pts...)
	p.CamName = name
	return p
}

func TestUndistortAndPartition_NoGrid(t *testing.T) {
	t.Parallel()

	sys, err := calib.NewSystem(floorCamera(t, "cam1", calib.Distortion{}))
	require.NoError(t, err)

	acc := NewAccumulator(namedPkt("cam1", 1, 5, pt(10, 20), pt(30, 40)))
	acc.Push(namedPkt("stranger", 2, 5, pt(1, 1)))

	out := acc.UndistortAndPartition(sys, nil, noArenas())
	require.Len(t, out.Arenas, 1)
	assert.Equal(t, detect.FrameNumber(5), out.Frame)

	want := []ArenaBucket{{Cameras: map[detect.CamName][]UndistortedPoint{
		"cam1": {
			{Idx: 0, X: 10, Y: 20, Raw: detect.NumberedPoint{Idx: 0, Pt: pt(10, 20)}},
			{Idx: 1, X: 30, Y: 40, Raw: detect.NumberedPoint{Idx: 1, Pt: pt(30, 40)}},
		},
	}}}
	if diff := cmp.Diff(want, out.Arenas, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("buckets mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_GridPartition(t *testing.T) {
	t.Parallel()

	cam1 := floorCamera(t, "cam1", calib.Distortion{})
	cam2 := floorCamera(t, "cam2", calib.Distortion{K1: -0.1})
	sys, err := calib.NewSystem(cam1, cam2)
	require.NoError(t, err)
	cfg := twoArenas()
	imgs, err := arena.BuildImages(sys, cfg)
	require.NoError(t, err)

	acc := NewAccumulator(namedPkt("cam1", 1, 8,
		pt(19.5, 24),      // arena 0
		pt(44.5, 24),      // arena 1
		pt(32, 24),        // between arenas
		pt(-5, 10),        // off image
		pt(math.NaN(), 3), // filtered before the engine
		pt(1e300, 1e300),  // far off image
		pt(44.2, 23.9),    // arena 1
	))
	acc.Push(namedPkt("cam2", 2, 8, pt(20, 24)))
	acc.Push(namedPkt("uncalibrated", 3, 8, pt(19.5, 24), pt(44.5, 24)))

	e := Engine{System: sys, Images: imgs, Arenas: cfg}
	out, st := e.Process(acc)

	require.Len(t, out.Arenas, 2)
	assert.Len(t, out.Arenas[0].Cameras["cam1"], 1)
	assert.Len(t, out.Arenas[0].Cameras["cam2"], 1)
	assert.Len(t, out.Arenas[1].Cameras["cam1"], 2)
	assert.NotContains(t, out.Arenas[1].Cameras, detect.CamName("cam2"), "camera buckets are created lazily")

	assert.Equal(t, 9, st.Points)
	assert.Equal(t, 4, st.Assigned)
	assert.Equal(t, 3, st.OutsideArenaPoints)
	assert.Equal(t, 2, st.UncalibratedPoints)
	assert.Equal(t, []detect.CamName{"uncalibrated"}, st.UncalibratedCameras)
	assert.Equal(t, st.Assigned, out.NumPoints())

	// Arena assignment uses distorted coordinates, the output is undistorted.
	p := out.Arenas[0].Cameras["cam2"][0]
	assert.Equal(t, 20.0, p.Raw.Pt.X0Abs)
	assert.NotEqual(t, 20.0, p.X)
	assert.Equal(t, cam2.Undistort(calib.Pixel{X: 20, Y: 24}), calib.Pixel{X: p.X, Y: p.Y})

	// Points keep their per-frame index.
	assert.Equal(t, uint8(6), out.Arenas[1].Cameras["cam1"][1].Idx)
}

func TestEngine_MissingImagePolicy(t *testing.T) {
	t.Parallel()

	sys, err := calib.NewSystem(floorCamera(t, "cam1", calib.Distortion{}))
	require.NoError(t, err)
	cfg := twoArenas()

	tests := []struct {
		policy       MissingImagePolicy
		wantArena0   int
		wantAssigned int
	}{
		{policy: AssignArenaZero, wantArena0: 2, wantAssigned: 2},
		{policy: DropPoints, wantArena0: 0, wantAssigned: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.policy.String(), func(t *testing.T) {
			t.Parallel()
			acc := NewAccumulator(namedPkt("cam1", 1, 1, pt(44.5, 24), pt(32, 24)))
			e := Engine{System: sys, Images: arena.Images{}, Arenas: cfg, MissingImage: tt.policy}
			out, st := e.Process(acc)
			require.Len(t, out.Arenas, 2)
			assert.Equal(t, tt.wantArena0, out.Arenas[0].NumPoints())
			assert.Equal(t, 0, out.Arenas[1].NumPoints())
			assert.Equal(t, tt.wantAssigned, st.Assigned)
			assert.Equal(t, 2, st.MissingImagePoints)
		})
	}
}

func TestEngine_NoCalibration(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(namedPkt("cam1", 1, 1, pt(1, 2)))
	var e Engine
	e.Arenas = twoArenas()
	out, st := e.Process(acc)
	require.Len(t, out.Arenas, 2, "one bucket per arena even when empty")
	assert.Equal(t, 0, out.NumPoints())
	assert.Equal(t, 1, st.UncalibratedPoints)
}

func TestEngine_TriggerCarried(t *testing.T) {
	t.Parallel()

	acc := EmptyAccumulator(3)
	out := acc.UndistortAndPartition(nil, nil, noArenas())
	assert.Nil(t, out.Trigger)
	assert.Equal(t, detect.FrameNumber(3), out.Frame)
	require.Len(t, out.Arenas, 1)
	assert.Nil(t, out.Arenas[0].Cameras)
}

func TestParseMissingImagePolicy(t *testing.T) {
	t.Parallel()

	for _, p := range []MissingImagePolicy{AssignArenaZero, DropPoints} {
		got, err := ParseMissingImagePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParseMissingImagePolicy("")
	require.NoError(t, err)
	assert.Equal(t, AssignArenaZero, got)

	_, err = ParseMissingImagePolicy("bogus")
	assert.Error(t, err)
}

func TestStats_AddPartition(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.AddPartition(PartitionStats{Assigned: 3, UncalibratedPoints: 2, OutsideArenaPoints: 1, MissingImagePoints: 4})
	s.AddPartition(PartitionStats{Assigned: 1})
	snap := s.Snapshot()
	assert.Equal(t, uint64(4), snap.PartitionedPoints)
	assert.Equal(t, uint64(2), snap.UncalibratedPoints)
	assert.Equal(t, uint64(1), snap.OutsideArenaPoints)
	assert.Equal(t, uint64(4), snap.MissingImagePoints)
}

func TestStats_RecentRing(t *testing.T) {
	t.Parallel()

	s := NewStats()
	for i := 0; i < recentBundles+5; i++ {
		s.addBundle(BundleSample{Frame: uint64(i)}, 0)
	}
	recent := s.Recent()
	require.Len(t, recent, recentBundles)
	assert.Equal(t, uint64(5), recent[0].Frame)
	assert.Equal(t, uint64(recentBundles+4), recent[len(recent)-1].Frame)
}
