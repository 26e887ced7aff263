package bundle

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/camsync/internal/detect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_FiltersNaN(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(pkt(1, 3,
		detect.RawPoint{X0Abs: 1, Y0Abs: 2},
		detect.RawPoint{X0Abs: math.NaN(), Y0Abs: 2},
	))
	acc.Push(pkt(2, 3,
		detect.RawPoint{X0Abs: 5, Y0Abs: math.NaN()},
		detect.RawPoint{X0Abs: 6, Y0Abs: 7},
	))

	assert.Equal(t, detect.FrameNumber(3), acc.Frame())
	assert.Equal(t, 2, acc.NumCameras())
	assert.Equal(t, 2, acc.NumPoints())
	assert.Equal(t, 2, acc.NaNFiltered())
	assert.Equal(t, detect.NewCameraSet(1, 2), acc.Cameras())

	// Surviving points keep their original arrival index.
	pkts := acc.Packets()
	require.Len(t, pkts[1].Points, 1)
	assert.Equal(t, uint8(1), pkts[1].Points[0].Idx)
}

func TestAccumulator_Panics(t *testing.T) {
	t.Parallel()

	t.Run("duplicate camera", func(t *testing.T) {
		acc := NewAccumulator(pkt(1, 1))
		assert.Panics(t, func() { acc.Push(pkt(1, 1)) })
	})
	t.Run("frame mismatch", func(t *testing.T) {
		acc := NewAccumulator(pkt(1, 1))
		assert.Panics(t, func() { acc.Push(pkt(2, 2)) })
	})
	t.Run("consumed", func(t *testing.T) {
		acc := NewAccumulator(pkt(1, 1))
		acc.UndistortAndPartition(nil, nil, noArenas())
		assert.True(t, acc.Consumed())
		assert.Panics(t, func() { acc.Push(pkt(2, 1)) })
		assert.Panics(t, func() { acc.UndistortAndPartition(nil, nil, noArenas()) })
	})
}

func TestAccumulator_Trigger(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := base.Add(d)
		return &ts
	}

	var diag bytes.Buffer
	SetLogWriters(nil, &diag, nil)
	t.Cleanup(func() { SetLogWriters(nil, nil, nil) })

	first := pkt(1, 1)
	acc := NewAccumulator(first)
	_, ok := acc.Trigger()
	assert.False(t, ok, "first packet carried no trigger time")

	second := pkt(2, 1)
	second.Trigger = at(0)
	acc.Push(second)
	got, ok := acc.Trigger()
	require.True(t, ok)
	assert.Equal(t, base, got)

	near := pkt(3, 1)
	near.Trigger = at(500 * time.Microsecond)
	acc.Push(near)
	assert.Empty(t, diag.String())

	far := pkt(4, 1)
	far.Trigger = at(5 * time.Millisecond)
	acc.Push(far)
	assert.Contains(t, diag.String(), "trigger time of cam4 differs")

	got, _ = acc.Trigger()
	assert.Equal(t, base, got, "the first trigger time wins")
}

func TestEmptyAccumulator(t *testing.T) {
	t.Parallel()

	acc := EmptyAccumulator(9)
	assert.Equal(t, detect.FrameNumber(9), acc.Frame())
	assert.Equal(t, 0, acc.NumCameras())
	assert.Equal(t, detect.CameraSet{}, acc.Cameras())
	assert.Equal(t, "bundle{frame=9 cameras={} points=0}", acc.String())
}
