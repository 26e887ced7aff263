package store

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func u64(v uint64) *uint64 { return &v }

func TestOpen_AppliesMigrations(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	again, err := Open(s.Path())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestMigrateDownAndUp(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	require.NoError(t, s.MigrateDown())
	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = s.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='bundle_stats'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.MigrateTo(2))
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestOpenNoMigrate_FreshDatabase(t *testing.T) {
	t.Parallel()

	s, err := OpenNoMigrate(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer s.Close()

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, s.MigrateForce(1))
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.LatestSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := arena.Config{XYGrid: &arena.XYGrid{XCenters: []float64{-1, 1}, YCenters: []float64{0}, Radius: 0.5}}
	first, err := s.StartSession(ctx, arena.Config{}, "", t0)
	require.NoError(t, err)
	second, err := s.StartSession(ctx, cfg, "grid run", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.NoError(t, s.EndSession(ctx, first.ID, t0.Add(time.Minute)))
	assert.ErrorIs(t, s.EndSession(ctx, uuid.New(), t0), ErrNotFound)

	latest, err := s.LatestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, "grid run", latest.Note)
	assert.Equal(t, cfg, latest.ArenaConfig)
	assert.Nil(t, latest.Ended)

	got, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Ended)
	assert.True(t, got.Ended.Equal(t0.Add(time.Minute)))
	assert.False(t, got.ArenaConfig.Enabled())

	_, err = s.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
}

func TestCameras(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.StartSession(ctx, arena.Config{}, "", t0)
	require.NoError(t, err)

	require.NoError(t, s.RecordCameras(ctx, sess.ID, []detect.CameraInfo{{Num: 1, Name: "cam_b"}, {Num: 0, Name: "cam_a"}}))
	require.NoError(t, s.RecordCameras(ctx, sess.ID, []detect.CameraInfo{{Num: 1, Name: "cam_b2"}}))

	cams, err := s.Cameras(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []detect.CameraInfo{{Num: 0, Name: "cam_a"}, {Num: 1, Name: "cam_b2"}}, cams)
}

func TestRecordAndLoadPackets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.StartSession(ctx, arena.Config{}, "", t0)
	require.NoError(t, err)
	other, err := s.StartSession(ctx, arena.Config{}, "", t0)
	require.NoError(t, err)

	trig := t0.Add(time.Millisecond)
	packets := []detect.Packet{
		{
			FrameData: detect.FrameData{
				CamName: "cam1", CamNum: 0, Frame: 10, Trigger: &trig,
				CamReceived: t0.Add(3 * time.Millisecond), DeviceTimestamp: u64(123456), BlockID: u64(77),
			},
			Points: detect.NumberPoints([]detect.RawPoint{
				{X0Abs: 1.5, Y0Abs: 2.5, Area: 9, Shape: &detect.SlopeEcc{Slope: 0.1, Eccentricity: 2}, CurVal: 200, MeanVal: 12, SumSqfVal: 3},
				{X0Abs: math.NaN(), Y0Abs: 4, Area: 1},
			}),
		},
		{
			FrameData: detect.FrameData{CamName: "cam2", CamNum: 1, Frame: 10, CamReceived: t0.Add(4 * time.Millisecond)},
		},
		{
			FrameData: detect.FrameData{CamName: "cam1", CamNum: 0, Frame: 11, CamReceived: t0.Add(13 * time.Millisecond)},
			Points:    detect.NumberPoints([]detect.RawPoint{{X0Abs: 3, Y0Abs: 4, Area: 2}}),
		},
	}
	for _, p := range packets {
		require.NoError(t, s.RecordPacket(ctx, sess.ID, p, true))
	}
	// Empty packets are skipped unless requested.
	require.NoError(t, s.RecordPacket(ctx, sess.ID, detect.Packet{FrameData: detect.FrameData{CamName: "cam2", CamNum: 1, Frame: 11}}, false))
	require.NoError(t, s.RecordPacket(ctx, other.ID, packets[2], true))

	var got []detect.Packet
	require.NoError(t, s.LoadPackets(ctx, sess.ID, func(p detect.Packet) error {
		got = append(got, p)
		return nil
	}))
	if diff := cmp.Diff(packets, got, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("packets mismatch (-want +got):\n%s", diff)
	}

	cams, err := s.PacketCameras(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []detect.CameraInfo{{Num: 0, Name: "cam1"}, {Num: 1, Name: "cam2"}}, cams)
}

func TestLoadPackets_StopsOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.StartSession(ctx, arena.Config{}, "", t0)
	require.NoError(t, err)
	for f := detect.FrameNumber(1); f <= 3; f++ {
		p := detect.Packet{FrameData: detect.FrameData{CamName: "cam1", Frame: f, CamReceived: t0}}
		require.NoError(t, s.RecordPacket(ctx, sess.ID, p, true))
	}

	stop := errors.New("stop")
	calls := 0
	err = s.LoadPackets(ctx, sess.ID, func(detect.Packet) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestRecordPacket_SaturatedIndices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.StartSession(ctx, arena.Config{}, "", t0)
	require.NoError(t, err)

	raw := make([]detect.RawPoint, 300)
	for i := range raw {
		raw[i] = detect.RawPoint{X0Abs: float64(i), Y0Abs: 1, Area: 1}
	}
	p := detect.Packet{
		FrameData: detect.FrameData{CamName: "cam1", CamNum: 0, Frame: 1, CamReceived: t0},
		Points:    detect.NumberPoints(raw),
	}
	require.NoError(t, s.RecordPacket(ctx, sess.ID, p, true))

	var got []detect.Packet
	require.NoError(t, s.LoadPackets(ctx, sess.ID, func(p detect.Packet) error {
		got = append(got, p)
		return nil
	}))
	require.Len(t, got, 1)
	require.Len(t, got[0].Points, 300)
	for i, np := range got[0].Points {
		assert.Equal(t, float64(i), np.Pt.X0Abs)
	}
	assert.Equal(t, uint8(255), got[0].Points[299].Idx)
}

func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.StartSession(ctx, arena.Config{}, "", t0)
	require.NoError(t, err)

	_, err = s.LatestStats(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	older := bundle.StatsSnapshot{Packets: 1}
	newer := bundle.StatsSnapshot{
		Packets: 40, Bundles: 12, CompleteBundles: 10, IncompleteBundles: 2, DroppedLate: 3,
		NaNPoints: 4, GapBundles: 1, PartitionedPoints: 100, UncalibratedPoints: 5,
		OutsideArenaPoints: 6, MissingImagePoints: 7, MeanLatency: 2 * time.Millisecond,
		MaxLatency: 9 * time.Millisecond, LastFrame: 1 << 40,
	}
	require.NoError(t, s.RecordStats(ctx, sess.ID, t0, older))
	require.NoError(t, s.RecordStats(ctx, sess.ID, t0.Add(time.Second), newer))

	got, err := s.LatestStats(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.StartSession(ctx, arena.Config{}, "admin", t0)
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	t.Run("sessions", func(t *testing.T) {
		rec := testutil.ServeDebug(t, mux, "/debug/sessions")
		require.Equal(t, http.StatusOK, rec.Code)

		var out []sessionJSON
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, sess.ID.String(), out[0].ID)
		assert.Equal(t, "NoMiniArena", out[0].ArenaConfig)
	})

	t.Run("backup", func(t *testing.T) {
		rec := testutil.ServeDebug(t, mux, "/debug/backup")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

		zr, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
	})
}
