package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/store"
	"github.com/banshee-data/camsync/internal/synthetic"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseRunFlags(t *testing.T) {
	f, err := parseRunFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, f.cameras)
	assert.Equal(t, 0, f.frames)
	assert.Equal(t, int64(1), f.seed)
	assert.False(t, f.noGRPC)

	f, err = parseRunFlags([]string{"--cameras", "5", "--loss", "0.1", "--no-http"})
	require.NoError(t, err)
	assert.Equal(t, 5, f.cameras)
	assert.InDelta(t, 0.1, f.loss, 1e-12)
	assert.True(t, f.noHTTP)

	_, err = parseRunFlags([]string{"--late", "1.5"})
	assert.ErrorContains(t, err, "--late")
}

func TestDemoRig(t *testing.T) {
	sys, err := demoRig(4)
	require.NoError(t, err)
	require.Len(t, sys.Cameras(), 4)
	for _, cam := range sys.Cameras() {
		px, ok := cam.(*calib.PinholeCamera).Project(r3.Vec{})
		require.True(t, ok, cam.Name())
		assert.InDelta(t, 320, px.X, 1e-6, cam.Name())
		assert.InDelta(t, 240, px.Y, 1e-6, cam.Name())
	}

	_, err = demoRig(0)
	assert.Error(t, err)
}

func TestCommonFlags_Load(t *testing.T) {
	dir := t.TempDir()

	c := commonFlags{}
	cfg, sys, err := c.load()
	require.NoError(t, err)
	assert.Nil(t, sys)
	assert.Equal(t, "camsync.db", cfg.GetStorePath())

	rig, err := demoRig(2)
	require.NoError(t, err)
	data, err := rig.Marshal()
	require.NoError(t, err)
	calibPath := writeFile(t, dir, "rig.json", string(data))

	c = commonFlags{configPath: writeFile(t, dir, "cfg.json", `{"calibration_path": "`+calibPath+`"}`)}
	_, sys, err = c.load()
	require.NoError(t, err)
	require.NotNil(t, sys)
	assert.Equal(t, []detect.CamName{"cam1", "cam2"}, sys.Names())

	c = commonFlags{configPath: writeFile(t, dir, "bad.json", `{"log_rate_burst": 0}`)}
	_, _, err = c.load()
	assert.Error(t, err)
}

func TestHandleMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "m.db")

	var out bytes.Buffer
	require.NoError(t, handleMigrate([]string{"--db", db, "version"}, &out))
	assert.Contains(t, out.String(), "version 0")

	out.Reset()
	require.NoError(t, handleMigrate([]string{"--db", db, "up"}, &out))
	assert.Contains(t, out.String(), "version 2")

	out.Reset()
	require.NoError(t, handleMigrate([]string{"--db", db, "down"}, &out))
	assert.Contains(t, out.String(), "version 1")

	out.Reset()
	require.NoError(t, handleMigrate([]string{"--db", db, "to", "2"}, &out))
	assert.Contains(t, out.String(), "version 2")

	assert.Error(t, handleMigrate([]string{"--db", db, "sideways"}, &out))
	assert.Error(t, handleMigrate([]string{"--db", db, "force"}, &out))
	assert.Error(t, handleMigrate([]string{"--db", db}, &out))
}

func TestHandleArenas(t *testing.T) {
	dir := t.TempDir()
	rig, err := demoRig(2)
	require.NoError(t, err)
	data, err := rig.Marshal()
	require.NoError(t, err)
	calibPath := writeFile(t, dir, "rig.json", string(data))
	cfgPath := writeFile(t, dir, "cfg.json",
		`{"mini_arena": {"xy_grid": {"x_centers": [-0.3, 0.3], "y_centers": [0], "radius": 0.25}}}`)
	outDir := filepath.Join(dir, "images")

	var out bytes.Buffer
	err = handleArenas(context.Background(), []string{"--config", cfgPath, "--calib", calibPath, "--out", outDir}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "XYGrid{2x1 r=0.25}")
	assert.Contains(t, out.String(), "cam1: arena 0=")
	assert.FileExists(t, filepath.Join(outDir, "mini_arenas_cam1.png"))
	assert.FileExists(t, filepath.Join(outDir, "mini_arenas_cam2_plot.png"))

	err = handleArenas(context.Background(), []string{"--calib", calibPath}, &out)
	assert.ErrorContains(t, err, "xy_grid")
	err = handleArenas(context.Background(), []string{"--config", cfgPath}, &out)
	assert.ErrorContains(t, err, "calibration")
}

// recordSession logs frames synthetic frames from a two camera rig.
func recordSession(t *testing.T, path string, frames int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	sess, err := st.StartSession(ctx, arena.Config{}, "test", t0)
	require.NoError(t, err)

	rig, err := demoRig(2)
	require.NoError(t, err)
	roster := detect.NewRoster(rig.Names())
	gen, err := synthetic.New(rig, roster, t0, 3)
	require.NoError(t, err)
	require.NoError(t, st.RecordCameras(ctx, sess.ID, roster.Cameras()))
	for i := 0; i < frames; i++ {
		for _, p := range gen.NextFrame() {
			require.NoError(t, st.RecordPacket(ctx, sess.ID, p, true))
		}
	}
	return sess.ID
}

func TestHandleRetrack(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "log.db")
	id := recordSession(t, db, 5)

	var out bytes.Buffer
	err := handleRetrack(context.Background(), []string{"--db", db}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "session "+id.String())
	assert.Contains(t, out.String(), "packets:      10")
	assert.Contains(t, out.String(), "bundles:      5 (5 complete, 0 incomplete, 0 gap)")

	replayDB := filepath.Join(dir, "replay.db")
	out.Reset()
	err = handleRetrack(context.Background(), []string{"--db", db, "--session", id.String(), "--record-to", replayDB}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "recording replay as session")

	st, err := store.Open(replayDB)
	require.NoError(t, err)
	defer st.Close()
	sess, err := st.LatestSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "retrack of "+id.String(), sess.Note)
	assert.NotNil(t, sess.Ended)
	cams, err := st.Cameras(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, cams, 2)

	err = handleRetrack(context.Background(), []string{"--db", db, "--record-to", db}, &out)
	assert.Error(t, err)
	err = handleRetrack(context.Background(), []string{"--db", db, "--session", "nope"}, &out)
	assert.ErrorContains(t, err, "invalid --session")
}

func TestHandleRun(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "run.db")
	cfgPath := writeFile(t, dir, "cfg.json", `{"store_path": "`+db+`", "expected_framerate": 1000}`)

	err := handleRun(context.Background(), []string{
		"--config", cfgPath, "--cameras", "2", "--frames", "20", "--no-grpc", "--no-http", "--note", "smoke",
	})
	require.NoError(t, err)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	sess, err := st.LatestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "smoke", sess.Note)
	assert.NotNil(t, sess.Ended)

	var packets int
	require.NoError(t, st.LoadPackets(ctx, sess.ID, func(detect.Packet) error {
		packets++
		return nil
	}))
	assert.Equal(t, 40, packets)

	stats, err := st.LatestStats(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), stats.Bundles)
}
