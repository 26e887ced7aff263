// Package store keeps the raw detection log of a run in SQLite.
//
// Bundling is lossy, so every packet is written here before it reaches the
// bundler. A stored session can be replayed through the pipeline offline.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store wraps the SQLite handle holding the detection log.
type Store struct {
	*sql.DB
	path string
}

// Open opens (or creates) the database at path and applies all pending
// migrations.
func Open(path string) (*Store, error) {
	s, err := OpenNoMigrate(path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenNoMigrate opens the database without touching the schema. The migrate
// subcommand uses it so it can report and change the schema version itself.
func OpenNoMigrate(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Store{DB: db, path: path}, nil
}

// dsn applies per-connection pragmas; a path that already carries query
// parameters is used as is.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Session is one recorded run.
type Session struct {
	ID          uuid.UUID
	Started     time.Time
	Ended       *time.Time
	ArenaConfig arena.Config
	Note        string
}

// StartSession creates a new session row.
func (s *Store) StartSession(ctx context.Context, cfg arena.Config, note string, started time.Time) (*Session, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arena config: %w", err)
	}
	sess := &Session{ID: uuid.New(), Started: started, ArenaConfig: cfg, Note: note}
	_, err = s.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_unix_nanos, arena_config, note) VALUES (?, ?, ?, ?)`,
		sess.ID.String(), started.UnixNano(), string(cfgJSON), note)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

// EndSession stamps the end time of a session.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID, ended time.Time) error {
	res, err := s.ExecContext(ctx,
		`UPDATE sessions SET ended_unix_nanos = ? WHERE session_id = ?`,
		ended.UnixNano(), id.String())
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Sessions returns all sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT session_id, started_unix_nanos, ended_unix_nanos, arena_config, note
		FROM sessions
		ORDER BY started_unix_nanos DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.QueryRowContext(ctx, `
		SELECT session_id, started_unix_nanos, ended_unix_nanos, arena_config, note
		FROM sessions WHERE session_id = ?`, id.String())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, err
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (*Session, error) {
	row := s.QueryRowContext(ctx, `
		SELECT session_id, started_unix_nanos, ended_unix_nanos, arena_config, note
		FROM sessions ORDER BY started_unix_nanos DESC, rowid DESC LIMIT 1`)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		id      string
		started int64
		ended   sql.NullInt64
		cfgJSON string
		sess    Session
	)
	if err := sc.Scan(&id, &started, &ended, &cfgJSON, &sess.Note); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad session id %q: %w", id, err)
	}
	sess.ID = parsed
	sess.Started = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		sess.Ended = &t
	}
	if err := json.Unmarshal([]byte(cfgJSON), &sess.ArenaConfig); err != nil {
		return nil, fmt.Errorf("bad arena config in session %s: %w", id, err)
	}
	return &sess, nil
}

// RecordCameras upserts the camera number to name mapping of a session.
func (s *Store) RecordCameras(ctx context.Context, id uuid.UUID, cams []detect.CameraInfo) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range cams {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cam_info (session_id, camn, cam_name) VALUES (?, ?, ?)
			ON CONFLICT (session_id, camn) DO UPDATE SET cam_name = excluded.cam_name`,
			id.String(), int(c.Num), string(c.Name)); err != nil {
			return fmt.Errorf("failed to record camera %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// Cameras returns the recorded cameras of a session, ordered by number.
func (s *Store) Cameras(ctx context.Context, id uuid.UUID) ([]detect.CameraInfo, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT camn, cam_name FROM cam_info WHERE session_id = ? ORDER BY camn`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var out []detect.CameraInfo
	for rows.Next() {
		var (
			num  int
			name string
		)
		if err := rows.Scan(&num, &name); err != nil {
			return nil, err
		}
		out = append(out, detect.CameraInfo{Num: detect.CamNum(num), Name: detect.CamName(name)})
	}
	return out, rows.Err()
}

// PacketCameras returns the distinct cameras seen in the packets of a
// session. Used when a session has no cam_info rows.
func (s *Store) PacketCameras(ctx context.Context, id uuid.UUID) ([]detect.CameraInfo, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT camn, MIN(cam_name) FROM packets WHERE session_id = ?
		GROUP BY camn ORDER BY camn`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query packet cameras: %w", err)
	}
	defer rows.Close()

	var out []detect.CameraInfo
	for rows.Next() {
		var (
			num  int
			name string
		)
		if err := rows.Scan(&num, &name); err != nil {
			return nil, err
		}
		out = append(out, detect.CameraInfo{Num: detect.CamNum(num), Name: detect.CamName(name)})
	}
	return out, rows.Err()
}

// RecordPacket appends one packet to the detection log. Packets without
// points are written as a header-only row when saveEmpty is set and skipped
// otherwise. NaN coordinates are stored as NULL.
func (s *Store) RecordPacket(ctx context.Context, id uuid.UUID, p detect.Packet, saveEmpty bool) error {
	if len(p.Points) == 0 && !saveEmpty {
		return nil
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var trigger sql.NullInt64
	if p.Trigger != nil {
		trigger = sql.NullInt64{Int64: p.Trigger.UnixNano(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO packets (
			session_id, camn, cam_name, frame, trigger_unix_nanos,
			cam_received_unix_nanos, device_timestamp, block_id, n_points
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), int(p.CamNum), string(p.CamName), int64(p.Frame), trigger,
		p.CamReceived.UnixNano(), nullUint(p.DeviceTimestamp), nullUint(p.BlockID), len(p.Points))
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", p.String(), err)
	}
	packetID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read packet id: %w", err)
	}

	// Point indices saturate, so rows are keyed by their position instead.
	for ord, np := range p.Points {
		pt := np.Pt
		var slope, ecc sql.NullFloat64
		if pt.Shape != nil {
			slope = nullFloat(pt.Shape.Slope)
			ecc = nullFloat(pt.Shape.Eccentricity)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO data2d_distorted (
				packet_id, ord, idx, x, y, area, slope, eccentricity, cur_val, mean_val, sumsqf_val
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			packetID, ord, int(np.Idx), nullFloat(pt.X0Abs), nullFloat(pt.Y0Abs), pt.Area,
			slope, ecc, int(pt.CurVal), pt.MeanVal, pt.SumSqfVal); err != nil {
			return fmt.Errorf("failed to insert point %d of %s: %w", ord, p.String(), err)
		}
	}
	return tx.Commit()
}

// LoadPackets calls fn for every packet of a session in arrival order.
// Iteration stops at the first error returned by fn.
func (s *Store) LoadPackets(ctx context.Context, id uuid.UUID, fn func(detect.Packet) error) error {
	rows, err := s.QueryContext(ctx, `
		SELECT p.packet_id, p.camn, p.cam_name, p.frame, p.trigger_unix_nanos,
			p.cam_received_unix_nanos, p.device_timestamp, p.block_id,
			d.idx, d.x, d.y, d.area, d.slope, d.eccentricity, d.cur_val, d.mean_val, d.sumsqf_val
		FROM packets p
		LEFT JOIN data2d_distorted d ON d.packet_id = p.packet_id
		WHERE p.session_id = ?
		ORDER BY p.packet_id, d.ord`, id.String())
	if err != nil {
		return fmt.Errorf("failed to query packets: %w", err)
	}
	defer rows.Close()

	var (
		cur    *detect.Packet
		curID  int64 = -1
		loaded int
	)
	flush := func() error {
		if cur == nil {
			return nil
		}
		loaded++
		p := *cur
		cur = nil
		return fn(p)
	}

	for rows.Next() {
		var (
			packetID           int64
			camn               int
			name               string
			frame              int64
			trigger            sql.NullInt64
			received           int64
			deviceTS, blockID  sql.NullInt64
			idx, curVal        sql.NullInt64
			x, y, area         sql.NullFloat64
			slope, ecc         sql.NullFloat64
			meanVal, sumsqfVal sql.NullFloat64
		)
		if err := rows.Scan(&packetID, &camn, &name, &frame, &trigger, &received, &deviceTS, &blockID,
			&idx, &x, &y, &area, &slope, &ecc, &curVal, &meanVal, &sumsqfVal); err != nil {
			return fmt.Errorf("failed to scan packet row: %w", err)
		}

		if packetID != curID {
			if err := flush(); err != nil {
				return err
			}
			curID = packetID
			cur = &detect.Packet{FrameData: detect.FrameData{
				CamName:         detect.CamName(name),
				CamNum:          detect.CamNum(camn),
				Frame:           detect.FrameNumber(frame),
				CamReceived:     time.Unix(0, received),
				DeviceTimestamp: uintPtr(deviceTS),
				BlockID:         uintPtr(blockID),
			}}
			if trigger.Valid {
				t := time.Unix(0, trigger.Int64)
				cur.Trigger = &t
			}
		}
		if !idx.Valid {
			continue
		}
		pt := detect.RawPoint{
			X0Abs:     floatOrNaN(x),
			Y0Abs:     floatOrNaN(y),
			Area:      area.Float64,
			CurVal:    uint8(curVal.Int64),
			MeanVal:   meanVal.Float64,
			SumSqfVal: sumsqfVal.Float64,
		}
		if slope.Valid || ecc.Valid {
			pt.Shape = &detect.SlopeEcc{Slope: floatOrNaN(slope), Eccentricity: floatOrNaN(ecc)}
		}
		cur.Points = append(cur.Points, detect.NumberedPoint{Idx: uint8(idx.Int64), Pt: pt})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate packets: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}
	tracef("loaded %d packets of session %s", loaded, id)
	return nil
}

// RecordStats appends a statistics snapshot for a session.
func (s *Store) RecordStats(ctx context.Context, id uuid.UUID, at time.Time, st bundle.StatsSnapshot) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO bundle_stats (
			session_id, recorded_unix_nanos, packets, bundles, complete, incomplete,
			dropped_late, nan_points, gap_bundles, partitioned_points, uncalibrated_points,
			outside_arena_points, missing_image_points, mean_latency_nanos, max_latency_nanos, last_frame
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), at.UnixNano(), int64(st.Packets), int64(st.Bundles), int64(st.CompleteBundles),
		int64(st.IncompleteBundles), int64(st.DroppedLate), int64(st.NaNPoints), int64(st.GapBundles),
		int64(st.PartitionedPoints), int64(st.UncalibratedPoints), int64(st.OutsideArenaPoints),
		int64(st.MissingImagePoints), int64(st.MeanLatency), int64(st.MaxLatency), int64(st.LastFrame))
	if err != nil {
		return fmt.Errorf("failed to record stats: %w", err)
	}
	return nil
}

// LatestStats returns the most recent statistics snapshot of a session.
func (s *Store) LatestStats(ctx context.Context, id uuid.UUID) (bundle.StatsSnapshot, error) {
	var st bundle.StatsSnapshot
	err := s.QueryRowContext(ctx, `
		SELECT packets, bundles, complete, incomplete, dropped_late, nan_points, gap_bundles,
			partitioned_points, uncalibrated_points, outside_arena_points, missing_image_points,
			mean_latency_nanos, max_latency_nanos, last_frame
		FROM bundle_stats WHERE session_id = ?
		ORDER BY recorded_unix_nanos DESC, rowid DESC LIMIT 1`, id.String()).Scan(
		&st.Packets, &st.Bundles, &st.CompleteBundles, &st.IncompleteBundles, &st.DroppedLate,
		&st.NaNPoints, &st.GapBundles, &st.PartitionedPoints, &st.UncalibratedPoints,
		&st.OutsideArenaPoints, &st.MissingImagePoints, &st.MeanLatency, &st.MaxLatency, &st.LastFrame)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("%w: no stats for %s", ErrNotFound, id)
	}
	if err != nil {
		return st, fmt.Errorf("failed to query stats: %w", err)
	}
	return st, nil
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func uintPtr(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}
