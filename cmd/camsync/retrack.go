package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/camsync/internal/pipeline"
	"github.com/banshee-data/camsync/internal/store"
	"github.com/google/uuid"
)

func handleRetrack(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("retrack", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	dbPath := fs.String("db", "", "Detection log to read (defaults to store_path)")
	sessionID := fs.String("session", "", "Session to replay (defaults to the newest)")
	recordTo := fs.String("record-to", "", "Log the replay as a new session in this database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(os.Stderr, common.verbose)

	cfg, sys, err := common.load()
	if err != nil {
		return err
	}
	path := *dbPath
	if path == "" {
		path = cfg.GetStorePath()
	}
	if *recordTo != "" && *recordTo == path {
		return fmt.Errorf("--record-to must differ from the database being replayed")
	}

	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var sess *store.Session
	if *sessionID == "" {
		sess, err = st.LatestSession(ctx)
	} else {
		var id uuid.UUID
		if id, err = uuid.Parse(*sessionID); err != nil {
			return fmt.Errorf("invalid --session: %w", err)
		}
		sess, err = st.GetSession(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}

	imgs, err := buildImages(ctx, cfg, sys)
	if err != nil {
		return err
	}
	pc := pipelineConfig(cfg, sys, imgs)
	pc.StatsInterval = 0

	var opts []pipeline.Option
	assignments, closeAssignments, err := openAssignments(cfg)
	if err != nil {
		return err
	}
	defer closeAssignments()
	if assignments != nil {
		opts = append(opts, pipeline.WithAssignmentWriter(assignments))
	}

	if *recordTo != "" {
		out, err := store.Open(*recordTo)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", *recordTo, err)
		}
		defer out.Close()
		replay, err := out.StartSession(ctx, pc.Arenas, "retrack of "+sess.ID.String(), time.Now())
		if err != nil {
			return err
		}
		cams, err := st.Cameras(ctx, sess.ID)
		if err != nil {
			return err
		}
		if err := out.RecordCameras(ctx, replay.ID, cams); err != nil {
			return err
		}
		defer func() {
			if err := out.EndSession(context.Background(), replay.ID, time.Now()); err != nil {
				fmt.Fprintf(os.Stderr, "failed to end replay session: %v\n", err)
			}
		}()
		opts = append(opts, pipeline.WithRecorder(out, replay.ID))
		fmt.Fprintf(stdout, "recording replay as session %s in %s\n", replay.ID, out.Path())
	}

	p, err := pipeline.Replay(ctx, st, sess.ID, pc, opts...)
	if err != nil {
		return err
	}
	s := p.Stats().Snapshot()
	fmt.Fprintf(stdout, "session %s (%s)\n", sess.ID, sess.Started.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  packets:      %d\n", s.Packets)
	fmt.Fprintf(stdout, "  bundles:      %d (%d complete, %d incomplete, %d gap)\n",
		s.Bundles, s.CompleteBundles, s.IncompleteBundles, s.GapBundles)
	fmt.Fprintf(stdout, "  late dropped: %d\n", s.DroppedLate)
	fmt.Fprintf(stdout, "  points:       %d partitioned, %d NaN, %d uncalibrated, %d outside arenas\n",
		s.PartitionedPoints, s.NaNPoints, s.UncalibratedPoints, s.OutsideArenaPoints)
	if assignments != nil {
		fmt.Fprintf(stdout, "  assignments:  %d rows to %s\n", assignments.Rows(), cfg.GetAssignmentDebugCSV())
	}
	return nil
}
