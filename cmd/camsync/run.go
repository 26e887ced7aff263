package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/pipeline"
	"github.com/banshee-data/camsync/internal/publish"
	"github.com/banshee-data/camsync/internal/store"
	"github.com/banshee-data/camsync/internal/synthetic"
	"github.com/banshee-data/camsync/internal/timeutil"
	"github.com/banshee-data/camsync/internal/version"
	"golang.org/x/sync/errgroup"
)

// runFlags are the synthetic-stream settings of the run command.
type runFlags struct {
	commonFlags
	cameras int
	frames  int
	seed    int64
	targets int
	noise   float64
	loss    float64
	late    float64
	nan     float64
	note    string
	noGRPC  bool
	noHTTP  bool
}

func parseRunFlags(args []string) (*runFlags, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f := &runFlags{}
	f.register(fs)
	fs.IntVar(&f.cameras, "cameras", 3, "Synthetic camera count when no calibration is configured")
	fs.IntVar(&f.frames, "frames", 0, "Stop after this many frames (0 runs until interrupted)")
	fs.Int64Var(&f.seed, "seed", 1, "Random seed for the synthetic stream")
	fs.IntVar(&f.targets, "targets", 3, "Number of moving targets")
	fs.Float64Var(&f.noise, "noise", 0.2, "Pixel noise standard deviation")
	fs.Float64Var(&f.loss, "loss", 0, "Probability a packet is lost")
	fs.Float64Var(&f.late, "late", 0, "Probability a packet arrives a frame late")
	fs.Float64Var(&f.nan, "nan", 0, "Probability a detection is NaN")
	fs.StringVar(&f.note, "note", "synthetic", "Note stored with the session")
	fs.BoolVar(&f.noGRPC, "no-grpc", false, "Do not start the tracker stream server")
	fs.BoolVar(&f.noHTTP, "no-http", false, "Do not start the admin HTTP server")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for name, p := range map[string]float64{"loss": f.loss, "late": f.late, "nan": f.nan} {
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("--%s must be within [0, 1], got %v", name, p)
		}
	}
	return f, nil
}

func handleRun(ctx context.Context, args []string) error {
	f, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, f.verbose)
	log.Printf("camsync %s", version.String())

	cfg, sys, err := f.load()
	if err != nil {
		return err
	}
	if sys == nil {
		if sys, err = demoRig(f.cameras); err != nil {
			return err
		}
		log.Printf("no calibration configured, using %d synthetic cameras", f.cameras)
	}
	imgs, err := buildImages(ctx, cfg, sys)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.GetStorePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	sess, err := st.StartSession(ctx, cfg.GetMiniArena(), f.note, time.Now())
	if err != nil {
		return err
	}
	log.Printf("recording session %s to %s", sess.ID, st.Path())
	defer func() {
		if err := st.EndSession(context.Background(), sess.ID, time.Now()); err != nil {
			log.Printf("failed to end session: %v", err)
		}
	}()

	roster := detect.NewRoster(sys.Names())
	roster.SetChangeCallback(func(cams []detect.CameraInfo) {
		if err := st.RecordCameras(context.Background(), sess.ID, cams); err != nil {
			log.Printf("failed to record cameras: %v", err)
		}
	})

	gen, err := synthetic.New(sys, roster, time.Now(), f.seed)
	if err != nil {
		return err
	}
	gen.Framerate = cfg.GetExpectedFramerate()
	gen.Targets = f.targets
	gen.PixelNoise = f.noise
	gen.LossProb = f.loss
	gen.LateProb = f.late
	gen.NaNProb = f.nan

	assignments, closeAssignments, err := openAssignments(cfg)
	if err != nil {
		return err
	}
	defer closeAssignments()

	opts := []pipeline.Option{pipeline.WithRecorder(st, sess.ID)}
	if assignments != nil {
		opts = append(opts, pipeline.WithAssignmentWriter(assignments))
	}

	var pub *publish.Publisher
	if !f.noGRPC {
		pcfg := publish.DefaultConfig()
		pcfg.ListenAddr = cfg.GetGRPCListen()
		pcfg.ClientBuffer = cfg.GetPublishBuffer()
		pcfg.DropLogInterval = cfg.GetLogRateInterval()
		pcfg.DropLogBurst = cfg.GetLogRateBurst()
		pub = publish.NewPublisher(pcfg)
		if err := pub.Start(); err != nil {
			return fmt.Errorf("failed to start tracker stream: %w", err)
		}
		defer pub.Stop()
		log.Printf("tracker stream listening on %s", pub.Addr())
		opts = append(opts, pipeline.WithSink(pub))
	}

	p := pipeline.New(roster, pipelineConfig(cfg, sys, imgs), opts...)

	var server *http.Server
	if !f.noHTTP {
		mux := http.NewServeMux()
		if err := st.AttachAdminRoutes(mux); err != nil {
			return err
		}
		p.AttachAdminRoutes(mux)
		server = &http.Server{Addr: cfg.GetAdminListen(), Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin server error: %v", err)
			}
		}()
		log.Printf("admin pages on http://%s/debug/", cfg.GetAdminListen())
	}

	items := make(chan bundle.StreamItem, 1024)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gen.Run(gctx, timeutil.RealClock{}, items, f.frames)
	})
	g.Go(func() error {
		return p.Run(gctx, bundle.NewChanSource(gctx, items))
	})
	runErr := g.Wait()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin server shutdown error: %v", err)
			server.Close()
		}
	}
	if pub != nil {
		s := pub.Stats()
		log.Printf("tracker stream: %d frames published, %d dropped", s.FrameCount, s.DroppedFrames)
	}
	return runErr
}
