package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/config"
	"github.com/banshee-data/camsync/internal/monitoring"
	"github.com/banshee-data/camsync/internal/pipeline"
	"github.com/banshee-data/camsync/internal/publish"
	"github.com/banshee-data/camsync/internal/store"
	"github.com/banshee-data/camsync/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "run":
		err = handleRun(ctx, args)
	case "retrack":
		err = handleRetrack(ctx, args, os.Stdout)
	case "arenas":
		err = handleArenas(ctx, args, os.Stdout)
	case "migrate":
		err = handleMigrate(args, os.Stdout)
	case "version":
		fmt.Printf("camsync version %s\n", version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "camsync %s: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`camsync - multi-camera frame synchronisation and mini-arena partitioning

Usage: camsync <command> [options]

Commands:
  run        Run the live pipeline on a synthetic detection stream
  retrack    Replay a recorded session through the bundler and partitioner
  arenas     Build the arena lookup images and write debug renders
  migrate    Manage the detection log schema (up, down, version, force)
  version    Show camsync version
  help       Show this help message

Common Flags:
  --config <file>   JSON configuration file (defaults built in)
  --calib <file>    Camera calibration JSON, overrides calibration_path
  --verbose         Also write trace logs to stderr

Examples:
  # Live demo with four synthetic cameras, stats on http://127.0.0.1:8086/debug/
  camsync run --cameras 4 --loss 0.02 --late 0.05

  # Re-run the newest recorded session with a different arena grid
  camsync retrack --config arenas.json

  # Render arena images for a calibration
  camsync arenas --calib rig.json --out debug/`)
}

// commonFlags are shared by the pipeline-building subcommands.
type commonFlags struct {
	configPath string
	calibPath  string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "JSON configuration file")
	fs.StringVar(&c.calibPath, "calib", "", "Camera calibration JSON (overrides calibration_path)")
	fs.BoolVar(&c.verbose, "verbose", false, "Also write trace logs to stderr")
}

// load returns the configuration and, when one is configured, the camera
// system. sys is nil when no calibration path is set.
func (c *commonFlags) load() (*config.Config, *calib.MultiCameraSystem, error) {
	cfg := config.Empty()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, nil, err
		}
	}
	path := cfg.GetCalibrationPath()
	if c.calibPath != "" {
		path = c.calibPath
	}
	if path == "" {
		return cfg, nil, nil
	}
	sys, err := calib.LoadSystem(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sys, nil
}

// setupLogging routes every package's ops and diag streams to w, and the
// trace stream too when verbose is set.
func setupLogging(w io.Writer, verbose bool) {
	var trace io.Writer
	if verbose {
		trace = w
	}
	arena.SetLogWriters(w, w, trace)
	bundle.SetLogWriters(w, w, trace)
	pipeline.SetLogWriters(w, w, trace)
	publish.SetLogWriters(w, w, trace)
	store.SetLogWriters(w, w, trace)
	monitoring.SetLogger(func(format string, v ...interface{}) {
		fmt.Fprintf(w, format+"\n", v...)
	})
}

// pipelineConfig maps the file configuration onto the pipeline settings. A
// nil sys leaves every camera uncalibrated.
func pipelineConfig(cfg *config.Config, sys *calib.MultiCameraSystem, imgs arena.Images) pipeline.Config {
	pc := pipeline.Config{
		Images:          imgs,
		Arenas:          cfg.GetMiniArena(),
		MissingImage:    cfg.GetMissingImagePolicy(),
		FillGaps:        cfg.GetFillGaps(),
		SaveEmptyData2D: cfg.GetSaveEmptyData2D(),
		LogRateInterval: cfg.GetLogRateInterval(),
		LogRateBurst:    cfg.GetLogRateBurst(),
		StatsInterval:   cfg.GetStatsInterval(),
	}
	if sys != nil {
		pc.System = sys
	}
	return pc
}

// buildImages builds the arena lookup images and, when configured, renders
// them to the debug image directory.
func buildImages(ctx context.Context, cfg *config.Config, sys *calib.MultiCameraSystem) (arena.Images, error) {
	if sys == nil {
		return arena.Images{}, nil
	}
	imgs, err := arena.BuildImagesParallel(ctx, sys, cfg.GetMiniArena(), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to build arena images: %w", err)
	}
	if dir := cfg.GetDebugImageDir(); dir != "" {
		arena.RenderDebugImages(imgs, cfg.GetMiniArena(), dir)
	}
	return imgs, nil
}

// openAssignments opens the assignment CSV when configured. The returned
// close function is never nil.
func openAssignments(cfg *config.Config) (*arena.AssignmentWriter, func() error, error) {
	path := cfg.GetAssignmentDebugCSV()
	if path == "" {
		return nil, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create assignment CSV: %w", err)
	}
	return arena.NewAssignmentWriter(f), f.Close, nil
}
