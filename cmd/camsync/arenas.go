package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/banshee-data/camsync/internal/arena"
)

func handleArenas(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("arenas", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	outDir := fs.String("out", "", "Directory for the debug images (defaults to debug_image_dir, then .)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(os.Stderr, common.verbose)

	cfg, sys, err := common.load()
	if err != nil {
		return err
	}
	if sys == nil {
		return fmt.Errorf("a calibration is required: set --calib or calibration_path")
	}
	acfg := cfg.GetMiniArena()
	if !acfg.Enabled() {
		return fmt.Errorf("mini_arena has no xy_grid, nothing to build")
	}

	imgs, err := arena.BuildImagesParallel(ctx, sys, acfg, 0)
	if err != nil {
		return err
	}

	dir := *outDir
	if dir == "" {
		dir = cfg.GetDebugImageDir()
	}
	if dir == "" {
		dir = "."
	}

	fmt.Fprintf(stdout, "%s\n", acfg)
	for _, name := range imgs.Cameras() {
		counts := imgs[name].PixelCounts()
		idx := make([]int, 0, len(counts))
		for i := range counts {
			idx = append(idx, int(i))
		}
		sort.Ints(idx)
		fmt.Fprintf(stdout, "%s:", name)
		for _, i := range idx {
			fmt.Fprintf(stdout, " arena %d=%dpx", i, counts[arena.Index(i)])
		}
		fmt.Fprintln(stdout)
	}
	for _, path := range arena.RenderDebugImages(imgs, acfg, dir) {
		fmt.Fprintf(stdout, "wrote %s\n", path)
	}
	return nil
}
