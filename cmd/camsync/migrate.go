package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/banshee-data/camsync/internal/config"
	"github.com/banshee-data/camsync/internal/store"
)

func handleMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON configuration file")
	dbPath := fs.String("db", "", "Database path (defaults to store_path)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: camsync migrate [--db path] up|down|version|force <n>|to <n>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	store.SetLogWriters(os.Stderr, os.Stderr, nil)

	path := *dbPath
	if path == "" {
		cfg := config.Empty()
		if *configPath != "" {
			var err error
			if cfg, err = config.Load(*configPath); err != nil {
				return err
			}
		}
		path = cfg.GetStorePath()
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing migrate action")
	}

	st, err := store.OpenNoMigrate(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer st.Close()

	action := fs.Arg(0)
	switch action {
	case "up":
		if err := st.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := st.MigrateDown(); err != nil {
			return err
		}
	case "version":
	case "force", "to":
		if fs.NArg() < 2 {
			return fmt.Errorf("migrate %s needs a version", action)
		}
		v, err := strconv.Atoi(fs.Arg(1))
		if err != nil || v < 0 {
			return fmt.Errorf("invalid version %q", fs.Arg(1))
		}
		if action == "force" {
			err = st.MigrateForce(v)
		} else {
			err = st.MigrateTo(uint(v))
		}
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}

	v, dirty, err := st.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: version %d", path, v)
	if dirty {
		fmt.Fprint(stdout, " (dirty)")
	}
	fmt.Fprintln(stdout)
	return nil
}
