package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/camsync/internal/arena"
	"github.com/banshee-data/camsync/internal/bundle"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/camsync.defaults.json"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the runtime configuration. Every field is optional; the Get*
// accessors supply defaults for omitted fields, so partial files are safe.
type Config struct {
	// Inputs and outputs
	CalibrationPath *string `json:"calibration_path,omitempty"`
	StorePath       *string `json:"store_path,omitempty"`
	AdminListen     *string `json:"admin_listen,omitempty"`
	GRPCListen      *string `json:"grpc_listen,omitempty"`

	// Partitioning
	MiniArena          *arena.Config `json:"mini_arena,omitempty"`
	MissingImagePolicy *string       `json:"missing_image_policy,omitempty"`

	// Bundling
	FillGaps          *bool    `json:"fill_gaps,omitempty"`
	SaveEmptyData2D   *bool    `json:"save_empty_data2d,omitempty"`
	ExpectedFramerate *float64 `json:"expected_framerate,omitempty"`

	// Diagnostics
	DebugImageDir      *string `json:"debug_image_dir,omitempty"`
	AssignmentDebugCSV *string `json:"assignment_debug_csv,omitempty"`
	LogRateInterval    *string `json:"log_rate_interval,omitempty"` // duration string like "10s"
	LogRateBurst       *int    `json:"log_rate_burst,omitempty"`
	StatsInterval      *string `json:"stats_interval,omitempty"`

	// Publishing
	PublishBuffer *int `json:"publish_buffer,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrInt(v int) *int          { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a JSON config file. The path must end in .json and the file
// must be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates JSON config data.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefault loads DefaultConfigPath from the current directory or one
// of its parents. It panics if the file is not found; intended for tests and
// tools run from inside the repository.
func MustLoadDefault() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from the repository root")
}

// Validate checks that set fields hold usable values.
func (c *Config) Validate() error {
	if c.MiniArena != nil {
		if err := c.MiniArena.Validate(); err != nil {
			return fmt.Errorf("%w: mini_arena: %w", ErrInvalid, err)
		}
	}
	if c.MissingImagePolicy != nil {
		if _, err := bundle.ParseMissingImagePolicy(*c.MissingImagePolicy); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	for name, v := range map[string]*string{
		"log_rate_interval": c.LogRateInterval,
		"stats_interval":    c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("%w: %s %q: %w", ErrInvalid, name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalid, name, d)
		}
	}
	if c.LogRateBurst != nil && *c.LogRateBurst < 1 {
		return fmt.Errorf("%w: log_rate_burst must be at least 1, got %d", ErrInvalid, *c.LogRateBurst)
	}
	if c.PublishBuffer != nil && *c.PublishBuffer < 1 {
		return fmt.Errorf("%w: publish_buffer must be at least 1, got %d", ErrInvalid, *c.PublishBuffer)
	}
	if c.ExpectedFramerate != nil && !(*c.ExpectedFramerate > 0) {
		return fmt.Errorf("%w: expected_framerate must be positive, got %v", ErrInvalid, *c.ExpectedFramerate)
	}
	return nil
}

// GetCalibrationPath returns the calibration file path; empty means none.
func (c *Config) GetCalibrationPath() string {
	if c.CalibrationPath == nil {
		return ""
	}
	return *c.CalibrationPath
}

// GetStorePath returns the SQLite path for the detection log.
func (c *Config) GetStorePath() string {
	if c.StorePath == nil || *c.StorePath == "" {
		return "camsync.db"
	}
	return *c.StorePath
}

// GetAdminListen returns the debug HTTP listen address.
func (c *Config) GetAdminListen() string {
	if c.AdminListen == nil || *c.AdminListen == "" {
		return "127.0.0.1:8086"
	}
	return *c.AdminListen
}

// GetGRPCListen returns the tracker stream listen address.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil || *c.GRPCListen == "" {
		return "127.0.0.1:50061"
	}
	return *c.GRPCListen
}

// GetMiniArena returns the arena config; NoMiniArena by default.
func (c *Config) GetMiniArena() arena.Config {
	if c.MiniArena == nil {
		return arena.Config{}
	}
	return *c.MiniArena
}

// GetMissingImagePolicy returns the policy for cameras without an arena image.
func (c *Config) GetMissingImagePolicy() bundle.MissingImagePolicy {
	if c.MissingImagePolicy == nil {
		return bundle.AssignArenaZero
	}
	p, err := bundle.ParseMissingImagePolicy(*c.MissingImagePolicy)
	if err != nil {
		return bundle.AssignArenaZero
	}
	return p
}

// GetFillGaps reports whether skipped frames become empty bundles.
func (c *Config) GetFillGaps() bool {
	if c.FillGaps == nil {
		return false
	}
	return *c.FillGaps
}

// GetSaveEmptyData2D reports whether packets without points are logged.
func (c *Config) GetSaveEmptyData2D() bool {
	if c.SaveEmptyData2D == nil {
		return true
	}
	return *c.SaveEmptyData2D
}

// GetExpectedFramerate returns the nominal trigger rate in Hz.
func (c *Config) GetExpectedFramerate() float64 {
	if c.ExpectedFramerate == nil {
		return 100
	}
	return *c.ExpectedFramerate
}

// GetDebugImageDir returns where arena debug images go; empty disables them.
func (c *Config) GetDebugImageDir() string {
	if c.DebugImageDir == nil {
		return ""
	}
	return *c.DebugImageDir
}

// GetAssignmentDebugCSV returns the assignment CSV path; empty disables it.
func (c *Config) GetAssignmentDebugCSV() string {
	if c.AssignmentDebugCSV == nil {
		return ""
	}
	return *c.AssignmentDebugCSV
}

// GetLogRateInterval returns the rate-limited logger window.
func (c *Config) GetLogRateInterval() time.Duration {
	return parseDurationOr(c.LogRateInterval, 10*time.Second)
}

// GetLogRateBurst returns how many identical messages pass per window.
func (c *Config) GetLogRateBurst() int {
	if c.LogRateBurst == nil {
		return 3
	}
	return *c.LogRateBurst
}

// GetStatsInterval returns how often pipeline statistics are logged.
func (c *Config) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, 5*time.Second)
}

// GetPublishBuffer returns the per-subscriber queue length.
func (c *Config) GetPublishBuffer() int {
	if c.PublishBuffer == nil {
		return 64
	}
	return *c.PublishBuffer
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
