package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Projection  ProjectionConfig  `yaml:"projection"`
	Snapshots   SnapshotConfig    `yaml:"snapshots"`
	Maps        MapConfig         `yaml:"maps"`
	Archive     ArchiveConfig     `yaml:"archive"`
	EventExport EventExportConfig `yaml:"event_export"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	ReadConns     int    `yaml:"read_conns"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

type ProjectionConfig struct {
	// Mode is "sync" (projection written in the append transaction) or "trailing".
	Mode           string `yaml:"mode"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	BatchSize      int    `yaml:"batch_size"`
	MaxAttempts    int    `yaml:"max_attempts"`
}

type SnapshotConfig struct {
	// EveryTicks captures a snapshot on tick advance once this many ticks passed since the
	// last one. 0 disables automatic capture.
	EveryTicks uint64 `yaml:"every_ticks"`
}

type MapConfig struct {
	TileThreshold int `yaml:"tile_threshold"`
}

type ArchiveConfig struct {
	Dir string `yaml:"dir"`
}

// EventExportConfig enables the rotated JSONL copy of committed events. Empty Dir disables it.
type EventExportConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Prefix string `yaml:"prefix"`
}

func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Path:          "data/worldstore.db",
			ReadConns:     4,
			BusyTimeoutMs: 5000,
		},
		Projection: ProjectionConfig{
			Mode:           "sync",
			PollIntervalMs: 200,
			BatchSize:      256,
			MaxAttempts:    5,
		},
		Snapshots: SnapshotConfig{EveryTicks: 100},
		Maps:      MapConfig{TileThreshold: 64 * 64},
		Archive:   ArchiveConfig{Dir: "data/archive"},
		Logging:   LoggingConfig{Prefix: "[worldstore] "},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	d := Defaults()
	c.Projection.Mode = strings.ToLower(strings.TrimSpace(c.Projection.Mode))
	if c.Projection.Mode == "" {
		c.Projection.Mode = d.Projection.Mode
	}
	if c.Database.ReadConns <= 0 {
		c.Database.ReadConns = d.Database.ReadConns
	}
	if c.Database.BusyTimeoutMs <= 0 {
		c.Database.BusyTimeoutMs = d.Database.BusyTimeoutMs
	}
	if c.Projection.PollIntervalMs <= 0 {
		c.Projection.PollIntervalMs = d.Projection.PollIntervalMs
	}
	if c.Projection.BatchSize <= 0 {
		c.Projection.BatchSize = d.Projection.BatchSize
	}
	if c.Projection.MaxAttempts <= 0 {
		c.Projection.MaxAttempts = d.Projection.MaxAttempts
	}
	if c.Maps.TileThreshold <= 0 {
		c.Maps.TileThreshold = d.Maps.TileThreshold
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	switch c.Projection.Mode {
	case "sync", "trailing":
	default:
		return fmt.Errorf("projection.mode must be sync or trailing, got %q", c.Projection.Mode)
	}
	if c.Projection.BatchSize > 100000 {
		return fmt.Errorf("projection.batch_size must be <= 100000")
	}
	if c.Maps.TileThreshold > 1<<24 {
		return fmt.Errorf("maps.tile_threshold must be <= %d", 1<<24)
	}
	return nil
}

func (c ProjectionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c DatabaseConfig) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMs) * time.Millisecond
}
