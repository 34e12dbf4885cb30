// Package config loads the daemon configuration: defaults, then
// ~/.depot/config.yaml, then DEPOT_* environment overrides, then
// normalization and validation.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// TelemetryConfig controls the OpenTelemetry provider. Disabled means no-op
// providers with zero overhead.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RetentionConfig sets how long terminal records are kept, in days.
// Zero disables the corresponding purge.
type RetentionConfig struct {
	TaskDays      int `yaml:"task_days"`
	TaskEventDays int `yaml:"task_event_days"`
	AuditLogDays  int `yaml:"audit_log_days"`
}

// ScheduleConfig declares one cron schedule in config.yaml. Schedules are
// reconciled into the store at startup, keyed by name; removing one here
// removes it from the store on the next start.
type ScheduleConfig struct {
	Name            string         `yaml:"name"`
	Cron            string         `yaml:"cron"` // 5-field expression
	Task            string         `yaml:"task"`
	Args            map[string]any `yaml:"args"`
	Resources       []string       `yaml:"resources"`
	SharedResources []string       `yaml:"shared_resources"`
	Disabled        bool           `yaml:"disabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount              int    `yaml:"worker_count"`
	PollIntervalMS           int    `yaml:"poll_interval_ms"`
	LeaseDurationSeconds     int    `yaml:"lease_duration_seconds"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	RescanIntervalSeconds    int    `yaml:"rescan_interval_seconds"`
	ParkBackoffSeconds       int    `yaml:"park_backoff_seconds"`
	TaskTimeoutSeconds       int    `yaml:"task_timeout_seconds"` // 0 disables the per-task deadline
	DrainTimeoutSeconds      int    `yaml:"drain_timeout_seconds"`
	CronTickSeconds          int    `yaml:"cron_tick_seconds"`
	LogLevel                 string `yaml:"log_level"`
	BackupDir                string `yaml:"backup_dir"`

	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Retention RetentionConfig  `yaml:"retention"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// cronParser accepts the same 5-field expressions the cron scheduler runs.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

func defaultConfig() Config {
	return Config{
		WorkerCount:              4,
		PollIntervalMS:           500,
		LeaseDurationSeconds:     60,
		HeartbeatIntervalSeconds: 15,
		RescanIntervalSeconds:    30,
		ParkBackoffSeconds:       5,
		TaskTimeoutSeconds:       int((10 * time.Minute).Seconds()),
		DrainTimeoutSeconds:      5,
		CronTickSeconds:          60,
		LogLevel:                 "info",
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "depot",
			SampleRate:  1.0,
		},
		Retention: RetentionConfig{
			TaskDays:      30,
			TaskEventDays: 90,
			AuditLogDays:  365,
		},
		Schedules: []ScheduleConfig{
			{
				Name:      "nightly-purge",
				Cron:      "0 3 * * *",
				Task:      "maintenance.purge-tasks",
				Resources: []string{"maintenance:purge"},
			},
		},
	}
}

// HomeDir returns the data directory, honoring the DEPOT_HOME override.
func HomeDir() string {
	if override := os.Getenv("DEPOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".depot")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create depot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 500
	}
	if cfg.LeaseDurationSeconds <= 0 {
		cfg.LeaseDurationSeconds = 60
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = cfg.LeaseDurationSeconds / 4
		if cfg.HeartbeatIntervalSeconds <= 0 {
			cfg.HeartbeatIntervalSeconds = 1
		}
	}
	if cfg.RescanIntervalSeconds <= 0 {
		cfg.RescanIntervalSeconds = 30
	}
	if cfg.ParkBackoffSeconds <= 0 {
		cfg.ParkBackoffSeconds = 5
	}
	if cfg.TaskTimeoutSeconds < 0 {
		cfg.TaskTimeoutSeconds = 0
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.CronTickSeconds <= 0 {
		cfg.CronTickSeconds = 60
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "depot"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be one of debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.HeartbeatIntervalSeconds >= cfg.LeaseDurationSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be shorter than lease_duration_seconds (%d): a lease must outlive at least one missed heartbeat",
			cfg.HeartbeatIntervalSeconds, cfg.LeaseDurationSeconds)
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("schedules[%d]: name required", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, sc.Name)
		}
		seen[sc.Name] = true
		if strings.TrimSpace(sc.Task) == "" {
			return fmt.Errorf("schedule %q: task required", sc.Name)
		}
		if _, err := cronParser.Parse(sc.Cron); err != nil {
			return fmt.Errorf("schedule %q: cron expression %q: %w", sc.Name, sc.Cron, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	envInt := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	envInt("DEPOT_WORKER_COUNT", &cfg.WorkerCount)
	envInt("DEPOT_POLL_INTERVAL_MS", &cfg.PollIntervalMS)
	envInt("DEPOT_LEASE_DURATION_SECONDS", &cfg.LeaseDurationSeconds)
	envInt("DEPOT_HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSeconds)
	envInt("DEPOT_TASK_TIMEOUT_SECONDS", &cfg.TaskTimeoutSeconds)
	envInt("DEPOT_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	if raw := os.Getenv("DEPOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DEPOT_BACKUP_DIR"); raw != "" {
		cfg.BackupDir = raw
	}
	if raw := os.Getenv("DEPOT_OTEL_ENABLED"); raw != "" {
		cfg.Telemetry.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("DEPOT_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}

// Duration accessors so callers don't repeat the unit conversions.

func (c Config) PollInterval() time.Duration { return time.Duration(c.PollIntervalMS) * time.Millisecond }
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
func (c Config) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalSeconds) * time.Second
}
func (c Config) ParkBackoff() time.Duration {
	return time.Duration(c.ParkBackoffSeconds) * time.Second
}
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}
func (c Config) CronTick() time.Duration { return time.Duration(c.CronTickSeconds) * time.Second }

// Fingerprint returns a stable hash of the scheduling-relevant settings,
// logged at startup for config-drift debugging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|poll=%d|lease=%d|heartbeat=%d|timeout=%d|drain=%d|log=%s|schedules=%d",
		c.WorkerCount, c.PollIntervalMS, c.LeaseDurationSeconds, c.HeartbeatIntervalSeconds,
		c.TaskTimeoutSeconds, c.DrainTimeoutSeconds, c.LogLevel, len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
