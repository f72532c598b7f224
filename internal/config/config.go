// Package config loads swarmd configuration from $SWARMD_HOME/config.yaml.
// Every key has a documented default; a missing file is not an error.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/basket/swarmd/internal/otel"
	"gopkg.in/yaml.v3"
)

// NotifyConfig controls the external notification sink.
type NotifyConfig struct {
	// Enabled turns the websocket sink on. When false, events go straight
	// to the fallback log.
	Enabled bool `yaml:"enabled"`
	// URL is the websocket endpoint of the observability vault.
	URL string `yaml:"url"`
	// EmitTimeoutSeconds bounds one emit attempt. Default 3.
	EmitTimeoutSeconds int `yaml:"emit_timeout_seconds"`
}

// RetentionConfig holds the cleanup tunables.
type RetentionConfig struct {
	// CheckpointMaxAgeDays ages out checkpoints. Default 7.
	CheckpointMaxAgeDays int `yaml:"checkpoint_max_age_days"`
	// CheckpointMaxCount keeps only the N newest checkpoints. Default 100.
	CheckpointMaxCount int `yaml:"checkpoint_max_count"`
	// MessageRetentionHours ages out messages. Default 24.
	MessageRetentionHours int `yaml:"message_retention_hours"`
	// CleanupSchedule is a 5-field cron expression for the retention
	// scheduler. Default "0 * * * *" (hourly).
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath overrides the store location. Default $SWARMD_HOME/swarmd.db.
	DBPath string `yaml:"db_path"`

	// LogLevel: debug, info, warn, error. Default info.
	LogLevel string `yaml:"log_level"`

	// Directory overrides. Each defaults to a subdirectory of HomeDir.
	LogDir        string `yaml:"log_dir"`
	LockDir       string `yaml:"lock_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	MessageDir    string `yaml:"message_dir"`

	// LockTTLMinutes is the default lease duration. Default 5.
	LockTTLMinutes int `yaml:"lock_ttl_minutes"`

	Notify    NotifyConfig    `yaml:"notify"`
	Retention RetentionConfig `yaml:"retention"`
	Otel      otel.Config     `yaml:"otel"`
}

// HomeDir resolves the runtime directory: $SWARMD_HOME, else ~/.swarmd.
func HomeDir() string {
	if v := os.Getenv("SWARMD_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmd")
}

// ConfigPath returns the config file location inside homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:        homeDir,
		DBPath:         filepath.Join(homeDir, "swarmd.db"),
		LogLevel:       "info",
		LogDir:         filepath.Join(homeDir, "logs"),
		LockDir:        filepath.Join(homeDir, "locks"),
		CheckpointDir:  filepath.Join(homeDir, "checkpoints"),
		MessageDir:     filepath.Join(homeDir, "messages"),
		LockTTLMinutes: 5,
		Notify: NotifyConfig{
			EmitTimeoutSeconds: 3,
		},
		Retention: RetentionConfig{
			CheckpointMaxAgeDays:  7,
			CheckpointMaxCount:    100,
			MessageRetentionHours: 24,
			CleanupSchedule:       "0 * * * *",
		},
	}
}

// Load reads config.yaml from homeDir (empty = HomeDir()) and fills every
// absent key with its default. A missing file yields pure defaults.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg := defaultConfig(homeDir)

	data, err := os.ReadFile(ConfigPath(homeDir))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	normalize(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize re-applies defaults for keys the file set to zero values.
func normalize(cfg *Config) {
	def := defaultConfig(cfg.HomeDir)
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.LockDir == "" {
		cfg.LockDir = def.LockDir
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = def.CheckpointDir
	}
	if cfg.MessageDir == "" {
		cfg.MessageDir = def.MessageDir
	}
	if cfg.LockTTLMinutes <= 0 {
		cfg.LockTTLMinutes = def.LockTTLMinutes
	}
	if cfg.Notify.EmitTimeoutSeconds <= 0 {
		cfg.Notify.EmitTimeoutSeconds = def.Notify.EmitTimeoutSeconds
	}
	if cfg.Retention.CheckpointMaxAgeDays <= 0 {
		cfg.Retention.CheckpointMaxAgeDays = def.Retention.CheckpointMaxAgeDays
	}
	if cfg.Retention.CheckpointMaxCount <= 0 {
		cfg.Retention.CheckpointMaxCount = def.Retention.CheckpointMaxCount
	}
	if cfg.Retention.MessageRetentionHours <= 0 {
		cfg.Retention.MessageRetentionHours = def.Retention.MessageRetentionHours
	}
	if cfg.Retention.CleanupSchedule == "" {
		cfg.Retention.CleanupSchedule = def.Retention.CleanupSchedule
	}
}

// validate rejects values that would only fail later at startup.
func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", cfg.LogLevel)
	}
	if cfg.Notify.Enabled && cfg.Notify.URL == "" {
		return fmt.Errorf("config: notify.enabled requires notify.url")
	}
	return nil
}

// Fingerprint returns a short stable hash of the effective configuration,
// used to detect whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}
