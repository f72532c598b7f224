package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != filepath.Join(dir, "swarmd.db") {
		t.Fatalf("db path = %s", cfg.DBPath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.LockTTLMinutes != 5 {
		t.Fatalf("lock ttl = %d", cfg.LockTTLMinutes)
	}
	if cfg.Retention.CheckpointMaxAgeDays != 7 || cfg.Retention.CheckpointMaxCount != 100 {
		t.Fatalf("checkpoint retention = %+v", cfg.Retention)
	}
	if cfg.Retention.MessageRetentionHours != 24 {
		t.Fatalf("message retention = %d", cfg.Retention.MessageRetentionHours)
	}
	if cfg.Retention.CleanupSchedule != "0 * * * *" {
		t.Fatalf("schedule = %s", cfg.Retention.CleanupSchedule)
	}
	if cfg.Notify.Enabled {
		t.Fatal("notify enabled by default")
	}
}

func TestLoad_PartialFileKeepsDefaultsForAbsentKeys(t *testing.T) {
	dir := t.TempDir()
	content := `
log_level: debug
retention:
  message_retention_hours: 48
`
	if err := os.WriteFile(ConfigPath(dir), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.Retention.MessageRetentionHours != 48 {
		t.Fatalf("message retention = %d", cfg.Retention.MessageRetentionHours)
	}
	// Untouched keys keep their defaults.
	if cfg.Retention.CheckpointMaxCount != 100 {
		t.Fatalf("checkpoint max count = %d", cfg.Retention.CheckpointMaxCount)
	}
	if cfg.LockDir != filepath.Join(dir, "locks") {
		t.Fatalf("lock dir = %s", cfg.LockDir)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown log level", "log_level: loud\n"},
		{"notify without url", "notify:\n  enabled: true\n"},
		{"malformed yaml", "log_level: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(ConfigPath(dir), []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(dir); err == nil {
				t.Fatal("load accepted invalid config")
			}
		})
	}
}

func TestFingerprint_ChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	a, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Retention.MessageRetentionHours = 72

	if a.Fingerprint() == "" {
		t.Fatal("empty fingerprint")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores content change")
	}
}
