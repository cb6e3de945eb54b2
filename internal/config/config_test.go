package config

import (
	"os"
	"testing"
)

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	saved := make(map[string]string, len(envs))
	for k, v := range envs {
		saved[k] = os.Getenv(k)
		os.Setenv(k, v)
	}
	return func() {
		for k, v := range saved {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.AudioDir != "./audio" {
			t.Errorf("AudioDir = %q, want ./audio", cfg.AudioDir)
		}
		if cfg.SegmentSeconds != 30 {
			t.Errorf("SegmentSeconds = %d, want 30", cfg.SegmentSeconds)
		}
		if cfg.SampleRate != 44100 {
			t.Errorf("SampleRate = %d, want 44100", cfg.SampleRate)
		}
		if cfg.Strategy != "remote_fallback" {
			t.Errorf("Strategy = %q, want remote_fallback", cfg.Strategy)
		}
		if cfg.MaxAttempts != 5 {
			t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
		}
		if cfg.TranscribeTimeout.Seconds() != 60 {
			t.Errorf("TranscribeTimeout = %v, want 60s", cfg.TranscribeTimeout)
		}
		if cfg.MQTTClientID != "voxlog" {
			t.Errorf("MQTTClientID = %q, want voxlog", cfg.MQTTClientID)
		}
		if cfg.S3.Enabled() {
			t.Error("S3.Enabled() = true with no bucket configured")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			AudioDir:    "/tmp/audio",
			ImportDir:   "/tmp/import",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.AudioDir != "/tmp/audio" {
			t.Errorf("AudioDir = %q, want /tmp/audio", cfg.AudioDir)
		}
		if cfg.ImportDir != "/tmp/import" {
			t.Errorf("ImportDir = %q, want /tmp/import", cfg.ImportDir)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		c2 := setEnvs(t, map[string]string{
			"SEGMENT_SECONDS": "10",
			"S3_BUCKET":       "voxlog-archive",
		})
		defer c2()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SegmentSeconds != 10 {
			t.Errorf("SegmentSeconds = %d, want 10", cfg.SegmentSeconds)
		}
		if !cfg.S3.Enabled() {
			t.Error("S3.Enabled() = false, want true")
		}
	})

	t.Run("missing_database_url_fails", func(t *testing.T) {
		saved := os.Getenv("DATABASE_URL")
		os.Unsetenv("DATABASE_URL")
		defer os.Setenv("DATABASE_URL", saved)

		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("Load should fail when DATABASE_URL is unset")
		}
	})
}
