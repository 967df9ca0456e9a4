package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("TUNEPLANE_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(""); err == nil {
		t.Error("expected error when database_url is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TUNEPLANE_DATABASE_URL", "postgres://localhost/tuneplane")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 7171 {
		t.Errorf("HTTPPort = %d, want 7171", cfg.HTTPPort)
	}
	if cfg.SyncInterval != 15*time.Second {
		t.Errorf("SyncInterval = %v, want 15s", cfg.SyncInterval)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.ProbeAddress != "1.1.1.1:443" {
		t.Errorf("ProbeAddress = %s, want 1.1.1.1:443", cfg.ProbeAddress)
	}
	if cfg.MirrorEndpoint != "" {
		t.Errorf("MirrorEndpoint should default to disabled, got %s", cfg.MirrorEndpoint)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TUNEPLANE_DATABASE_URL", "postgres://env/db")
	t.Setenv("PORT", "9999")
	t.Setenv("TUNEPLANE_SYNC_INTERVAL", "30s")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("DatabaseURL = %s, want env value", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("HTTPPort = %d, want 9999", cfg.HTTPPort)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", cfg.SyncInterval)
	}
	if cfg.OTELEndpoint != "collector:4317" {
		t.Errorf("OTELEndpoint = %s, want collector:4317", cfg.OTELEndpoint)
	}
}

func TestLoad_ConfigFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuneplane.yaml")
	content, err := yaml.Marshal(map[string]interface{}{
		"database_url": "postgres://file/db",
		"http_port":    7777,
		"train_image":  "custom/trainer:v2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TUNEPLANE_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/db" {
		t.Errorf("DatabaseURL = %s, want file value", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("HTTPPort = %d, want 7777", cfg.HTTPPort)
	}
	if cfg.TrainImage != "custom/trainer:v2" {
		t.Errorf("TrainImage = %s, want custom/trainer:v2", cfg.TrainImage)
	}

	t.Setenv("PORT", "8888")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 8888 {
		t.Errorf("HTTPPort = %d, env should override file", cfg.HTTPPort)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("TUNEPLANE_DATABASE_URL", "postgres://localhost/test")
	if _, err := Load("/nonexistent/tuneplane.yaml"); err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("TUNEPLANE_DATABASE_URL", "postgres://localhost/test")
	t.Setenv("PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Error("expected error for out-of-range port")
	}
}
