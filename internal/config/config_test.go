package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Queue.MaxConcurrentUploads != 3 {
		t.Fatalf("default concurrency")
	}
	if !cfg.Queue.AutoStart {
		t.Fatalf("default autoStart should be true")
	}
	if cfg.Queue.DefaultFaceLimit != 10000 {
		t.Fatalf("default face limit")
	}
	if cfg.Stream.MaxReconnectAttempts != 5 {
		t.Fatalf("default reconnect attempts")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "i2m.json")
	data := []byte(`{"apiBaseUrl":"https://api.example.com","queue":{"maxConcurrentUploads":5,"maxRetries":1,"autoStart":false,"defaultFaceLimit":2000}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "https://api.example.com" {
		t.Fatalf("expected overridden base url, got %q", cfg.APIBaseURL)
	}
	if cfg.Queue.MaxConcurrentUploads != 5 {
		t.Fatalf("expected 5")
	}
	if cfg.Queue.AutoStart {
		t.Fatalf("expected autoStart false")
	}
	// untouched sections keep defaults
	if cfg.Stream.TimeoutSeconds != 300 {
		t.Fatalf("stream defaults should survive partial file")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("I2M_API_BASE_URL", "http://10.0.0.2:8000")
	t.Setenv("I2M_MAX_CONCURRENT_UPLOADS", "2")
	t.Setenv("I2M_AUTO_START", "false")
	t.Setenv("I2M_ALLOWED_TYPES", "image/png, image/jpeg")
	FromEnv(&cfg)
	if cfg.APIBaseURL != "http://10.0.0.2:8000" {
		t.Fatalf("env override base url")
	}
	if cfg.Queue.MaxConcurrentUploads != 2 {
		t.Fatalf("env override concurrency")
	}
	if cfg.Queue.AutoStart {
		t.Fatalf("env override autoStart")
	}
	if len(cfg.Upload.AllowedTypes) != 2 || cfg.Upload.AllowedTypes[1] != "image/jpeg" {
		t.Fatalf("env override allowed types: %v", cfg.Upload.AllowedTypes)
	}
}

func TestFromEnvIgnoresInvalidNumbers(t *testing.T) {
	cfg := Default()
	t.Setenv("I2M_MAX_CONCURRENT_UPLOADS", "zero")
	FromEnv(&cfg)
	if cfg.Queue.MaxConcurrentUploads != 3 {
		t.Fatalf("invalid value should keep default")
	}
}
