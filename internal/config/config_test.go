package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.MaxRetries != 3 || cfg.Engine.RetryDelay != 5*time.Second {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Oracle.Limit != 10 || cfg.Oracle.Window != time.Minute || *cfg.Oracle.FailureRate != 0.3 {
		t.Errorf("oracle defaults = %+v", cfg.Oracle)
	}
	if cfg.Minio.Bucket != "fidc-exports" {
		t.Errorf("bucket = %q", cfg.Minio.Bucket)
	}
	if cfg.ExportEnabled() {
		t.Error("export should be disabled without an endpoint")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9090"
engine:
  workers: 8
  retry_delay: 2s
oracle:
  failure_rate: 0
  min_price: "20.50"
minio:
  endpoint: http://minio:9000
  bucket: from-file
`)
	t.Setenv("WORKERS", "2")
	t.Setenv("MINIO_BUCKET", "from-env")
	t.Setenv("ORACLE_WINDOW", "30s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want file value", cfg.Server.Port)
	}
	if cfg.Engine.Workers != 2 {
		t.Errorf("workers = %d, want env override", cfg.Engine.Workers)
	}
	if cfg.Engine.RetryDelay != 2*time.Second {
		t.Errorf("retry_delay = %s", cfg.Engine.RetryDelay)
	}
	if *cfg.Oracle.FailureRate != 0 {
		t.Errorf("explicit zero failure rate must survive defaults, got %v", *cfg.Oracle.FailureRate)
	}
	if cfg.Oracle.Window != 30*time.Second {
		t.Errorf("window = %s", cfg.Oracle.Window)
	}
	if cfg.Minio.Bucket != "from-env" {
		t.Errorf("bucket = %q", cfg.Minio.Bucket)
	}
	if !cfg.ExportEnabled() {
		t.Error("export should be enabled")
	}

	lo, hi, err := cfg.PriceRange()
	if err != nil {
		t.Fatalf("PriceRange: %v", err)
	}
	if lo.String() != "20.5" || hi.String() != "100" {
		t.Errorf("price range = [%s, %s]", lo, hi)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("RETRY_DELAY", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparsable RETRY_DELAY")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"failure rate above one", func(c *Config) { r := 1.5; c.Oracle.FailureRate = &r }},
		{"inverted price range", func(c *Config) { c.Oracle.MinPrice, c.Oracle.MaxPrice = "100", "10" }},
		{"bad price", func(c *Config) { c.Oracle.MaxPrice = "lots" }},
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
