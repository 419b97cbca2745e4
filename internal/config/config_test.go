package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: ./data/test.db
pipeline:
  batch_size: 20
resilience:
  backoff_base: 5s
`)
	t.Setenv("PIPELINE_WORKERS", "7")
	t.Setenv("LWA_CLIENT_ID", "client-from-env")
	t.Setenv("TENANT_DEFAULT_TIMEZONE", "UTC")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Pipeline.BatchSize != 20 {
		t.Errorf("file values not applied: %+v %+v", cfg.Database, cfg.Pipeline)
	}
	if cfg.Pipeline.Workers != 7 {
		t.Errorf("workers = %d, want env override 7", cfg.Pipeline.Workers)
	}
	if cfg.ReportAPI.ClientID != "client-from-env" {
		t.Errorf("client id = %q", cfg.ReportAPI.ClientID)
	}
	if cfg.Resilience.BackoffBase != 5*time.Second {
		t.Errorf("backoff base = %v", cfg.Resilience.BackoffBase)
	}
	if cfg.Pipeline.MaxProcessAttempts != 3 || cfg.Tenant.CacheSize != 32 || cfg.Tenant.DefaultTimezone != "UTC" {
		t.Errorf("defaults not applied: %+v %+v", cfg.Pipeline, cfg.Tenant)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Driver: "postgres"},
			Tenant:   TenantConfig{CacheSize: 4, DefaultTimezone: "UTC"},
			Storage:  StorageConfig{Type: "local"},
			Pipeline: PipelineConfig{Workers: 1, BatchSize: 1, ImportAttempts: 1, MaxProcessAttempts: 1, MaxDocumentBytes: 1},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"storage", func(c *Config) { c.Storage.Type = "ftp" }, "storage.type"},
		{"workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"attempts", func(c *Config) { c.Pipeline.ImportAttempts = 0 }, "attempt caps"},
		{"timezone", func(c *Config) { c.Tenant.DefaultTimezone = "Mars/Olympus" }, "default_timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDSNFor(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		db   string
		want string
	}{
		{"postgres", DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", SSLMode: "disable"}, "tenant_a",
			"host=db port=5432 user=u password=p dbname=tenant_a sslmode=disable"},
		{"mysql escapes password", DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p@ss"}, "tenant_a",
			"u:p%40ss@tcp(db:3306)/tenant_a?charset=utf8mb4&parseTime=True&loc=UTC"},
		{"sqlite root", DatabaseConfig{Driver: "sqlite", Name: "root", Path: "data/root.db"}, "root", "data/root.db"},
		{"sqlite tenant", DatabaseConfig{Driver: "sqlite", Name: "root", Path: "data/root.db"}, "tenant_a", filepath.Join("data", "tenant_a.db")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSNFor(tt.db); got != tt.want {
				t.Errorf("DSNFor(%q) = %q, want %q", tt.db, got, tt.want)
			}
		})
	}
}
