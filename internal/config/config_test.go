package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("test-host-abc", "/home/user/.local/share/duper")
	original.LogLevel = "debug"
	original.Scan = ScanConfig{
		Workers:     4,
		QueueSize:   64,
		SparseMode:  true,
		StrictNames: true,
		Ignore:      IgnoreConfig{Video: true, Music: true},
	}
	original.Filesystem.Ignore = []string{"*.part", ".git"}
	original.Snapshots = SnapshotConfig{Type: "s3", S3Bucket: "catalogs", S3Region: "eu-west-1", AutoPush: true}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.WorkingDir != original.WorkingDir {
		t.Errorf("WorkingDir = %q, want %q", got.WorkingDir, original.WorkingDir)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", got.LogLevel, "debug")
	}
	if got.Catalog != original.Catalog {
		t.Errorf("Catalog = %+v, want %+v", got.Catalog, original.Catalog)
	}
	if got.Scan.Workers != 4 || got.Scan.QueueSize != 64 {
		t.Errorf("Scan workers/queue = %d/%d, want 4/64", got.Scan.Workers, got.Scan.QueueSize)
	}
	if !got.Scan.SparseMode || !got.Scan.StrictNames {
		t.Errorf("Scan = %+v, want sparse and strict names", got.Scan)
	}
	if got.Scan.Ignore != original.Scan.Ignore {
		t.Errorf("Scan.Ignore = %+v, want %+v", got.Scan.Ignore, original.Scan.Ignore)
	}
	if len(got.Filesystem.Ignore) != 2 {
		t.Fatalf("len(Filesystem.Ignore) = %d, want 2", len(got.Filesystem.Ignore))
	}
	if got.Snapshots != original.Snapshots {
		t.Errorf("Snapshots = %+v, want %+v", got.Snapshots, original.Snapshots)
	}
	if got.Encryption.PrivateKeyPath != original.Encryption.PrivateKeyPath {
		t.Errorf("Encryption.PrivateKeyPath = %q, want %q", got.Encryption.PrivateKeyPath, original.Encryption.PrivateKeyPath)
	}
}

func TestRead_SparseTOML(t *testing.T) {
	input := `
host_id = "h"
working_dir = "/w"

[catalog]
type = "memory"

[scan]
sparse_mode = true

[scan.ignore]
fodder = true
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	ic := cfg.IgnoreConfig()
	if !ic.Fodder || ic.Video || ic.Music || ic.Picture {
		t.Errorf("IgnoreConfig() = %+v, want only fodder", ic)
	}
	if !ic.SparseMode {
		t.Error("IgnoreConfig().SparseMode = false, want true")
	}
	if got := cfg.QuarantineRoot(); got != "/w/duplicates" {
		t.Errorf("QuarantineRoot() = %q, want %q", got, "/w/duplicates")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/duper")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.LogDir != "/data/duper/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/duper/log")
	}
	if cfg.Catalog.Path != "/data/duper/catalog.db" {
		t.Errorf("Catalog.Path = %q, want %q", cfg.Catalog.Path, "/data/duper/catalog.db")
	}
	if cfg.QuarantineRoot() != "/data/duper/duplicates" {
		t.Errorf("QuarantineRoot() = %q, want %q", cfg.QuarantineRoot(), "/data/duper/duplicates")
	}
	if cfg.Encryption.PublicKeyPath != "/data/duper/keys/duper.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/duper/keys/duper.pub")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfig_ScanOptions(t *testing.T) {
	cfg := NewConfig("h", "/data/duper")
	cfg.Scan.Workers = 3
	cfg.Scan.Ignore.Picture = true

	opts := cfg.ScanOptions()
	if opts.Workers != 3 {
		t.Errorf("Workers = %d, want 3", opts.Workers)
	}
	if !opts.Ignore.Picture {
		t.Error("Ignore.Picture = false, want true")
	}
	if !opts.Prune {
		t.Error("Prune = false, want default true")
	}
	want := map[string]bool{"/data/duper/duplicates": true, "/data/duper": true}
	for _, ex := range opts.Exclude {
		delete(want, ex)
	}
	if len(want) != 0 {
		t.Errorf("Exclude = %v, missing %v", opts.Exclude, want)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host id", func(c *Config) { c.HostID = "" }},
		{"missing working dir", func(c *Config) { c.WorkingDir = "" }},
		{"negative workers", func(c *Config) { c.Scan.Workers = -1 }},
		{"negative queue", func(c *Config) { c.Scan.QueueSize = -2 }},
		{"sqlite without path", func(c *Config) { c.Catalog.Path = "" }},
		{"unknown catalog type", func(c *Config) { c.Catalog.Type = "postgres" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("h", "/w")
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "duper.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "duper.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "duper.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Catalog = CatalogConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
		if got.Catalog.Type != "memory" {
			t.Errorf("Catalog.Type = %q, want %q", got.Catalog.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/duper.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
