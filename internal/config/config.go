package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"duper/internal/duper"
)

// Config represents the main configuration for duper.
type Config struct {
	HostID     string           `toml:"host_id"`
	WorkingDir string           `toml:"working_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // debug, info, warn or error
	Catalog    CatalogConfig    `toml:"catalog"`
	Quarantine QuarantineConfig `toml:"quarantine"`
	Scan       ScanConfig       `toml:"scan"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	Snapshots  SnapshotConfig   `toml:"snapshots"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// CatalogConfig represents configuration for the file catalog.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CatalogConfig struct {
	Type string `toml:"type"`           // "sqlite" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

// QuarantineConfig locates the quarantine area.
type QuarantineConfig struct {
	Root string `toml:"root"` // defaults to <working_dir>/duplicates
}

// ScanConfig holds scan pipeline settings.
type ScanConfig struct {
	Workers     int          `toml:"workers"`    // 0 means one per CPU
	QueueSize   int          `toml:"queue_size"` // 0 means the engine default
	SparseMode  bool         `toml:"sparse_mode"`
	StrictNames bool         `toml:"strict_names"`
	Prune       bool         `toml:"prune"`
	Ignore      IgnoreConfig `toml:"ignore"`
}

// IgnoreConfig toggles the extension classes skipped by scans.
type IgnoreConfig struct {
	Fodder  bool `toml:"fodder"`
	Video   bool `toml:"video"`
	Music   bool `toml:"music"`
	Picture bool `toml:"picture"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// SnapshotConfig represents configuration for the catalog snapshot store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
// An empty Type disables snapshots.
type SnapshotConfig struct {
	Type     string `toml:"type"` // "", "filesystem", "memory" or "s3"
	AutoPush bool   `toml:"auto_push"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible services; enables path-style addressing

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for snapshots.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "" (plaintext), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a new Config rooted at workingDir with default paths.
func NewConfig(hostID, workingDir string) *Config {
	return &Config{
		HostID:     hostID,
		WorkingDir: workingDir,
		LogDir:     filepath.Join(workingDir, "log"),
		LogLevel:   "info",
		Catalog: CatalogConfig{
			Type: "sqlite",
			Path: filepath.Join(workingDir, "catalog.db"),
		},
		Quarantine: QuarantineConfig{
			Root: filepath.Join(workingDir, "duplicates"),
		},
		Scan: ScanConfig{Prune: true},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(workingDir, "keys", "duper.pub"),
			PrivateKeyPath: filepath.Join(workingDir, "keys", "duper.key"),
		},
	}
}

// QuarantineRoot returns the configured quarantine root or its default.
func (c *Config) QuarantineRoot() string {
	if c.Quarantine.Root != "" {
		return c.Quarantine.Root
	}
	return filepath.Join(c.WorkingDir, "duplicates")
}

// IgnoreConfig builds the per-scan ignore snapshot from the config.
func (c *Config) IgnoreConfig() duper.IgnoreConfig {
	return duper.IgnoreConfig{
		Fodder:     c.Scan.Ignore.Fodder,
		Video:      c.Scan.Ignore.Video,
		Music:      c.Scan.Ignore.Music,
		Picture:    c.Scan.Ignore.Picture,
		SparseMode: c.Scan.SparseMode,
	}
}

// ScanOptions builds the engine scan options. Exclude always contains the
// quarantine root and the working directory.
func (c *Config) ScanOptions() duper.ScanOptions {
	return duper.ScanOptions{
		Ignore:      c.IgnoreConfig(),
		Exclude:     []string{c.QuarantineRoot(), c.WorkingDir},
		Workers:     c.Scan.Workers,
		QueueSize:   c.Scan.QueueSize,
		StrictNames: c.Scan.StrictNames,
		Prune:       c.Scan.Prune,
	}
}

// Validate reports the first inconsistency in the config.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	if c.WorkingDir == "" {
		return fmt.Errorf("working_dir is required")
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must not be negative")
	}
	if c.Scan.QueueSize < 0 {
		return fmt.Errorf("scan.queue_size must not be negative")
	}
	switch c.Catalog.Type {
	case "sqlite":
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog.path required for sqlite catalog")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown catalog type: %q", c.Catalog.Type)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
