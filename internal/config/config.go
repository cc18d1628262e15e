// Package config loads the fnbox daemon configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fentz26/fnbox/internal/auth"
	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/dispatch"
	"github.com/fentz26/fnbox/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// DefaultListen is the daemon's default bind address.
const DefaultListen = "127.0.0.1:7466"

// Config holds the daemon configuration. Empty paths are derived from
// DataDir by Resolve.
type Config struct {
	Listen  string `yaml:"listen" toml:"listen"`
	DataDir string `yaml:"data_dir" toml:"data_dir"`

	FunctionsRoot string `yaml:"functions_root" toml:"functions_root"`
	WorkspaceRoot string `yaml:"workspace_root" toml:"workspace_root"`
	UploadTmpDir  string `yaml:"upload_tmp_dir" toml:"upload_tmp_dir"`
	CatalogPath   string `yaml:"catalog_path" toml:"catalog_path"`
	DBPath        string `yaml:"db_path" toml:"db_path"`

	// AllowedExtensions lists accepted bundle archive extensions.
	AllowedExtensions []string `yaml:"allowed_extensions" toml:"allowed_extensions"`
	MaxUploadMB       int64    `yaml:"max_upload_mb" toml:"max_upload_mb"`
	MaxBundleMB       int64    `yaml:"max_bundle_mb" toml:"max_bundle_mb"`
	CORSOrigins       []string `yaml:"cors_origins" toml:"cors_origins"`

	Layout    bundle.Layout            `yaml:"layout" toml:"layout"`
	Executor  ExecutorConfig           `yaml:"executor" toml:"executor"`
	Retention dispatch.RetentionConfig `yaml:"retention" toml:"retention"`
	Auth      auth.Config              `yaml:"auth" toml:"auth"`
	Log       LogConfig                `yaml:"log" toml:"log"`
}

// ExecutorConfig sizes the worker pool and bounds each invocation.
type ExecutorConfig struct {
	scheduler.Config `yaml:",inline"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // console or json
}

// DefaultDataDir returns ~/.fnbox, or .fnbox when no home directory exists.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fnbox"
	}
	return filepath.Join(home, ".fnbox")
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	sched := scheduler.DefaultConfig()
	return &Config{
		Listen:            DefaultListen,
		DataDir:           DefaultDataDir(),
		AllowedExtensions: []string{"zip"},
		MaxUploadMB:       512,
		MaxBundleMB:       4096,
		Layout:            bundle.DefaultLayout(),
		Executor: ExecutorConfig{
			Config:  *sched,
			Timeout: dispatch.DefaultTimeout,
		},
		Retention: dispatch.DefaultRetentionConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the configuration at path. A missing file yields the defaults.
// Files ending in .toml are decoded as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.Resolve()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Resolve()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Resolve fills empty paths from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	derive := func(p *string, name string) {
		if strings.TrimSpace(*p) == "" {
			*p = filepath.Join(c.DataDir, name)
		}
	}
	derive(&c.FunctionsRoot, "functions")
	derive(&c.WorkspaceRoot, "workspaces")
	derive(&c.UploadTmpDir, "tmp_uploads")
	derive(&c.CatalogPath, "function.csv")
	derive(&c.DBPath, "fnbox.db")
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("allowed_extensions must not be empty")
	}
	if c.MaxUploadMB < 0 {
		return fmt.Errorf("max_upload_mb must not be negative")
	}
	if c.MaxBundleMB < 0 {
		return fmt.Errorf("max_bundle_mb must not be negative")
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be at least 1")
	}
	if c.Executor.QueueSize < 0 {
		return fmt.Errorf("executor.queue_size must not be negative")
	}
	for id, n := range c.Executor.ByFunction {
		if n < 1 {
			return fmt.Errorf("executor.by_function[%s] must be at least 1", id)
		}
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if c.Retention.MaxAge < 0 || c.Retention.MaxFailed < 0 {
		return fmt.Errorf("retention limits must not be negative")
	}

	validFormats := map[string]bool{"": true, "console": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be: console or json", c.Log.Format)
	}

	// The workspace root must not overlap the functions root; bundles are
	// read-only and the sweep deletes whole directories.
	// Unset roots are derived from data_dir and never overlap.
	if c.FunctionsRoot != "" && c.WorkspaceRoot != "" {
		fr, _ := filepath.Abs(c.FunctionsRoot)
		wr, _ := filepath.Abs(c.WorkspaceRoot)
		if bundle.IsWithin(wr, fr) || bundle.IsWithin(fr, wr) {
			return fmt.Errorf("workspace_root and functions_root must not overlap")
		}
	}

	if _, err := auth.NewAuthorizer(c.Auth); err != nil {
		return err
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes, zero for unlimited.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// MaxBundleBytes returns the unpacked bundle limit in bytes, zero for
// unlimited.
func (c *Config) MaxBundleBytes() int64 {
	return c.MaxBundleMB << 20
}

// SchedulerConfig returns the worker pool configuration.
func (c *Config) SchedulerConfig() *scheduler.Config {
	sc := c.Executor.Config
	return &sc
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
