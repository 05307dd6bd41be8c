// Package config loads and validates .dockhand.yaml, the per-project
// configuration file at the repository root.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Filename is the conventional config file name at the project root.
const Filename = ".dockhand.yaml"

// Config is the root of .dockhand.yaml.
type Config struct {
	Project ProjectConfig `yaml:"project"`
	Checks  ChecksConfig  `yaml:"checks"`
	Serve   ServeConfig   `yaml:"serve"`
	Backup  BackupConfig  `yaml:"backup"`
	History HistoryConfig `yaml:"history"`
}

// ProjectConfig holds the scaffold variables: everything the rendered
// templates need to know about the project they are dropped into.
type ProjectConfig struct {
	// Name is the project name, used for image names, k8s resource names
	// and backup file prefixes.
	Name string `yaml:"name" validate:"required"`

	// Registry is the image registry the CI workflow pushes to.
	// Default: ghcr.io
	Registry string `yaml:"registry"`

	// Image overrides the derived image reference (Registry/Name).
	Image string `yaml:"image"`

	// Port is the container port the service listens on.
	// Default: 8000, Range: 1-65535
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// Namespace is the Kubernetes namespace the manifests target.
	Namespace string `yaml:"namespace"`

	// Domain is the public hostname used by the Ingress and Nginx config.
	Domain string `yaml:"domain"`
}

// ImageRef returns the image reference for the project: Image when set,
// otherwise Registry/Name.
func (p ProjectConfig) ImageRef() string {
	if p.Image != "" {
		return p.Image
	}
	return p.Registry + "/" + p.Name
}

// ChecksConfig tunes the audit checkers.
type ChecksConfig struct {
	// Disabled lists checker names that audit skips entirely.
	// Names are validated against the registry at run time.
	Disabled []string `yaml:"disabled"`

	// Severity maps a rule ID (e.g. "DF002") to an override severity.
	Severity map[string]string `yaml:"severity" validate:"dive,oneof=info warning error critical"`

	// Paths locates the files the checkers inspect, relative to the
	// project root unless absolute.
	Paths PathsConfig `yaml:"paths"`
}

// PathsConfig locates the infra files within a project.
type PathsConfig struct {
	Dockerfile  string `yaml:"dockerfile"`
	Compose     string `yaml:"compose"`
	WorkflowDir string `yaml:"workflow_dir"`
	KubeDir     string `yaml:"kube_dir"`
	NginxConf   string `yaml:"nginx_conf"`
	EnvFile     string `yaml:"env_file"`
	EnvExample  string `yaml:"env_example"`
}

// Resolve returns a copy of p with every relative entry joined onto root.
// Absolute entries and empty entries pass through unchanged.
func (p PathsConfig) Resolve(root string) PathsConfig {
	join := func(s string) string {
		if s == "" || filepath.IsAbs(s) {
			return s
		}
		return filepath.Join(root, s)
	}
	return PathsConfig{
		Dockerfile:  join(p.Dockerfile),
		Compose:     join(p.Compose),
		WorkflowDir: join(p.WorkflowDir),
		KubeDir:     join(p.KubeDir),
		NginxConf:   join(p.NginxConf),
		EnvFile:     join(p.EnvFile),
		EnvExample:  join(p.EnvExample),
	}
}

// ServeConfig configures the reference HTTP service.
type ServeConfig struct {
	// Port the service listens on. Default: 8000
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// RateLimit is the sustained requests-per-second budget per client IP.
	// Default: 10
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`

	// RateBurst is the burst allowance on top of RateLimit. Default: 20
	RateBurst int `yaml:"rate_burst" validate:"min=1"`

	// LogLevel is one of debug, info, warn, error, off. Default: info
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error off"`
}

// BackupConfig configures db backup/restore.
type BackupConfig struct {
	// Dir is where local dumps are written. Default: backups
	Dir string `yaml:"dir" validate:"required"`

	// Keep is how many local dumps to retain per database.
	// Default: 7, minimum 1
	Keep int `yaml:"keep" validate:"min=1"`

	// S3Bucket, when set, enables upload of each dump via `aws s3 cp`.
	S3Bucket string `yaml:"s3_bucket"`

	// S3Prefix is the key prefix inside S3Bucket. Default: backups
	S3Prefix string `yaml:"s3_prefix"`
}

// HistoryConfig tunes the local audit history database.
type HistoryConfig struct {
	// Keep is how many audit runs to retain; older runs are pruned each
	// time a new report is saved. Default: 50, minimum 1
	Keep int `yaml:"keep" validate:"min=1"`
}

// Default returns the configuration matching the documented conventions.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Name:      "app",
			Registry:  "ghcr.io",
			Port:      8000,
			Namespace: "default",
			Domain:    "app.example.com",
		},
		Checks: ChecksConfig{
			Paths: PathsConfig{
				Dockerfile:  "Dockerfile",
				Compose:     "docker-compose.yml",
				WorkflowDir: ".github/workflows",
				KubeDir:     "deploy/k8s",
				NginxConf:   "deploy/nginx/dockhand.conf",
				EnvFile:     ".env",
				EnvExample:  ".env.example",
			},
		},
		Serve: ServeConfig{
			Port:      8000,
			RateLimit: 10,
			RateBurst: 20,
			LogLevel:  "info",
		},
		Backup: BackupConfig{
			Dir:      "backups",
			Keep:     7,
			S3Prefix: "backups",
		},
		History: HistoryConfig{
			Keep: 50,
		},
	}
}

// Load reads and validates the config file at path. Unknown YAML keys are
// errors; an empty file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads <root>/.dockhand.yaml if it exists, otherwise returns
// the defaults. A present-but-broken file is still an error.
func LoadOrDefault(root string) (*Config, error) {
	path := filepath.Join(root, Filename)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks field bounds and cross-field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if c.Backup.S3Prefix != "" && c.Backup.S3Bucket == "" && c.Backup.S3Prefix != "backups" {
		return fmt.Errorf("backup.s3_prefix set without backup.s3_bucket")
	}
	return nil
}

// WriteDefault marshals the default configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
