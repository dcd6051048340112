// Package config loads the coral-attach tool configuration.
//
// Values come from three layers, later ones winning: built-in defaults, the
// YAML file, then environment variables named by `env` struct tags. Command
// line flags are applied on top by the CLI.
package config

import (
	"fmt"
	"time"

	"github.com/coral-mesh/coral-attach/internal/attach/strategy"
	"github.com/coral-mesh/coral-attach/internal/digest"
)

// MaxRetries bounds Attach.Retries.
const MaxRetries = 20

// Config is the coral-attach tool configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Payload PayloadConfig `yaml:"payload"`
	Attach  AttachConfig  `yaml:"attach"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level" env:"CORAL_ATTACH_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"CORAL_ATTACH_LOG_PRETTY"`
}

// PayloadConfig controls where the agent payload comes from and where it is
// extracted.
type PayloadConfig struct {
	// Path points at an agent payload on disk, bypassing the bundled one.
	Path string `yaml:"path,omitempty" env:"CORAL_AGENT_PAYLOAD"`
	// ResourceDirs are searched, in order, before the bundled resources.
	ResourceDirs []string `yaml:"resource_dirs,omitempty" env:"CORAL_ATTACH_RESOURCE_DIRS"`
	// HashAlgorithm names the content digest used for cache file names.
	HashAlgorithm string `yaml:"hash_algorithm" env:"CORAL_ATTACH_HASH_ALGORITHM"`
	// CacheDir receives extracted payloads. Empty means the OS temp dir.
	CacheDir string `yaml:"cache_dir,omitempty" env:"CORAL_ATTACH_CACHE_DIR"`
}

// AttachConfig controls attach calls.
type AttachConfig struct {
	// Helper is the native attach helper binary, by name or path.
	Helper string `yaml:"helper" env:"CORAL_ATTACH_HELPER"`
	// ConfigDir receives the transient agent configuration files. Empty
	// means the OS temp dir.
	ConfigDir string `yaml:"config_dir,omitempty" env:"CORAL_ATTACH_CONFIG_DIR"`
	// Retries is the number of extra attempts for attaches to other processes.
	Retries int `yaml:"retries" env:"CORAL_ATTACH_RETRIES"`
	// Timeout bounds a single attach attempt. Zero means no bound.
	Timeout time.Duration `yaml:"timeout" env:"CORAL_ATTACH_TIMEOUT"`
	// Properties is the agent configuration applied to every attach, under
	// values given on the command line.
	Properties map[string]string `yaml:"properties,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Payload: PayloadConfig{
			HashAlgorithm: digest.Default,
		},
		Attach: AttachConfig{
			Helper:  strategy.DefaultHelper,
			Timeout: 30 * time.Second,
		},
	}
}

// Validate checks the configuration for values the tool cannot run with.
func (c *Config) Validate() error {
	if _, err := digest.New(c.Payload.HashAlgorithm); err != nil {
		return fmt.Errorf("payload.hash_algorithm: %w", err)
	}
	if c.Attach.Retries < 0 || c.Attach.Retries > MaxRetries {
		return fmt.Errorf("attach.retries must be between 0 and %d, got %d", MaxRetries, c.Attach.Retries)
	}
	if c.Attach.Timeout < 0 {
		return fmt.Errorf("attach.timeout must not be negative, got %s", c.Attach.Timeout)
	}
	return nil
}
