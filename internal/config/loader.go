package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/coral-attach/internal/privilege"
)

const (
	// PathEnv overrides the configuration file location.
	PathEnv = "CORAL_ATTACH_CONFIG"

	// DefaultDir is the directory under the home directory holding the file.
	DefaultDir = ".coral"

	// FileName is the configuration file name.
	FileName = "attach.yaml"

	// fallbackHome is used when the user has no home directory, as in
	// scratch or distroless containers.
	fallbackHome = "/tmp/coral-fallback"
)

// Loader reads and writes the configuration file.
type Loader struct {
	path   string
	logger zerolog.Logger
}

// NewLoader creates a loader. The file location is resolved in this order:
//  1. path, usually from the --config flag.
//  2. The CORAL_ATTACH_CONFIG environment variable.
//  3. ~/.coral/attach.yaml.
//  4. /tmp/coral-fallback/.coral/attach.yaml when there is no home directory.
func NewLoader(path string, logger zerolog.Logger) *Loader {
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = fallbackHome
		}
		path = filepath.Join(home, DefaultDir, FileName)
	}

	return &Loader{
		path:   path,
		logger: logger.With().Str("component", "config").Logger(),
	}
}

// Path returns the configuration file location.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the configuration file, applies environment overrides and
// validates the result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	//nolint:gosec // G304: Path is chosen by the operator.
	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.logger.Debug().Str("path", l.path).Msg("No configuration file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}

	return cfg, nil
}

// Save writes cfg to the configuration file, replacing any existing file
// atomically. When run through sudo, ownership is handed back to the user.
func (l *Loader) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	//nolint:gosec // G301: Directory needs standard permissions for traversal.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := writeFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", l.path, err)
	}

	for _, p := range []string{dir, l.path} {
		if err := privilege.FixFileOwnership(p); err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to fix file ownership")
		}
	}

	l.logger.Info().Str("path", l.path).Msg("Configuration saved")
	return nil
}
