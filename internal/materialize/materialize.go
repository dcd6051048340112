// Package materialize turns an agent configuration map into a short-lived
// properties file that the attach target reads at startup.
//
// Passing configuration through a file keeps the attach argument down to a
// single "c=<path>" pair, whatever the size of the configuration.
package materialize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/magiconair/properties"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-attach/internal/resource"
	"github.com/coral-mesh/coral-attach/internal/safe"
)

const (
	// ExternalConfigKey names an external properties file whose values are
	// applied on top of the in-memory configuration.
	ExternalConfigKey = "config_file"

	// FilePattern is the os.CreateTemp pattern for materialized files.
	FilePattern = "coralcfg*.tmp"

	// maxExternalSize bounds how much of an external file is read.
	maxExternalSize = 4 << 20
)

// ErrMaterializationIO reports that the configuration file could not be written.
var ErrMaterializationIO = errors.New("failed to write agent configuration file")

// Error wraps an I/O failure while writing the configuration file.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %v", ErrMaterializationIO, e.Err)
	}
	return fmt.Sprintf("%v %s: %v", ErrMaterializationIO, e.Path, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrMaterializationIO, e.Err}
}

// Map is an agent configuration: option name to value.
type Map map[string]string

// Clone returns a copy of m.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the keys of m in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Options configures a Materializer.
type Options struct {
	// Dir receives the materialized files. Defaults to os.TempDir().
	Dir    string
	Logger zerolog.Logger
}

// Materializer writes configuration maps to single-use files.
type Materializer struct {
	dir    string
	logger zerolog.Logger
}

// New creates a Materializer.
func New(opts Options) *Materializer {
	return &Materializer{
		dir:    opts.Dir,
		logger: opts.Logger.With().Str("component", "config_materializer").Logger(),
	}
}

// Materialize writes cfg to a new file and returns its absolute path.
//
// An empty map produces no file and an empty path. If cfg names an external
// file under ExternalConfigKey, its values override cfg's; a missing or
// unreadable external file is logged and skipped. The caller owns the returned
// file and must remove it.
func (m *Materializer) Materialize(cfg Map) (string, error) {
	if len(cfg) == 0 {
		return "", nil
	}

	merged := m.Merge(cfg)

	dir := m.dir
	if dir == "" {
		dir = os.TempDir()
	}

	f, err := os.CreateTemp(dir, FilePattern)
	if err != nil {
		return "", &Error{Err: err}
	}
	path := f.Name()

	if err := writeProperties(f, merged); err != nil {
		safe.Close(f, m.logger, "Failed to close partially written configuration file")
		if rerr := os.Remove(path); rerr != nil {
			m.logger.Warn().Err(rerr).Str("path", path).Msg("Failed to remove partially written configuration file")
		}
		return "", &Error{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", &Error{Path: path, Err: err}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	m.logger.Debug().
		Str("path", abs).
		Int("keys", len(merged)).
		Msg("Materialized agent configuration")

	return abs, nil
}

// Merge returns cfg with the external file named by ExternalConfigKey applied
// on top. cfg itself is not modified.
func (m *Materializer) Merge(cfg Map) Map {
	merged := cfg.Clone()

	external, ok := cfg[ExternalConfigKey]
	if !ok || external == "" {
		return merged
	}

	data, err := safe.ReadFile(external, &safe.ReadFileOptions{
		MaxSize:       maxExternalSize,
		AllowSymlinks: true,
	})
	if err == nil {
		var values Map
		values, err = Parse(data)
		if err == nil {
			for k, v := range values {
				merged[k] = v
			}
			return merged
		}
	}

	m.logger.Warn().
		Err(err).
		Str("config_file", external).
		Msg("Failed to load external configuration file, continuing with in-memory configuration")
	return merged
}

// Parse decodes properties text. Variable expansion is disabled so values are
// taken literally.
func Parse(data []byte) (Map, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadBytes(data)
	if err != nil {
		return nil, err
	}
	return Map(p.Map()), nil
}

// Read loads a materialized file.
func Read(path string) (Map, error) {
	data, err := safe.ReadFile(path, &safe.ReadFileOptions{MaxSize: maxExternalSize})
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// LoadResource reads a properties resource by classpath-like location. A
// missing resource yields an empty map; read and parse errors are logged and
// also yield an empty map.
func LoadResource(p resource.Provider, location string, logger zerolog.Logger) Map {
	rc, err := p.Open(location)
	if err != nil {
		if !errors.Is(err, resource.ErrNotFound) {
			logger.Warn().Err(err).Str("location", location).Msg("Failed to open configuration resource")
		}
		return Map{}
	}
	defer safe.Close(rc, logger, "Failed to close configuration resource")

	data, err := io.ReadAll(io.LimitReader(rc, maxExternalSize))
	if err != nil {
		logger.Warn().Err(err).Str("location", location).Msg("Failed to read configuration resource")
		return Map{}
	}

	values, err := Parse(data)
	if err != nil {
		logger.Warn().Err(err).Str("location", location).Msg("Failed to parse configuration resource")
		return Map{}
	}
	return values
}

// writeProperties writes cfg in sorted key order so output is stable.
func writeProperties(w io.Writer, cfg Map) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, k := range cfg.Keys() {
		if _, _, err := p.Set(k, cfg[k]); err != nil {
			return fmt.Errorf("invalid property %q: %w", k, err)
		}
	}
	_, err := p.Write(w, properties.UTF8)
	return err
}
