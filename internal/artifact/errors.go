package artifact

import (
	"errors"
	"fmt"
)

var (
	// ErrNoArtifact reports that no payload is bundled. Callers treat this as
	// "not configured" rather than a failure.
	ErrNoArtifact = errors.New("no bundled payload")

	// ErrCacheCorruption reports that a cached payload does not match the
	// bundled content hash.
	ErrCacheCorruption = errors.New("cached payload is corrupt")

	// ErrExtractionIO reports that the payload could not be written to the cache.
	ErrExtractionIO = errors.New("failed to extract payload")
)

// CorruptionError is returned when an existing cache file fails verification.
// The file is left in place; other processes may already be running it.
type CorruptionError struct {
	Path      string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("invalid %s checksum of %s (expected %s, got %s): please delete this file",
		e.Algorithm, e.Path, e.Expected, e.Actual)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCacheCorruption
}

// ExtractionError wraps an I/O failure while creating, locking or writing the
// cache file at Path.
type ExtractionError struct {
	Op   string
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() []error {
	return []error{ErrExtractionIO, e.Err}
}
