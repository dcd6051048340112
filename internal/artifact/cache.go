// Package artifact extracts the bundled agent payload into a shared,
// content-addressed cache in the system temp directory.
//
// Cache files are named <prefix>-<hash(user)>-<hash(payload)>.<ext>. The user
// component keeps processes running as different users from fighting over
// file permissions; the content component lets several payload versions live
// side by side. A file is written at most once: concurrent processes serialize
// on an advisory lock held on the destination file for the whole
// check-and-copy sequence, and the losers verify the winner's result.
//
// Files are never deleted by this package. They are reused across runs and left
// to the operating system's temp directory cleanup.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-attach/internal/digest"
	"github.com/coral-mesh/coral-attach/internal/privilege"
	"github.com/coral-mesh/coral-attach/internal/resource"
	"github.com/coral-mesh/coral-attach/internal/safe"
)

const (
	// DefaultResourceName is the logical name of the bundled payload.
	DefaultResourceName = "coral-agent"
	// DefaultPrefix is the cache file name prefix.
	DefaultPrefix = "coral-agent"
	// DefaultExtension is the cache file name extension.
	DefaultExtension = "bin"
)

// Handle identifies a verified payload file on disk.
type Handle struct {
	Path        string
	ContentHash string
	UserHash    string
}

// Stats counts what a Cache did on disk.
type Stats struct {
	// Extractions is the number of times payload bytes were copied into a
	// cache file.
	Extractions int64
	// Verifications is the number of times an already written cache file was
	// re-hashed and compared.
	Verifications int64
}

// Options configures a Cache. Zero values select defaults.
type Options struct {
	// Provider supplies the payload. Required.
	Provider resource.Provider
	// ResourceName is the payload's logical name within Provider.
	ResourceName string
	// Hasher computes content and user hashes. Defaults to digest.Default.
	Hasher *digest.Hasher
	// TempDir is the shared cache directory. Defaults to os.TempDir().
	TempDir string
	// Prefix and Extension shape the cache file name.
	Prefix    string
	Extension string
	// UserName returns the name used to scope cache files. Defaults to the
	// effective OS user.
	UserName func() (string, error)
	Logger   zerolog.Logger
}

// Cache resolves the payload path once per Cache value.
//
// A process is expected to hold a single Cache; the first Resolve result,
// success or failure, is returned for the rest of its lifetime.
type Cache struct {
	provider     resource.Provider
	resourceName string
	hasher       *digest.Hasher
	tempDir      string
	prefix       string
	extension    string
	userName     func() (string, error)
	logger       zerolog.Logger

	once   sync.Once
	handle Handle
	err    error

	extractions   atomic.Int64
	verifications atomic.Int64
}

// New creates a Cache.
func New(opts Options) (*Cache, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("resource provider is required")
	}

	c := &Cache{
		provider:     opts.Provider,
		resourceName: opts.ResourceName,
		hasher:       opts.Hasher,
		tempDir:      opts.TempDir,
		prefix:       opts.Prefix,
		extension:    opts.Extension,
		userName:     opts.UserName,
		logger:       opts.Logger.With().Str("component", "artifact_cache").Logger(),
	}
	if c.resourceName == "" {
		c.resourceName = DefaultResourceName
	}
	if c.hasher == nil {
		c.hasher = digest.MustNew(digest.Default)
	}
	if c.tempDir == "" {
		c.tempDir = os.TempDir()
	}
	if c.prefix == "" {
		c.prefix = DefaultPrefix
	}
	if c.extension == "" {
		c.extension = DefaultExtension
	}
	if c.userName == nil {
		c.userName = currentUserName
	}

	return c, nil
}

func currentUserName() (string, error) {
	u, err := privilege.CurrentUser()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Resolve returns the cached payload, extracting it on first use.
// It returns ErrNoArtifact when no payload is bundled.
func (c *Cache) Resolve() (Handle, error) {
	c.once.Do(func() {
		c.handle, c.err = c.resolve()
	})
	return c.handle, c.err
}

// Path returns the resolved payload path. See Resolve.
func (c *Cache) Path() (string, error) {
	h, err := c.Resolve()
	if err != nil {
		return "", err
	}
	return h.Path, nil
}

// Stats returns the on-disk work performed so far.
func (c *Cache) Stats() Stats {
	return Stats{
		Extractions:   c.extractions.Load(),
		Verifications: c.verifications.Load(),
	}
}

// Destination returns the cache file path for the given hashes.
func (c *Cache) Destination(userHash, contentHash string) string {
	name := fmt.Sprintf("%s-%s-%s.%s", c.prefix, userHash, contentHash, c.extension)
	return filepath.Join(c.tempDir, name)
}

func (c *Cache) resolve() (Handle, error) {
	contentHash, err := c.hashPayload()
	if err != nil {
		return Handle{}, err
	}

	user, err := c.userName()
	if err != nil {
		return Handle{}, fmt.Errorf("failed to resolve user name for payload cache: %w", err)
	}
	userHash := c.hasher.String(user)

	h := Handle{
		Path:        c.Destination(userHash, contentHash),
		ContentHash: contentHash,
		UserHash:    userHash,
	}

	logger := c.logger.With().Str("path", h.Path).Str("algorithm", c.hasher.Algorithm()).Logger()

	if _, err := os.Stat(h.Path); err == nil {
		done, err := c.verifyExisting(h)
		if err != nil {
			return Handle{}, err
		}
		if done {
			logger.Debug().Msg("Reusing cached payload")
			return h, nil
		}
		// The file exists but its writer has not started copying yet.
		logger.Debug().Msg("Cached payload is still empty, joining extraction")
	} else if !errors.Is(err, os.ErrNotExist) {
		return Handle{}, &ExtractionError{Op: "stat", Path: h.Path, Err: err}
	}

	if err := c.extract(h); err != nil {
		return Handle{}, err
	}

	logger.Info().Msg("Payload ready")
	return h, nil
}

// hashPayload hashes the bundled payload, or returns ErrNoArtifact.
func (c *Cache) hashPayload() (string, error) {
	rc, err := c.provider.Open(c.resourceName)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return "", ErrNoArtifact
		}
		return "", fmt.Errorf("failed to open payload %s: %w", c.resourceName, err)
	}
	defer safe.Close(rc, c.logger, "Failed to close payload resource")

	sum, err := c.hasher.Reader(rc)
	if err != nil {
		return "", fmt.Errorf("failed to hash payload %s: %w", c.resourceName, err)
	}
	return sum, nil
}

// verifyExisting checks an existing cache file under a shared lock, so that a
// writer still holding the exclusive lock finishes first. It returns false
// without error when the file is empty but the payload is not, which means
// another process created it and has not yet taken the lock.
func (c *Cache) verifyExisting(h Handle) (bool, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return false, &ExtractionError{Op: "open", Path: h.Path, Err: err}
	}
	defer safe.Close(f, c.logger, "Failed to close cached payload")

	if err := lockShared(f); err != nil {
		return false, &ExtractionError{Op: "lock", Path: h.Path, Err: err}
	}
	defer c.release(f, h.Path)

	info, err := f.Stat()
	if err != nil {
		return false, &ExtractionError{Op: "stat", Path: h.Path, Err: err}
	}
	if info.Size() == 0 && h.ContentHash != c.hasher.Bytes(nil) {
		return false, nil
	}

	return true, c.verify(f, h)
}

// extract creates the cache file and copies the payload into it if, once the
// exclusive lock is held, the file is still empty. Otherwise a concurrent
// process won the race and its result is verified instead.
func (c *Cache) extract(h Handle) error {
	// #nosec G302 G304 -- the payload must stay executable; path is derived from hashes.
	f, err := os.OpenFile(h.Path, os.O_RDWR|os.O_CREATE, 0o755)
	if err != nil {
		return &ExtractionError{Op: "create", Path: h.Path, Err: err}
	}
	defer safe.Close(f, c.logger, "Failed to close cached payload")

	if err := lockExclusive(f); err != nil {
		return &ExtractionError{Op: "lock", Path: h.Path, Err: err}
	}
	defer c.release(f, h.Path)

	info, err := f.Stat()
	if err != nil {
		return &ExtractionError{Op: "stat", Path: h.Path, Err: err}
	}
	if info.Size() > 0 {
		return c.verify(f, h)
	}

	rc, err := c.provider.Open(c.resourceName)
	if err != nil {
		return &ExtractionError{Op: "read payload for", Path: h.Path, Err: err}
	}
	defer safe.Close(rc, c.logger, "Failed to close payload resource")

	n, err := io.Copy(f, rc)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		// Leave an empty file behind so the next process retries the copy
		// instead of reporting corruption.
		if terr := f.Truncate(0); terr != nil {
			c.logger.Error().Err(terr).Str("path", h.Path).Msg("Failed to truncate partially written payload")
		}
		return &ExtractionError{Op: "write", Path: h.Path, Err: err}
	}

	c.extractions.Add(1)
	c.logger.Debug().Str("path", h.Path).Int64("bytes", n).Msg("Extracted payload")
	return nil
}

// verify hashes f from the start and compares it with h.ContentHash.
func (c *Cache) verify(f *os.File, h Handle) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return &ExtractionError{Op: "seek", Path: h.Path, Err: err}
	}

	actual, err := c.hasher.Reader(f)
	if err != nil {
		return &ExtractionError{Op: "read", Path: h.Path, Err: err}
	}
	c.verifications.Add(1)

	if actual != h.ContentHash {
		return &CorruptionError{
			Path:      h.Path,
			Algorithm: c.hasher.Algorithm(),
			Expected:  h.ContentHash,
			Actual:    actual,
		}
	}
	return nil
}

func (c *Cache) release(f *os.File, path string) {
	if err := unlock(f); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("Failed to release payload lock")
	}
}
