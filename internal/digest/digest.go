// Package digest computes the content hashes used to address cached payloads
// and to verify them on later runs.
//
// Hashes are used for deduplication and integrity checks, not for security.
// The default algorithm is MD5 so that cache file names stay compatible across
// releases; xxh3 and blake3 are available for faster verification of large
// payloads.
package digest

import (
	"crypto/md5" //nolint:gosec // G501: content addressing only, not security.
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

// Supported algorithm names.
const (
	MD5    = "md5"
	XXH3   = "xxh3"
	BLAKE3 = "blake3"

	// Default is the algorithm used when none is configured.
	Default = MD5
)

// ErrUnsupportedAlgorithm is returned by New for unknown algorithm names.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

var constructors = map[string]func() hash.Hash{
	MD5:    md5.New,
	XXH3:   func() hash.Hash { return xxh3.New() },
	BLAKE3: func() hash.Hash { return blake3.New() },
}

// Hasher produces lowercase hex digests with a fixed algorithm.
// A Hasher is stateless and safe for concurrent use.
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
}

// New returns a Hasher for the named algorithm. An empty name selects Default.
func New(algorithm string) (*Hasher, error) {
	name := strings.ToLower(strings.TrimSpace(algorithm))
	if name == "" {
		name = Default
	}

	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)",
			ErrUnsupportedAlgorithm, algorithm, strings.Join(Algorithms(), ", "))
	}

	return &Hasher{algorithm: name, newHash: ctor}, nil
}

// MustNew is like New but panics on an unsupported algorithm. Use it only
// during process initialization.
func MustNew(algorithm string) *Hasher {
	h, err := New(algorithm)
	if err != nil {
		panic(err)
	}
	return h
}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Algorithm returns the name of the algorithm in use.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// Reader consumes r to EOF and returns the hex digest of everything read.
func (h *Hasher) Reader(r io.Reader) (string, error) {
	hh := h.newHash()
	if _, err := io.Copy(hh, r); err != nil {
		return "", fmt.Errorf("failed to hash stream: %w", err)
	}
	return hex.EncodeToString(hh.Sum(nil)), nil
}

// String returns the hex digest of s.
func (h *Hasher) String(s string) string {
	return h.Bytes([]byte(s))
}

// Bytes returns the hex digest of b.
func (h *Hasher) Bytes(b []byte) string {
	hh := h.newHash()
	_, _ = hh.Write(b) // hash.Hash.Write never returns an error
	return hex.EncodeToString(hh.Sum(nil))
}
