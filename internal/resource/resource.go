// Package resource looks up bundled files by logical name.
//
// A Provider behaves like a classpath: names are slash separated, relative,
// and resolved against one or more roots in order. A missing resource is a
// normal condition reported as ErrNotFound.
package resource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ErrNotFound reports that no root holds the requested resource.
var ErrNotFound = errors.New("resource not found")

// Provider opens resources by logical name.
type Provider interface {
	Open(name string) (io.ReadCloser, error)
}

// FS serves resources from an fs.FS, typically an embed.FS.
type FS struct {
	Root fs.FS
}

// Open implements Provider.
func (p FS) Open(name string) (io.ReadCloser, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if p.Root == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}

	f, err := p.Root.Open(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("failed to open resource %s: %w", clean, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat resource %s: %w", clean, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, clean)
	}

	return f, nil
}

// Dir serves resources from a directory on disk.
func Dir(dir string) FS {
	return FS{Root: os.DirFS(dir)}
}

// Chain tries each provider in order and returns the first hit.
type Chain []Provider

// Open implements Provider.
func (c Chain) Open(name string) (io.ReadCloser, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		rc, err := p.Open(name)
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Exists reports whether name can be opened from p.
func Exists(p Provider, name string) bool {
	rc, err := p.Open(name)
	if err != nil {
		return false
	}
	_ = rc.Close()
	return true
}

// cleanName accepts classpath style names, with or without a leading slash.
func cleanName(name string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(name), "/")
	if trimmed == "" {
		return "", fmt.Errorf("empty resource name")
	}
	clean := path.Clean(trimmed)
	if !fs.ValidPath(clean) {
		return "", fmt.Errorf("invalid resource name %q", name)
	}
	return clean, nil
}
