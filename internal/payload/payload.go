// Package payload exposes the resources compiled into the coral-attach binary:
// the agent payload and its default configuration.
package payload

import (
	"embed"
	"io/fs"

	"github.com/coral-mesh/coral-attach/internal/artifact"
	"github.com/coral-mesh/coral-attach/internal/resource"
)

//go:embed bundle
var bundle embed.FS

// Embedded returns the compiled-in resources.
func Embedded() resource.FS {
	sub, err := fs.Sub(bundle, "bundle")
	if err != nil {
		panic(err) // "bundle" is a valid, embedded directory.
	}
	return resource.FS{Root: sub}
}

// Resources returns a provider that looks in overrideDirs, in order, before
// falling back to the compiled-in resources. Empty directory names are skipped.
// Each root may hold a resource zstd or LZ4 compressed; see resource.Decompress.
func Resources(overrideDirs ...string) resource.Provider {
	chain := make(resource.Chain, 0, len(overrideDirs)+1)
	for _, dir := range overrideDirs {
		if dir != "" {
			chain = append(chain, resource.Decompress{Inner: resource.Dir(dir)})
		}
	}
	return append(chain, resource.Decompress{Inner: Embedded()})
}

// Bundled reports whether p serves an agent payload.
func Bundled(p resource.Provider) bool {
	return resource.Exists(p, artifact.DefaultResourceName)
}
