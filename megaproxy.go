// Package megaproxy holds the types shared by the metadata cache and the
// streaming download proxy: share references, resolved object metadata, the
// size gate and the error taxonomy.
package megaproxy

import (
	"context"
	"io"
)

// ShareReference is an opaque link identifying a remote object. It is used
// verbatim as the cache key and as resolver input.
type ShareReference string

// String returns the reference as given by the caller.
func (r ShareReference) String() string {
	return string(r)
}

// ObjectMetadata describes a resolved remote object.
type ObjectMetadata struct {
	Name string
	Size uint64
}

// Resolver turns a share reference into metadata and a byte stream.
// Implementations must be safe for concurrent use.
type Resolver interface {
	// Resolve fetches the name and size of the object.
	Resolve(ctx context.Context, ref ShareReference) (ObjectMetadata, error)

	// OpenStream opens the object's content. The stream is bound to ctx;
	// cancelling ctx aborts any pending read. The caller must close it.
	OpenStream(ctx context.Context, ref ShareReference) (io.ReadCloser, error)
}
