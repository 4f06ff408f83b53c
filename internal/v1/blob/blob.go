// Package blob stores uploaded file bytes behind a small backend
// interface. Two backends exist: a local-disk store for single-node
// deployments and an S3 store for anything durable.
package blob

import (
	"context"
	"io"
)

const defaultContentType = "application/octet-stream"

// Object is one stored blob opened for reading. Callers own Body and
// must close it.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Store is the backend contract. Keys are opaque; callers generate
// them (UUIDs) and persist them in the per-room file_references table.
type Store interface {
	// Put writes body under key and returns the number of bytes stored.
	Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error)

	// Get opens the blob under key. Returns types.ErrNotFound if the
	// key does not exist.
	Get(ctx context.Context, key string) (Object, error)

	// Delete removes the blob under key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error
}
