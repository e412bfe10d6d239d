// Package storage abstracts the object store holding uploaded documents.
// The service reads and deletes objects during ingestion; uploads happen
// through a separate edge service that shares the same bucket.
package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore reads uploaded documents by key.
type ObjectStore interface {
	// Get returns the object body. The caller must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
