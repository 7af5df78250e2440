// Package storage defines the object store capability the publisher uploads to.
package storage

import "context"

// Store is a flat key/object store. Keys are "/"-separated paths.
//
// Writes replace any existing object under the same key, so repeated writes
// into one time bucket leave exactly one object behind.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// PutFile uploads the local file at localPath under key.
	PutFile(ctx context.Context, key, localPath string) error

	// Put stores data under key.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object under key, or an error wrapping
	// errors.ErrKeyNotFound when there is none.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys starting with prefix in lexicographic order.
	// An empty store yields an empty slice.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
