// Package storage defines the key-value storage ports used by the session core
// and the SafeStorage adapter that shields callers from backend failures.
package storage

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by backends that cannot serve a request.
var ErrUnavailable = errors.New("storage unavailable")

// Backend is a synchronous key-value store shaped like the browser Storage API.
// Implementations: file (state), Redis, SQLite, in-memory.
type Backend interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Set stores value under key, overwriting any previous value.
	Set(key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Clear deletes every key.
	Clear() error

	// Keys returns all keys in ascending order.
	Keys() ([]string, error)
}

// Event describes a mutation of a shared backend.
type Event struct {
	// Key is the mutated key.
	Key string
	// OldValue is the value before the mutation ("" if absent).
	OldValue string
	// NewValue is the value after the mutation ("" if removed).
	NewValue string
	// Deleted is true when the key no longer exists.
	Deleted bool
	// Origin is the context ID of the writer.
	Origin string
}

// Watcher delivers mutations performed by other contexts.
// Watch blocks until ctx is done or the watch fails.
type Watcher interface {
	Watch(ctx context.Context, fn func(Event)) error
}

// Locker provides a mutual-exclusion primitive shared by every context that
// uses the same backend.
type Locker interface {
	// Lock blocks until the named lock is held or ctx is done.
	// The returned function releases the lock.
	Lock(ctx context.Context, name string) (func(), error)
}

// KeyValue is the error-free view consumers use.
// SafeStorage is the production implementation.
type KeyValue interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string)
	RemoveItem(key string)
}
