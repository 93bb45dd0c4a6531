// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
)

// Store is a flat string key-value store scoped to one service instance.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set creates or replaces the value under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies storage connectivity and returns an error if it is unreachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
