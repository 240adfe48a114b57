// Package statestore holds the consolidated per-entity state record behind a
// small revisioned key-value interface. Backends: JetStream KV, Redis and an
// in-process map.
package statestore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has no value
	ErrNotFound = errors.New("statestore: key not found")

	// ErrConflict is returned by Create when the key already exists and by
	// Update when the stored revision no longer matches
	ErrConflict = errors.New("statestore: revision conflict")
)

// Entry is a stored value and the revision it was written at
type Entry struct {
	Value    []byte
	Revision uint64
}

// Store is a revisioned key-value store supporting compare-and-set writes
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)

	// Create writes value only if key does not exist
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes value only if key is still at revision
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Put writes value unconditionally
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	Name() string
	Close() error
}
