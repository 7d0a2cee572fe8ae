// Package kvstore defines the asynchronous key-value store contract the
// session layer persists through, plus in-memory and Postgres-backed
// implementations.
//
// Each operation is independently atomic; there is no multi-key
// transaction. Callers that write related keys must tolerate partial
// writes.
package kvstore

import (
	"context"
	"fmt"

	"github.com/benidevo/vega-companion/internal/errclass"
)

// Store abstracts persistence for small string entries.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes the value for key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// StorageError wraps a backend failure so the classifier can categorize it
// without message matching.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("kvstore %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Category implements errclass.Categorizer.
func (e *StorageError) Category() errclass.Category { return errclass.CategoryStorage }
