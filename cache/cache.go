// Package cache defines the content-addressed Request->Response store
// spec.md §4.8 describes: a superset of generation.Cache (which only
// needs Get/Set to wrap a Pipe) adding the management operations a CLI
// or ops task needs — delete, clear, list keys, and age-based cleanup.
// memcache and rediscache provide in-memory and Redis-backed
// implementations; both satisfy generation.Cache directly so either can
// be plugged into generation.Options.Cache without an adapter.
package cache

import (
	"time"

	"goa.design/conduit/generation"
)

// Store is the full cache contract spec.md §4.8 lists: get, set, delete,
// clear, retrieve_all_keys, cleanup_older_than(days). Get/Set satisfy
// generation.Cache directly.
type Store interface {
	generation.Cache

	// Delete removes a single entry. A miss is not an error.
	Delete(key string) error
	// Clear removes every entry.
	Clear() error
	// RetrieveAllKeys lists every key currently stored, in no particular
	// order.
	RetrieveAllKeys() ([]string, error)
	// CleanupOlderThan removes entries written more than age ago and
	// returns the number removed.
	CleanupOlderThan(age time.Duration) (int, error)
}
