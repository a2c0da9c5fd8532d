package localcache

import "errors"

// Sentinel errors for the failures spec.md §7 calls out explicitly.
// Snapshot I/O failures are not a single sentinel: their causes vary
// (disk, schema, lock contention) and are returned wrapped around the
// underlying database/sql error instead.
var (
	// ErrUnknownCompression is returned by New when cache_local_compression
	// names an algorithm this package doesn't implement.
	ErrUnknownCompression = errors.New("localcache: unknown compression algorithm")

	// ErrInvalidSize is returned by New for a negative or nonsensical size limit.
	ErrInvalidSize = errors.New("localcache: invalid size limit")

	// ErrInvalidState is returned by StoreCheckpoints when cp0 < cp1.
	// Insert and InsertMany take state as a []byte, so they never return it.
	ErrInvalidState = errors.New("localcache: state must be []byte or nil")

	// ErrCorrupted is raised while preparing a snapshot when two distinct
	// states are found for the same (object ID, actual version) pair.
	// buildSnapshotRows returns it; Cache.Save logs and swallows it.
	ErrCorrupted = errors.New("localcache: cache corrupted: conflicting states for one version")
)
