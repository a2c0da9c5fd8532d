// Package localcache implements a process-local, size-bounded cache of
// versioned object states for a relational storage adapter.
//
// Entries are indexed by a (object ID, version ID) pair and carry the
// exact version that produced the cached state, so a lookup for a
// version that was never itself written can still be served from the
// nearest older version it falls back to. Admission and eviction use a
// TinyLFU-style segmented LRU with three generations (eden, probation,
// protected). The cache can snapshot itself to, and warm-restore itself
// from, an embedded SQLite file so a new process doesn't start cold.
package localcache
