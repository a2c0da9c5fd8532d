package localcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/relstorage-go/localcache/internal/compress"
	"github.com/relstorage-go/localcache/internal/snapshot"
)

// Cache is the public local-cache engine: a segmented-LRU Bucket behind a
// single mutex, a pluggable compression Codec, an atomically-swapped
// checkpoint pair, and an optional snapshot Store for save/restore.
//
// Grounded on the teacher's TieredCache (persistent.go): a facade wrapping
// an in-memory tier plus a persistence interface, with context-bearing
// methods for anything that touches the snapshot store and context-free
// methods for pure in-memory operations.
type Cache struct {
	cfg         *config
	bucket      *bucket
	codec       compress.Codec
	checkpoints atomic.Pointer[[2]uint64]
	store       *snapshot.Store
	limitBytes  int64
}

// New constructs a Cache from the given Options. If WithDir is set, the
// snapshot file is opened (created if absent) immediately so Save/Restore
// never race an unopened store.
func New(ctx context.Context, opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.sizeMB < 0 {
		return nil, fmt.Errorf("cache: %w: negative cache_local_mb", ErrInvalidSize)
	}
	if cfg.objectMax < 0 {
		return nil, fmt.Errorf("cache: %w: negative cache_local_object_max", ErrInvalidSize)
	}

	codec, err := compress.New(cfg.compression)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", ErrUnknownCompression)
	}

	limitBytes := int64(cfg.sizeMB * 1_000_000) // 1 MB == 1,000,000 bytes per spec.md §6.1

	c := &Cache{
		cfg:        cfg,
		bucket:     newBucket(limitBytes),
		codec:      codec,
		limitBytes: limitBytes,
	}

	if cfg.dir != "" {
		store, err := snapshot.Open(ctx, cfg.dir, cfg.prefix, false)
		if err != nil {
			return nil, fmt.Errorf("cache: open snapshot: %w", err)
		}
		c.store = store
	}

	return c, nil
}

// Close releases the snapshot file handle, if one is open. It is a no-op
// if persistence was never configured, matching the Python ancestor's
// close() (a deliberate pass).
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// Lookup implements the dual-key protocol of spec.md §4.3: v2, if given,
// is a fallback version probed together with v1 (both count toward
// Stats) whose result is used only when v1 misses; a fallback hit is
// copied to (oid, v1) before returning. Decompression happens after the
// Bucket mutex is released.
func (c *Cache) Lookup(oid, v1 uint64, v2 ...uint64) (state []byte, actualVersion uint64, ok bool) {
	primary := Key{ObjectID: oid, VersionID: v1}
	keys := []Key{primary}

	var fallback Key
	hasFallback := len(v2) > 0
	if hasFallback {
		fallback = Key{ObjectID: oid, VersionID: v2[0]}
		keys = append(keys, fallback)
	}

	found := c.bucket.getAndPromote(keys)

	val, hit := found[primary]
	if !hit && hasFallback {
		if fallbackVal, fallbackHit := found[fallback]; fallbackHit {
			val = fallbackVal
			hit = true
			c.bucket.set(primary, fallbackVal)
		}
	}
	if !hit {
		return nil, 0, false
	}

	decoded, err := c.codec.Decode(val.State)
	if err != nil {
		c.cfg.logger.Error("cache: decode failed on lookup", "object_id", oid, "error", err)
		return nil, 0, false
	}
	return decoded, val.ActualVersion, true
}

// Insert implements spec.md §4.4: compress state, discard silently if the
// cache is disabled (limit 0) or the compressed payload is at least
// cache_local_object_max bytes, otherwise store it keyed by (oid, v).
func (c *Cache) Insert(oid, v uint64, state []byte, actualVersion uint64) error {
	if c.limitBytes == 0 {
		return nil
	}

	encoded, err := c.codec.Encode(state)
	if err != nil {
		return fmt.Errorf("cache: compress on insert: %w", err)
	}
	if c.cfg.objectMax > 0 && int64(len(encoded)) >= c.cfg.objectMax {
		return nil
	}

	c.bucket.set(Key{ObjectID: oid, VersionID: v}, Value{State: encoded, ActualVersion: actualVersion})
	return nil
}

// InsertMany applies Insert to every item, in the order given (map
// iteration in Go is already unordered, matching spec.md §4.4's
// "arbitrary order"). Errors from individual items are joined rather than
// stopping the batch early.
func (c *Cache) InsertMany(items map[Key]Value) error {
	var errs []error
	for k, v := range items {
		if err := c.Insert(k.ObjectID, k.VersionID, v.State, v.ActualVersion); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreCheckpoints replaces the checkpoint pair via a single atomic
// pointer swap (spec.md §4.5, invariant I5): concurrent GetCheckpoints
// callers always observe either the prior pair or this one, never a torn
// value.
func (c *Cache) StoreCheckpoints(cp0, cp1 uint64) error {
	if cp0 < cp1 {
		return fmt.Errorf("cache: store checkpoints: %w", ErrInvalidState)
	}
	pair := [2]uint64{cp0, cp1}
	c.checkpoints.Store(&pair)
	return nil
}

// GetCheckpoints returns the current checkpoint pair, or ok=false if none
// has ever been stored (or flush_all discarded it).
func (c *Cache) GetCheckpoints() (cp0, cp1 uint64, ok bool) {
	pair := c.checkpoints.Load()
	if pair == nil {
		return 0, 0, false
	}
	return pair[0], pair[1], true
}

// FlushAll discards every cached entry and the checkpoint pair, per
// spec.md §4.2's flush_all contract.
func (c *Cache) FlushAll() {
	c.bucket.flushAll()
	c.checkpoints.Store(nil)
}

// Stats returns cumulative hit/miss counters.
func (c *Cache) Stats() Stats { return c.bucket.stats() }

// ResetStats zeroes the hit/miss counters.
func (c *Cache) ResetStats() { c.bucket.resetStats() }

// Len returns the number of entries currently cached.
func (c *Cache) Len() int { return c.bucket.len() }

// IterKeys iterates every cached Key. The snapshot is copied under the
// Bucket mutex up front, so mutations during iteration are not observed.
func (c *Cache) IterKeys() iter.Seq[Key] {
	entries := c.bucket.snapshot()
	return func(yield func(Key) bool) {
		for _, e := range entries {
			if !yield(e.Key) {
				return
			}
		}
	}
}

// IterValues iterates every cached Value (compressed state, as stored).
func (c *Cache) IterValues() iter.Seq[Value] {
	entries := c.bucket.snapshot()
	return func(yield func(Value) bool) {
		for _, e := range entries {
			if !yield(e.Val) {
				return
			}
		}
	}
}

// IterItems iterates every cached (Key, Value) pair.
func (c *Cache) IterItems() iter.Seq2[Key, Value] {
	entries := c.bucket.snapshot()
	return func(yield func(Key, Value) bool) {
		for _, e := range entries {
			if !yield(e.Key, e.Val) {
				return
			}
		}
	}
}

// newestEntry accumulates the winning state for one object id while
// building newest_entries (spec.md §4.7 step 2).
type newestEntry struct {
	actualVersion uint64
	state         []byte
}

// genThreshold is the minimum *aggregate* per-object-id frequency
// (exclusive) required for an entry in a given generation to be considered
// for the snapshot at all, per spec.md §4.7 step 2: eden > 0, protected >
// 1, probation > 0. The check is against freqSum[oid], not the entry's own
// freq, since an object id can have several live entries (one per
// VersionID) split across generations.
var genThreshold = map[genTag]uint8{
	genEden:      0,
	genProtected: 1,
	genProbation: 0,
}

// buildSnapshotRows implements spec.md §4.7 steps 1-2: sum frequencies
// per object id across all three generations, then pick a single winning
// (actual_version, state) per object id by walking each generation
// MRU-first, admitting an entry only once its object id's *aggregate*
// frequency clears that generation's threshold, replacing state only on a
// strictly greater actual_version, and failing with ErrCorrupted if two
// entries disagree on state at the same actual_version.
func (c *Cache) buildSnapshotRows() ([]snapshot.Row, error) {
	all := c.bucket.itemsToWrite(genEden, genProbation, genProtected)

	freqSum := make(map[uint64]uint64, len(all))
	for _, r := range all {
		freqSum[r.key.ObjectID] += uint64(r.freq)
	}

	newest := make(map[uint64]*newestEntry)
	for _, tag := range [...]genTag{genEden, genProtected, genProbation} {
		threshold := genThreshold[tag]
		for _, r := range c.bucket.itemsToWriteMRU(tag) {
			oid := r.key.ObjectID
			if freqSum[oid] <= uint64(threshold) {
				continue
			}
			existing, seen := newest[oid]
			if !seen {
				newest[oid] = &newestEntry{actualVersion: r.val.ActualVersion, state: r.val.State}
				continue
			}
			switch {
			case r.val.ActualVersion > existing.actualVersion:
				existing.actualVersion = r.val.ActualVersion
				existing.state = r.val.State
			case r.val.ActualVersion == existing.actualVersion && !bytes.Equal(existing.state, r.val.State):
				return nil, fmt.Errorf("cache: object %d: %w", oid, ErrCorrupted)
			}
		}
	}

	rows := make([]snapshot.Row, 0, len(newest))
	for oid, ne := range newest {
		if ne.state == nil {
			// tombstones are accepted on read but excluded from writes (spec.md §9).
			continue
		}
		rows = append(rows, snapshot.Row{
			ObjectID:      oid,
			ActualVersion: ne.actualVersion,
			State:         ne.state,
			Frequency:     uint32(freqSum[oid]),
		})
	}
	return rows, nil
}

// Save merges the in-memory bucket into the snapshot file (spec.md §4.7).
// Corruption detected while building newest_entries is logged and
// swallowed per spec.md §4.8/§7: the in-memory cache stays usable and
// Save returns ("", nil) rather than failing the caller. If persistence
// was never configured (no WithDir), Save is a no-op.
func (c *Cache) Save(ctx context.Context, overwrite bool) (string, error) {
	if c.store == nil {
		return "", nil
	}

	if overwrite {
		if err := c.store.Reset(ctx); err != nil {
			return "", fmt.Errorf("cache: save: %w", err)
		}
	}

	rows, err := c.buildSnapshotRows()
	if err != nil {
		c.cfg.logger.Error("cache: snapshot corrupted, save aborted", "error", err)
		return "", nil
	}

	var cpArg *[2]uint64
	if pair := c.checkpoints.Load(); pair != nil {
		cpArg = pair
	}

	if _, err := c.store.Save(ctx, rows, cpArg, c.limitBytes); err != nil {
		c.cfg.logger.Error("cache: save failed", "error", err)
		return "", fmt.Errorf("cache: save: %w", err)
	}
	return c.store.Path(), nil
}

// Restore loads a prior snapshot into the (assumed freshly-constructed)
// Bucket, per spec.md §4.6. ok is false if no prior snapshot exists; that
// is not an error. If persistence was never configured, Restore is a
// no-op returning ok=false.
func (c *Cache) Restore(ctx context.Context) (delta0, delta1 map[uint64]uint64, ok bool, err error) {
	if c.store == nil {
		return nil, nil, false, nil
	}

	result, ok, err := c.store.Restore(ctx, c.limitBytes)
	if err != nil {
		return nil, nil, false, fmt.Errorf("cache: restore: %w", err)
	}
	if !ok {
		return nil, nil, false, nil
	}

	pair := [2]uint64{result.CP0, result.CP1}
	c.checkpoints.Store(&pair)

	rows := make([]bulkRow, len(result.Entries))
	for i, e := range result.Entries {
		rows[i] = bulkRow{
			key:  Key{ObjectID: e.ObjectID, VersionID: e.IndexVersion},
			val:  Value{State: e.State, ActualVersion: e.ActualVersion},
			freq: clampFreq(e.Frequency),
		}
	}
	c.bucket.bulkUpdate(rows)

	return result.Delta0, result.Delta1, true, nil
}

func clampFreq(f uint32) uint8 {
	if f > maxFreq {
		return maxFreq
	}
	return uint8(f)
}
