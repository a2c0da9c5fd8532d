package localcache

import (
	"cmp"
	"slices"
	"sync"
)

// edenPromoteThreshold is the frequency an eden entry must reach on a hit
// before it is promoted to probation. Chosen small per spec.md §4.2
// ("if frequency crosses a small threshold, move to probation"). set
// starts an entry at frequency 1, so anything hit once after its insert,
// while still in eden, is worth a chance at surviving past eden's small
// budget.
const edenPromoteThreshold = 2

// maxFreq bounds the per-entry frequency counter so admission comparisons
// stay cheap and a long-lived hot key can't overflow it.
const maxFreq = 255

// Stats reports cumulative hit/miss counts for a Bucket or Cache.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Ratio returns Hits/(Hits+Misses), or 0 if there have been no lookups.
func (s Stats) Ratio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// writeRow is one entry as handed to a snapshot writer by itemsToWrite.
type writeRow struct {
	key  Key
	val  Value
	gen  genTag
	freq uint8
}

// bulkRow is one entry as supplied to bulkUpdate, e.g. by a snapshot
// restore. Frequencies are used verbatim rather than reset.
type bulkRow struct {
	key  Key
	val  Value
	freq uint8
}

// bucket is the map-of-key-to-entry plus the three generation queues and
// the capacity accountant described in spec.md §4.2. A single mutex
// guards everything; spec.md §5 explicitly rules out a reader/writer
// split since every operation, including reads, mutates recency and
// frequency.
//
// Grounded on the teacher's shard[K,V] (s3fifo.go): generalized from a
// sharded two-queue (small/main) S3-FIFO design to a single, unsharded,
// three-queue (eden/probation/protected) TinyLFU-style design, per
// spec.md §4.2 and §5.
type bucket struct {
	mu     sync.Mutex
	arena  *arena
	index  map[Key]int32
	gens   [numGenerations]generation
	limit  int64
	weight weightFunc
	acct   accountant

	hits   uint64
	misses uint64
}

// generation weight split: a small eden, a larger probation, and the
// largest protected tier, per spec.md §3/§4.2. Exact ratios are an
// implementation choice (spec.md leaves this an Open Question); these are
// recorded and justified in DESIGN.md.
const (
	edenShare      = 0.01
	probationShare = 0.19
	protectedShare = 0.80
)

func genWeights(limit int64) (eden, probation, protected int64) {
	eden = int64(float64(limit) * edenShare)
	probation = int64(float64(limit) * probationShare)
	protected = limit - eden - probation
	return eden, probation, protected
}

// newBucket constructs a Bucket using entryWeight as its weight function,
// the common case for production use.
func newBucket(limit int64) *bucket {
	return newBucketWeighted(limit, entryWeight)
}

// newBucketWeighted constructs a Bucket with an injected weight function
// rather than a hardcoded one (spec.md §9, §5.2): weight computes the
// accounting cost of a (Key, Value) pair, passed to the capacity
// accountant and every generation mutation.
func newBucketWeighted(limit int64, weight weightFunc) *bucket {
	b := &bucket{limit: limit, index: make(map[Key]int32), weight: weight}
	b.resetGenerations()
	return b
}

func (b *bucket) resetGenerations() {
	eden, probation, protected := genWeights(b.limit)
	b.arena = newArena(0)
	b.index = make(map[Key]int32)
	b.gens[genEden] = newGeneration(genEden, eden)
	b.gens[genProbation] = newGeneration(genProbation, probation)
	b.gens[genProtected] = newGeneration(genProtected, protected)
	b.acct = newAccountant(b.limit)
}

// totalWeight returns the accountant's current total, i.e. Σ weights
// across every generation.
func (b *bucket) totalWeight() int64 {
	return b.acct.used
}

// getAndPromote returns the subset of keys present, promoting each hit's
// recency/generation per spec.md §4.2, and counts stats per key queried.
func (b *bucket) getAndPromote(keys []Key) map[Key]Value {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[Key]Value, len(keys))
	for _, k := range keys {
		idx, ok := b.index[k]
		if !ok {
			b.misses++
			continue
		}
		b.hits++
		n := b.arena.get(idx)
		out[k] = n.value
		b.promote(idx, n)
	}
	return out
}

// promote applies the hit-promotion policy of spec.md §4.2 to the entry
// at idx, already known to be in generation n.gen.
func (b *bucket) promote(idx int32, n *node) {
	if n.freq < maxFreq {
		n.freq++
	}
	switch n.gen {
	case genEden:
		if n.freq >= edenPromoteThreshold {
			eden := &b.gens[genEden]
			probation := &b.gens[genProbation]
			eden.remove(b.arena, idx, b.weight)
			probation.pushBack(b.arena, idx, b.weight)
			b.enforceLimit()
		}
	case genProbation:
		probation := &b.gens[genProbation]
		protected := &b.gens[genProtected]
		probation.remove(b.arena, idx, b.weight)
		protected.pushBack(b.arena, idx, b.weight)
		b.enforceLimit()
	case genProtected:
		protected := &b.gens[genProtected]
		protected.remove(b.arena, idx, b.weight)
		protected.pushBack(b.arena, idx, b.weight)
	}
}

// set inserts or overwrites (k, v). New insertions enter eden. Overwrites
// replace the value in place without changing generation, and reset
// frequency to 1, per spec.md §4.2.
func (b *bucket) set(k Key, v Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(k, v, 1)
}

func (b *bucket) setLocked(k Key, v Value, freq uint8) {
	if idx, ok := b.index[k]; ok {
		n := b.arena.get(idx)
		g := &b.gens[n.gen]
		old := b.weight(n.key, n.value)
		g.weight -= old
		b.acct.remove(old)
		n.value = v
		n.freq = freq
		updated := b.weight(n.key, n.value)
		g.weight += updated
		b.acct.add(updated)
		b.enforceLimit()
		return
	}

	idx := b.arena.alloc(k, v)
	n := b.arena.get(idx)
	n.freq = freq
	eden := &b.gens[genEden]
	w := eden.pushBack(b.arena, idx, b.weight)
	b.acct.add(w)
	b.index[k] = idx
	b.enforceLimit()
}

// bulkUpdate seeds the bucket in a batch, using each row's supplied
// frequency verbatim rather than resetting it, and preserving the given
// order (callers supply least-to-most recent; the most recent rows end
// up MRU since each is admitted after the ones before it).
func (b *bucket) bulkUpdate(rows []bulkRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.setLocked(r.key, r.val, r.freq)
	}
}

// enforceLimit evicts across generations until every generation is under
// its own budget and, as a backstop, Σ weights ≤ the overall limit
// (spec.md invariant I1). Called after every mutation.
func (b *bucket) enforceLimit() {
	eden := &b.gens[genEden]
	probation := &b.gens[genProbation]
	protected := &b.gens[genProtected]

	for eden.weight > eden.maxWeight && eden.len > 0 {
		b.evictFromEden()
	}
	for protected.weight > protected.maxWeight && protected.len > 0 {
		b.demoteProtectedLRU()
	}
	for probation.weight > probation.maxWeight && probation.len > 0 {
		b.evictProbationLRU()
	}

	for !b.acct.admit(0) {
		switch {
		case eden.len > 0:
			b.evictFromEden()
		case probation.len > 0:
			b.evictProbationLRU()
		case protected.len > 0:
			b.demoteProtectedLRU()
		default:
			return
		}
	}
}

// evictFromEden evicts eden's LRU entry. If its frequency exceeds
// probation's LRU entry, it is admitted to probation, displacing that
// LRU entry; otherwise it is dropped outright. This is the TinyLFU
// admission test of spec.md §4.2.
func (b *bucket) evictFromEden() {
	eden := &b.gens[genEden]
	if eden.len == 0 {
		return
	}
	idx := eden.head
	n := b.arena.get(idx)
	eden.remove(b.arena, idx, b.weight)

	probation := &b.gens[genProbation]
	if probation.len > 0 {
		lruIdx := probation.head
		lru := b.arena.get(lruIdx)
		if n.freq > lru.freq {
			probation.remove(b.arena, lruIdx, b.weight)
			b.dropEntry(lruIdx)
			probation.pushBack(b.arena, idx, b.weight)
			return
		}
	}
	b.dropEntry(idx)
}

// demoteProtectedLRU moves protected's LRU entry down to probation's MRU
// end, used both when a probation hit promotion leaves protected over
// budget and as a general overflow backstop.
func (b *bucket) demoteProtectedLRU() {
	protected := &b.gens[genProtected]
	if protected.len == 0 {
		return
	}
	idx := protected.head
	protected.remove(b.arena, idx, b.weight)
	b.gens[genProbation].pushBack(b.arena, idx, b.weight)
}

// evictProbationLRU drops probation's LRU entry outright.
func (b *bucket) evictProbationLRU() {
	probation := &b.gens[genProbation]
	if probation.len == 0 {
		return
	}
	idx := probation.head
	probation.remove(b.arena, idx, b.weight)
	b.dropEntry(idx)
}

// dropEntry removes idx from the index map, frees its arena slot, and
// records the weight as no longer admitted. Callers must have already
// unlinked idx from any generation.
func (b *bucket) dropEntry(idx int32) {
	n := b.arena.get(idx)
	b.acct.remove(b.weight(n.key, n.value))
	delete(b.index, n.key)
	b.arena.free(idx)
}

// itemsToWrite iterates entries of the given generations from least- to
// most-popular (by frequency) within each, breaking ties by recency (LRU
// to MRU order), per spec.md §4.2's items_to_write contract.
func (b *bucket) itemsToWrite(gens ...genTag) []writeRow {
	b.mu.Lock()
	defer b.mu.Unlock()

	capHint := 0
	for _, tag := range gens {
		capHint += b.gens[tag].len
	}
	rows := make([]writeRow, 0, capHint)
	for _, tag := range gens {
		g := &b.gens[tag]
		start := len(rows)
		g.forEachLRUFirst(b.arena, func(idx int32) {
			n := b.arena.get(idx)
			rows = append(rows, writeRow{key: n.key, val: n.value, gen: tag, freq: n.freq})
		})
		slices.SortStableFunc(rows[start:], func(x, y writeRow) int { return cmp.Compare(x.freq, y.freq) })
	}
	return rows
}

// itemsToWriteMRU iterates entries of a single generation from most- to
// least-recently used, for newest_entries construction (spec.md §4.7
// step 2), which wants the freshest touch considered first.
func (b *bucket) itemsToWriteMRU(tag genTag) []writeRow {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := &b.gens[tag]
	rows := make([]writeRow, 0, g.len)
	g.forEachMRUFirst(b.arena, func(idx int32) {
		n := b.arena.get(idx)
		rows = append(rows, writeRow{key: n.key, val: n.value, gen: tag, freq: n.freq})
	})
	return rows
}

// flushAll discards every entry and rebuilds empty generations at the
// configured weights.
func (b *bucket) flushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetGenerations()
}

func (b *bucket) stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Hits: b.hits, Misses: b.misses}
}

func (b *bucket) resetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hits, b.misses = 0, 0
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

// snapshot returns every (Key, Value) pair currently cached, for
// iteration helpers on the facade. It copies under the lock and returns
// a plain slice so callers don't hold the bucket mutex while ranging.
func (b *bucket) snapshot() []struct {
	Key Key
	Val Value
} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]struct {
		Key Key
		Val Value
	}, 0, len(b.index))
	for k, idx := range b.index {
		out = append(out, struct {
			Key Key
			Val Value
		}{Key: k, Val: b.arena.get(idx).value})
	}
	return out
}
