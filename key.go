package localcache

// Key identifies a cached object state: the object being cached and the
// version under which the entry is indexed. ObjectID and VersionID are
// opaque, monotonically assigned identifiers; VersionID only needs a
// numeric ordering for recency, never a semantic one.
type Key struct {
	ObjectID  uint64
	VersionID uint64
}

// Value is a cached object state. State is nil for a tombstone recording
// an undone transaction; that is a legal value to store and return.
// ActualVersion records the exact version that produced State, which may
// differ from the VersionID a Key was looked up or inserted under (see
// the dual-key fallback in Cache.Lookup).
type Value struct {
	State         []byte
	ActualVersion uint64
}

// keyWeight is the fixed accounting weight of a Key: two 64-bit integers.
const keyWeight = 32

// valueWeight is the accounting weight of a Value: its state length plus
// one 64-bit integer for the actual version. A tombstone weighs 0.
func valueWeight(v Value) int64 {
	if v.State == nil {
		return 0
	}
	return int64(len(v.State)) + 16
}

// entryWeight is the total accounting weight of a cached (Key, Value) pair.
func entryWeight(_ Key, v Value) int64 {
	return keyWeight + valueWeight(v)
}

// weightFunc computes the accounting weight of a (Key, Value) pair.
// entryWeight is the default; it is passed into the Bucket constructor
// rather than called directly throughout, per spec.md §9's note on mixed
// key/value weight callbacks.
type weightFunc func(Key, Value) int64
