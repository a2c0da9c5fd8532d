package snapshot

import (
	"context"
	"fmt"
)

// IndexedRow is one row read back from the snapshot, already resolved to
// the Key a Bucket should index it under (ObjectID, IndexVersion), per
// the fallback rule of spec.md §4.6 step 5: rows older than both
// checkpoints are indexed under cp0 rather than their own version, so
// the dual-key lookup protocol can still find them.
type IndexedRow struct {
	ObjectID      uint64
	IndexVersion  uint64
	ActualVersion uint64
	State         []byte
	Frequency     uint32
}

// RestoreResult is everything Restore reads back from a snapshot.
type RestoreResult struct {
	// Entries is ordered least- to most-popular, and oldest to newest
	// version within equal frequency (reversed from read order, per
	// spec.md §4.6 step 7, so a caller feeding them into bulk_update in
	// this order ends with the most-recent/most-popular rows at the MRU
	// end).
	Entries []IndexedRow
	Delta0  map[uint64]uint64
	Delta1  map[uint64]uint64
	CP0     uint64
	CP1     uint64
}

// bytesReadWeight is the per-row byte-accounting overhead spec.md §4.6
// step 6 uses while streaming rows to decide when to stop: len(state)+48.
const bytesReadWeight = 48

// Restore implements spec.md §4.6. It returns ok=false if no prior
// snapshot exists (checkpoints table absent), which is not an error.
func (s *Store) Restore(ctx context.Context, limit int64) (RestoreResult, bool, error) {
	exists, err := tableExists(ctx, s.db, "checkpoints")
	if err != nil {
		return RestoreResult{}, false, err
	}
	if !exists {
		return RestoreResult{}, false, nil
	}

	var cp0, cp1 uint64
	row := s.db.QueryRowContext(ctx, `SELECT cp0, cp1 FROM checkpoints WHERE id = 0`)
	switch err := row.Scan(&cp0, &cp1); {
	case err == nil:
		// fall through with cp0/cp1 populated
	case isNoRows(err):
		cp0, cp1 = 0, 0
	default:
		return RestoreResult{}, false, fmt.Errorf("snapshot: read checkpoints: %w", err)
	}

	objStateExists, err := tableExists(ctx, s.db, "object_state")
	if err != nil {
		return RestoreResult{}, false, err
	}
	if !objStateExists {
		return RestoreResult{Entries: nil, Delta0: map[uint64]uint64{}, Delta1: map[uint64]uint64{}, CP0: cp0, CP1: cp1}, true, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, version, frequency, state
		FROM object_state
		ORDER BY frequency DESC, version DESC
	`)
	if err != nil {
		return RestoreResult{}, false, fmt.Errorf("snapshot: enumerate object_state: %w", err)
	}
	defer rows.Close()

	delta0 := make(map[uint64]uint64)
	delta1 := make(map[uint64]uint64)
	var collected []IndexedRow
	var bytesRead int64

	for rows.Next() {
		var oid, version, freq uint64
		var state []byte
		if err := rows.Scan(&oid, &version, &freq, &state); err != nil {
			return RestoreResult{}, false, fmt.Errorf("snapshot: scan object_state row: %w", err)
		}

		var indexVersion uint64
		switch {
		case version >= cp0:
			indexVersion = version
			delta0[oid] = version
		case version >= cp1:
			indexVersion = version
			delta1[oid] = version
		default:
			indexVersion = cp0
		}

		collected = append(collected, IndexedRow{
			ObjectID:      oid,
			IndexVersion:  indexVersion,
			ActualVersion: version,
			State:         state,
			Frequency:     uint32(freq),
		})

		bytesRead += int64(len(state)) + bytesReadWeight
		if limit > 0 && bytesRead > limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return RestoreResult{}, false, fmt.Errorf("snapshot: read object_state: %w", err)
	}

	// Collected most-popular-first (within equal frequency, newest
	// first); reverse so bulk_update sees least-to-most recent/popular,
	// per spec.md §4.6 step 7.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}

	return RestoreResult{Entries: collected, Delta0: delta0, Delta1: delta1, CP0: cp0, CP1: cp1}, true, nil
}

func tableExists(ctx context.Context, db dbQuerier, name string) (bool, error) {
	var got string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, name,
	).Scan(&got)
	switch {
	case isNoRows(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("snapshot: check table %s: %w", name, err)
	default:
		return true, nil
	}
}
