package snapshot

import (
	"context"
	"database/sql"
	"fmt"
)

// maxBatchParams mirrors the teacher's RowBatcher sizing rationale (named
// in original_source/local_client.py's write_to_sqlite): SQLite's default
// compiled-in limit is 999 bound parameters per statement, so batches are
// kept well under that regardless of how many columns a single row binds.
const maxBatchParams = 999

// rowParams is the number of bound parameters per inserted row
// (object_id, version, frequency, state).
const rowParams = 4

const maxBatchRows = maxBatchParams / rowParams

// Save implements spec.md §4.7: merge rows (already deduplicated and
// corruption-checked by the caller's "_items_to_write" pass) into the
// on-disk object_state table such that versions only ever advance, and
// persist checkpoints if cp0 advanced. Returns the count of rows written
// to the staging table.
func (s *Store) Save(ctx context.Context, rows []Row, checkpoints *[2]uint64, limit int64) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	written, err := s.stageRows(ctx, rows)
	if err != nil {
		return 0, err
	}

	if err := s.mergeStaged(ctx, checkpoints); err != nil {
		return 0, err
	}

	if err := s.trim(ctx, limit); err != nil {
		return 0, err
	}

	return written, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	// temp_state stages one Save's candidate rows. The Python ancestor
	// uses a connection-scoped TEMPORARY TABLE (a single raw connection
	// throughout); this module instead splits db/immediate across two
	// *sql.DB pools (see Store doc), so temp_state is an ordinary table,
	// cleared at the start of every stageRows, to stay visible across
	// both.
	stmts := []string{
		createObjectState,
		createCheckpoints,
		`CREATE TABLE IF NOT EXISTS temp_state (
			object_id INTEGER PRIMARY KEY,
			version   INTEGER NOT NULL,
			frequency INTEGER NOT NULL,
			state     BLOB
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("snapshot: create schema: %w", err)
		}
	}
	return nil
}

// stageRows runs spec.md §4.7 steps 3-5: snapshot stored (object_id,
// version) pairs, then stream candidate rows into temp_state, batched
// below the statement-variable limit, skipping rows that are no newer
// than what's already stored or whose state is a tombstone (spec.md §9:
// tombstones are accepted on read but excluded from writes).
func (s *Store) stageRows(ctx context.Context, rows []Row) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("snapshot: begin staging tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM temp_state`); err != nil {
		return 0, fmt.Errorf("snapshot: clear temp_state: %w", err)
	}

	stored := make(map[uint64]uint64)
	qrows, err := tx.QueryContext(ctx, `SELECT object_id, version FROM object_state`)
	if err != nil {
		return 0, fmt.Errorf("snapshot: read stored versions: %w", err)
	}
	for qrows.Next() {
		var oid, version uint64
		if err := qrows.Scan(&oid, &version); err != nil {
			qrows.Close()
			return 0, fmt.Errorf("snapshot: scan stored version: %w", err)
		}
		stored[oid] = version
	}
	if err := qrows.Err(); err != nil {
		qrows.Close()
		return 0, fmt.Errorf("snapshot: read stored versions: %w", err)
	}
	qrows.Close()

	var candidates []Row
	for _, r := range rows {
		if r.State == nil {
			continue
		}
		if storedVersion, ok := stored[r.ObjectID]; ok && storedVersion >= r.ActualVersion {
			continue
		}
		candidates = append(candidates, r)
	}

	written := 0
	for batchStart := 0; batchStart < len(candidates); batchStart += maxBatchRows {
		end := min(batchStart+maxBatchRows, len(candidates))
		batch := candidates[batchStart:end]

		query := "INSERT INTO temp_state (object_id, version, frequency, state) VALUES "
		args := make([]any, 0, len(batch)*rowParams)
		for i, r := range batch {
			if i > 0 {
				query += ", "
			}
			query += "(?, ?, ?, ?)"
			args = append(args, r.ObjectID, r.ActualVersion, r.Frequency, r.State)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("snapshot: stage batch: %w", err)
		}
		written += len(batch)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("snapshot: commit staging tx: %w", err)
	}
	return written, nil
}

// mergeStaged implements spec.md §4.7 steps 6-7: merge temp_state into
// object_state under an immediate-mode (exclusive-writer) transaction,
// using a single upsert statement where the driver's SQLite version
// supports it and a two-statement CTE fallback otherwise, then persist
// checkpoints the same way.
func (s *Store) mergeStaged(ctx context.Context, checkpoints *[2]uint64) error {
	tx, err := s.immediate.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: begin immediate tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	supportsUpsert, err := s.supportsUpsert(ctx)
	if err != nil {
		return err
	}

	if supportsUpsert {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO object_state (object_id, version, frequency, state)
			SELECT object_id, version, frequency, state FROM temp_state WHERE true
			ON CONFLICT(object_id) DO UPDATE SET
				version   = excluded.version,
				state     = excluded.state,
				frequency = excluded.frequency + object_state.frequency
			WHERE excluded.version > object_state.version
		`)
		if err != nil {
			return fmt.Errorf("snapshot: upsert merge: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			WITH newer_values AS (
				SELECT temp_state.* FROM temp_state
				JOIN object_state ON temp_state.object_id = object_state.object_id
				WHERE object_state.version < temp_state.version
			)
			UPDATE object_state
			SET (version, frequency, state) = (
				SELECT newer_values.version,
				       newer_values.frequency + object_state.frequency,
				       newer_values.state
				FROM newer_values WHERE newer_values.object_id = object_state.object_id
			)
			WHERE object_id IN (SELECT object_id FROM newer_values)
		`); err != nil {
			return fmt.Errorf("snapshot: fallback update merge: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO object_state (object_id, version, frequency, state)
			SELECT object_id, version, frequency, state FROM temp_state
			WHERE object_id NOT IN (SELECT object_id FROM object_state)
		`); err != nil {
			return fmt.Errorf("snapshot: fallback insert merge: %w", err)
		}
	}

	if checkpoints != nil {
		if err := s.mergeCheckpoints(ctx, tx, supportsUpsert, checkpoints[0], checkpoints[1]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: commit merge tx: %w", err)
	}
	return nil
}

func (s *Store) mergeCheckpoints(ctx context.Context, tx *sql.Tx, supportsUpsert bool, cp0, cp1 uint64) error {
	if supportsUpsert {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, cp0, cp1) VALUES (0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET cp0 = excluded.cp0, cp1 = excluded.cp1
			WHERE excluded.cp0 > cp0
		`, cp0, cp1)
		if err != nil {
			return fmt.Errorf("snapshot: upsert checkpoints: %w", err)
		}
		return nil
	}

	var existing0, existing1 uint64
	err := tx.QueryRowContext(ctx, `SELECT cp0, cp1 FROM checkpoints WHERE id = 0`).Scan(&existing0, &existing1)
	switch {
	case isNoRows(err):
		if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoints (id, cp0, cp1) VALUES (0, ?, ?)`, cp0, cp1); err != nil {
			return fmt.Errorf("snapshot: insert checkpoints: %w", err)
		}
	case err != nil:
		return fmt.Errorf("snapshot: read checkpoints for merge: %w", err)
	case existing0 < cp0:
		if _, err := tx.ExecContext(ctx, `UPDATE checkpoints SET cp0 = ?, cp1 = ? WHERE id = 0`, cp0, cp1); err != nil {
			return fmt.Errorf("snapshot: update checkpoints: %w", err)
		}
	}
	return nil
}

// supportsUpsert detects whether the linked SQLite understands
// ON CONFLICT ... DO UPDATE (3.24+; the teacher's Python ancestor checks
// 3.28 specifically for the WHERE-qualified form used here).
func (s *Store) supportsUpsert(ctx context.Context) (bool, error) {
	var version string
	if err := s.db.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&version); err != nil {
		return false, fmt.Errorf("snapshot: sqlite_version: %w", err)
	}
	var major, minor, patch int
	if _, err := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return false, nil // unknown format: fall back to the portable CTE path
	}
	if major > 3 {
		return true, nil
	}
	return major == 3 && minor >= 28, nil
}

// trim implements spec.md §4.7 step 9: if the snapshot exceeds limit,
// delete the coldest, oldest rows (by frequency, then version, then
// object_id) until it fits, and VACUUM if it was more than double the
// limit before trimming.
func (s *Store) trim(ctx context.Context, limit int64) error {
	if limit <= 0 {
		return nil
	}

	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(state)) FROM object_state`).Scan(&total); err != nil {
		return fmt.Errorf("snapshot: measure size: %w", err)
	}
	if !total.Valid || total.Int64 <= limit {
		return nil
	}

	tx, err := s.immediate.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: begin trim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if err := tx.QueryRowContext(ctx, `SELECT SUM(LENGTH(state)) FROM object_state`).Scan(&total); err != nil {
		return fmt.Errorf("snapshot: re-measure size: %w", err)
	}
	if !total.Valid || total.Int64 <= limit {
		return tx.Commit()
	}

	reallyBig := total.Int64 > limit*2
	byteCount := total.Int64

	rows, err := tx.QueryContext(ctx, `
		SELECT object_id, LENGTH(state) FROM object_state
		ORDER BY frequency ASC, version ASC, object_id ASC
	`)
	if err != nil {
		return fmt.Errorf("snapshot: enumerate trim candidates: %w", err)
	}
	var toDelete []uint64
	for rows.Next() {
		var oid uint64
		var size int64
		if err := rows.Scan(&oid, &size); err != nil {
			rows.Close()
			return fmt.Errorf("snapshot: scan trim candidate: %w", err)
		}
		toDelete = append(toDelete, oid)
		byteCount -= size
		if byteCount <= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("snapshot: enumerate trim candidates: %w", err)
	}
	rows.Close()

	for batchStart := 0; batchStart < len(toDelete); batchStart += maxBatchParams {
		end := min(batchStart+maxBatchParams, len(toDelete))
		batch := toDelete[batchStart:end]
		query := "DELETE FROM object_state WHERE object_id IN (" + placeholders(len(batch)) + ")"
		args := make([]any, len(batch))
		for i, oid := range batch {
			args[i] = oid
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("snapshot: delete trimmed rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: commit trim tx: %w", err)
	}

	if reallyBig {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return fmt.Errorf("snapshot: vacuum: %w", err)
		}
	}
	return nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
