// Package snapshot implements spec.md §4.6/§4.7's bidirectional
// persistence protocol against an embedded SQLite file: the object_state
// and checkpoints tables of spec.md §6.3, the merge-with-concurrent-writer
// upsert (or CTE fallback) dialect switch, and the trim/vacuum pass.
//
// Grounded on original_source/src/relstorage/cache/local_client.py's
// read_from_sqlite/write_to_sqlite (the Python implementation spec.md was
// distilled from), reimplemented idiomatically against Go's database/sql
// with the mattn/go-sqlite3 driver rather than Python's sqlite3/APSW.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// Row is one object's cached state as exchanged with the Bucket: the
// object ID, the exact version that produced State, State itself (nil is
// a legal tombstone, but is never written to the snapshot per spec.md
// §9), and an approximate access frequency.
type Row struct {
	ObjectID      uint64
	ActualVersion uint64
	State         []byte
	Frequency     uint32
}

// Store is an opened handle to one cache's snapshot file. Two *sql.DB
// handles point at the same file: db for ordinary (deferred) work, and
// immediate for the exclusive-writer transactions spec.md §4.7 calls
// "BEGIN IMMEDIATE" (taking the write lock early so concurrent savers
// queue rather than racing). mattn/go-sqlite3 only exposes that lock mode
// through a connection-string flag, not a per-Tx option, hence the
// second handle.
type Store struct {
	db        *sql.DB
	immediate *sql.DB
	path      string
}

// Path returns <dir>/<prefix>cache.db, the file a Cache with this dir and
// prefix would snapshot to (spec.md §6.1: prefix "scopes the snapshot
// file so multiple caches can coexist in one directory").
func Path(dir, prefix string) string {
	return filepath.Join(dir, prefix+"cache.db")
}

// Open opens (creating if absent) the SQLite file at Path(dir, prefix).
// If overwrite is true, the database is truncated first.
func Open(ctx context.Context, dir, prefix string, overwrite bool) (*Store, error) {
	path := Path(dir, prefix)
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one writer at a time; spec.md §5 relies on the store's own locking, not ours
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}

	immediate, err := sql.Open("sqlite3", dsn+"&_txlock=immediate")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	immediate.SetMaxOpenConns(1)

	if overwrite {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS object_state`); err != nil {
			db.Close()
			immediate.Close()
			return nil, fmt.Errorf("snapshot: overwrite %s: %w", path, err)
		}
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS checkpoints`); err != nil {
			db.Close()
			immediate.Close()
			return nil, fmt.Errorf("snapshot: overwrite %s: %w", path, err)
		}
	}

	return &Store{db: db, immediate: immediate, path: path}, nil
}

// Close releases the underlying database handles.
func (s *Store) Close() error {
	err1 := s.db.Close()
	err2 := s.immediate.Close()
	if err1 != nil {
		return fmt.Errorf("snapshot: close %s: %w", s.path, err1)
	}
	if err2 != nil {
		return fmt.Errorf("snapshot: close %s: %w", s.path, err2)
	}
	return nil
}

// Path returns the filesystem path this Store was opened against.
func (s *Store) Path() string { return s.path }

// Reset drops the object_state and checkpoints tables, so the next Save
// starts from an empty snapshot. Used by Cache.Save(overwrite=true).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS object_state`); err != nil {
		return fmt.Errorf("snapshot: reset %s: %w", s.path, err)
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS checkpoints`); err != nil {
		return fmt.Errorf("snapshot: reset %s: %w", s.path, err)
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS temp_state`); err != nil {
		return fmt.Errorf("snapshot: reset %s: %w", s.path, err)
	}
	return nil
}

const createObjectState = `
CREATE TABLE IF NOT EXISTS object_state (
	object_id INTEGER PRIMARY KEY,
	version   INTEGER NOT NULL,
	frequency INTEGER NOT NULL,
	state     BLOB
)`

const createCheckpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id  INTEGER PRIMARY KEY,
	cp0 INTEGER,
	cp1 INTEGER
)`

// dbQuerier is the sliver of *sql.DB / *sql.Tx that tableExists needs,
// so the same helper serves both the reader (plain *sql.DB) and the
// writer (inside a *sql.Tx).
type dbQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
