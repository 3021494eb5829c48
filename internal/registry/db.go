// Package registry provides persistent storage for the small per-VM
// recovery record replayed on aegisd startup. Uses pure-Go SQLite
// (modernc.org/sqlite) — no cgo required.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database holding recovery records.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS recovery_records (
			vm_id      TEXT PRIMARY KEY,
			params     TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// Record is the opaque recovery record persisted for a VM. Params holds
// the original VM.create RPC parameters, serialized as-is so replay can
// resubmit them without the registry understanding their shape.
type Record struct {
	VMID   string
	Params json.RawMessage
}

// Put persists (or overwrites) the recovery record for a VM.
func (d *DB) Put(r Record) error {
	_, err := d.db.Exec(`
		INSERT INTO recovery_records (vm_id, params, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(vm_id) DO UPDATE SET params = excluded.params, updated_at = datetime('now')
	`, r.VMID, string(r.Params))
	return err
}

// Delete removes the recovery record for a VM, typically once it reaches
// a terminal state and no longer needs to be replayed on restart.
func (d *DB) Delete(vmID string) error {
	_, err := d.db.Exec(`DELETE FROM recovery_records WHERE vm_id = ?`, vmID)
	return err
}

// All returns every persisted recovery record, for replay at startup.
// Records that fail to deserialize are skipped, not fatal to the scan —
// callers are expected to log and continue.
func (d *DB) All() ([]Record, error) {
	rows, err := d.db.Query(`SELECT vm_id, params FROM recovery_records`)
	if err != nil {
		return nil, fmt.Errorf("query recovery records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var vmID, params string
		if err := rows.Scan(&vmID, &params); err != nil {
			continue
		}
		records = append(records, Record{VMID: vmID, Params: json.RawMessage(params)})
	}
	return records, rows.Err()
}
