// Package database provides SQLite storage for follows and the synced snapshot.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

var (
	_ Store       = (*DB)(nil)
	_ SyncedStore = (*DB)(nil)
)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "set wal mode")
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS local_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS synced_records (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		record TEXT NOT NULL,
		PRIMARY KEY (namespace, id)
	);
	CREATE TABLE IF NOT EXISTS synced_meta (
		namespace TEXT PRIMARY KEY,
		settings TEXT NOT NULL DEFAULT '{}',
		idx TEXT NOT NULL DEFAULT '{}'
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Documents ---

// Read decodes the document at path into v.
func (db *DB) Read(ctx context.Context, path string, v any) error {
	var body string
	err := db.conn.QueryRowContext(ctx, "SELECT body FROM documents WHERE path = ?", path).Scan(&body)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return decode(body, v)
}

// Write stores v as the document at path.
func (db *DB) Write(ctx context.Context, path string, v any) error {
	body, err := encode(v)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO documents (path, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		path, body, time.Now().UTC())
	return errors.Wrapf(err, "write %s", path)
}

// --- Local state ---

// LocalGet decodes the local value for key into v and reports whether it existed.
func (db *DB) LocalGet(ctx context.Context, key string, v any) (bool, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM local_state WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "local get %s", key)
	}
	return true, decode(val, v)
}

// LocalSet saves a local value.
func (db *DB) LocalSet(ctx context.Context, key string, v any) error {
	val, err := encode(v)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO local_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, val)
	return errors.Wrapf(err, "local set %s", key)
}

// --- Synced snapshot ---

// ReadSynced loads the whole synced snapshot of a namespace.
func (db *DB) ReadSynced(ctx context.Context, namespace string) (*model.Snapshot, error) {
	snap := model.NewSnapshot()
	if err := db.readMeta(ctx, namespace, snap); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, "SELECT id, record FROM synced_records WHERE namespace = ?", namespace)
	if err != nil {
		return nil, errors.Wrap(err, "read synced records")
	}
	defer rows.Close()
	if err := scanRecords(rows, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// WriteSynced persists the records for the changed ids plus settings and index.
func (db *DB) WriteSynced(ctx context.Context, snap *model.Snapshot, namespace string, changed []string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin synced write")
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO synced_records (namespace, id, record) VALUES (?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET record = excluded.record`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare synced write")
	}
	defer stmt.Close()
	for id, rec := range recordsToWrite(snap, changed) {
		body, err := encode(rec)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, namespace, id, body); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "write synced record %s", id)
		}
	}
	settings, idx, err := encodeMeta(snap)
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO synced_meta (namespace, settings, idx) VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET settings = excluded.settings, idx = excluded.idx`,
		namespace, settings, idx); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "write synced meta")
	}
	return tx.Commit()
}

// MergeSyncedDelta returns a snapshot holding the stored records for ids.
func (db *DB) MergeSyncedDelta(ctx context.Context, namespace string, ids []string) (*model.Snapshot, error) {
	snap := model.NewSnapshot()
	for _, id := range ids {
		var body string
		err := db.conn.QueryRowContext(ctx,
			"SELECT record FROM synced_records WHERE namespace = ? AND id = ?", namespace, id).Scan(&body)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read synced record %s", id)
		}
		var rec model.SyncedRecord
		if err := decode(body, &rec); err != nil {
			return nil, err
		}
		snap.Follows[id] = rec
	}
	return snap, nil
}

func (db *DB) readMeta(ctx context.Context, namespace string, snap *model.Snapshot) error {
	var settings, idx string
	err := db.conn.QueryRowContext(ctx,
		"SELECT settings, idx FROM synced_meta WHERE namespace = ?", namespace).Scan(&settings, &idx)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read synced meta")
	}
	return decodeMeta(settings, idx, snap)
}

func scanRecords(rows *sql.Rows, snap *model.Snapshot) error {
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return errors.Wrap(err, "scan synced record")
		}
		var rec model.SyncedRecord
		if err := decode(body, &rec); err != nil {
			return err
		}
		snap.Follows[id] = rec
	}
	return rows.Err()
}

func encodeMeta(snap *model.Snapshot) (string, string, error) {
	settings := snap.Settings
	if settings == nil {
		settings = &model.Settings{}
	}
	s, err := encode(settings)
	if err != nil {
		return "", "", err
	}
	idx := snap.Index
	if idx == nil {
		idx = map[string]json.RawMessage{}
	}
	i, err := encode(idx)
	if err != nil {
		return "", "", err
	}
	return s, i, nil
}

func decodeMeta(settings, idx string, snap *model.Snapshot) error {
	if err := decode(settings, snap.Settings); err != nil {
		return err
	}
	return decode(idx, &snap.Index)
}
