// Package database provides storage backends for follows, cached posts and the
// synced snapshot.
package database

import (
	"context"
	"encoding/json"

	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Read when no document exists at a path.
var ErrNotFound = errors.New("document not found")

// Store is the persistent document store.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Path-addressed JSON documents (follow list, post lists, post bodies).
	Read(ctx context.Context, path string, v any) error
	Write(ctx context.Context, path string, v any) error

	// Engine-local state that never leaves this device (fetch records).
	LocalGet(ctx context.Context, key string, v any) (bool, error)
	LocalSet(ctx context.Context, key string, v any) error
}

// SyncedStore exchanges the synced snapshot with other devices.
type SyncedStore interface {
	ReadSynced(ctx context.Context, namespace string) (*model.Snapshot, error)
	// WriteSynced stores the records for changed ids; an empty list writes every record.
	WriteSynced(ctx context.Context, snap *model.Snapshot, namespace string, changed []string) error
	// MergeSyncedDelta returns the partial snapshot holding only the given ids.
	MergeSyncedDelta(ctx context.Context, namespace string, ids []string) (*model.Snapshot, error)
}

// Watcher is implemented by synced stores that deliver push notifications of
// records changed by other devices.
type Watcher interface {
	Watch(ctx context.Context, namespace string, fn func(ids []string)) error
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode document")
	}
	return string(b), nil
}

func decode(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return errors.Wrap(err, "decode document")
	}
	return nil
}

// recordsToWrite picks the records WriteSynced should persist.
func recordsToWrite(snap *model.Snapshot, changed []string) map[string]model.SyncedRecord {
	if len(changed) == 0 {
		return snap.Follows
	}
	out := make(map[string]model.SyncedRecord, len(changed))
	for _, id := range changed {
		if rec, ok := snap.Follows[id]; ok {
			out[id] = rec
		}
	}
	return out
}
