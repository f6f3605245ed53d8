// Package syncstore exchanges the synced snapshot between devices through Redis.
//
// Records of a namespace live in the hash "sync:<ns>" keyed by follow id. The
// snapshot settings and page index live in "sync:<ns>:meta". Every write
// publishes the changed ids on "sync:<ns>:changes" so other devices can pull
// just those records.
package syncstore

import (
	"context"
	"encoding/json"

	"github.com/bryan-buckman/followsync/internal/database"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	metaSettings = "settings"
	metaIndex    = "index"
)

// Store is a database.SyncedStore and database.Watcher backed by Redis.
type Store struct {
	client *redis.Client
	device string
}

var (
	_ database.SyncedStore = (*Store)(nil)
	_ database.Watcher     = (*Store)(nil)
)

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Device identifies this process in change notifications so it can skip
	// its own writes.
	Device string
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", opts.Addr)
	}
	return &Store{client: client, device: opts.Device}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func recordsKey(ns string) string { return "sync:" + ns }
func metaKey(ns string) string    { return "sync:" + ns + ":meta" }
func changesKey(ns string) string { return "sync:" + ns + ":changes" }

// change is the payload published after every write.
type change struct {
	Device string   `json:"device"`
	IDs    []string `json:"ids"`
}

func encodeChange(device string, ids []string) (string, error) {
	b, err := json.Marshal(change{Device: device, IDs: ids})
	if err != nil {
		return "", errors.Wrap(err, "encode change")
	}
	return string(b), nil
}

// decodeChange returns the ids of a change published by another device, or
// nil for our own changes.
func decodeChange(device, payload string) ([]string, error) {
	var c change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, errors.Wrap(err, "decode change")
	}
	if c.Device == device {
		return nil, nil
	}
	return c.IDs, nil
}

func (s *Store) ReadSynced(ctx context.Context, ns string) (*model.Snapshot, error) {
	raw, err := s.client.HGetAll(ctx, recordsKey(ns)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read synced records")
	}
	snap := model.NewSnapshot()
	for id, body := range raw {
		var rec model.SyncedRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode synced record %s", id)
		}
		snap.Follows[id] = rec
	}
	if err := s.readMeta(ctx, ns, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) readMeta(ctx context.Context, ns string, snap *model.Snapshot) error {
	vals, err := s.client.HMGet(ctx, metaKey(ns), metaSettings, metaIndex).Result()
	if err != nil {
		return errors.Wrap(err, "read synced meta")
	}
	if body, ok := vals[0].(string); ok && body != "" {
		if err := json.Unmarshal([]byte(body), &snap.Settings); err != nil {
			return errors.Wrap(err, "decode synced settings")
		}
	}
	if body, ok := vals[1].(string); ok && body != "" {
		if err := json.Unmarshal([]byte(body), &snap.Index); err != nil {
			return errors.Wrap(err, "decode synced index")
		}
	}
	return nil
}

// WriteSynced stores the changed records and the snapshot meta in one
// transaction, then announces the ids. With no changed ids every record is
// written and the announcement names all of them.
func (s *Store) WriteSynced(ctx context.Context, snap *model.Snapshot, ns string, changed []string) error {
	recs := make(map[string]any)
	ids := changed
	if len(changed) == 0 {
		ids = make([]string, 0, len(snap.Follows))
		for id := range snap.Follows {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		rec, ok := snap.Follows[id]
		if !ok {
			continue
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "encode synced record %s", id)
		}
		recs[id] = string(b)
	}

	meta := make(map[string]any, 2)
	if snap.Settings != nil {
		b, err := json.Marshal(snap.Settings)
		if err != nil {
			return errors.Wrap(err, "encode synced settings")
		}
		meta[metaSettings] = string(b)
	}
	if len(snap.Index) > 0 {
		b, err := json.Marshal(snap.Index)
		if err != nil {
			return errors.Wrap(err, "encode synced index")
		}
		meta[metaIndex] = string(b)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(recs) > 0 {
			pipe.HSet(ctx, recordsKey(ns), recs)
		}
		if len(meta) > 0 {
			pipe.HSet(ctx, metaKey(ns), meta)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "write synced records")
	}
	if len(recs) == 0 {
		return nil
	}

	payload, err := encodeChange(s.device, ids)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, changesKey(ns), payload).Err(); err != nil {
		// the records are stored; peers pick them up on their next full sync
		Logger.Log.WithError(err).WithField("namespace", ns).Warnln("Failed to announce synced change")
	}
	return nil
}

func (s *Store) MergeSyncedDelta(ctx context.Context, ns string, ids []string) (*model.Snapshot, error) {
	snap := model.NewSnapshot()
	if len(ids) == 0 {
		return snap, nil
	}
	vals, err := s.client.HMGet(ctx, recordsKey(ns), ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read synced delta")
	}
	for i, v := range vals {
		body, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.SyncedRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode synced record %s", ids[i])
		}
		snap.Follows[ids[i]] = rec
	}
	if err := s.readMeta(ctx, ns, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Watch calls fn with the ids changed by other devices until ctx is done.
func (s *Store) Watch(ctx context.Context, ns string, fn func(ids []string)) error {
	sub := s.client.Subscribe(ctx, changesKey(ns))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe to synced changes")
	}

	log := Logger.Log.WithFields(logrus.Fields{"namespace": ns, "device": s.device})
	log.Infoln("Watching synced changes")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ids, err := decodeChange(s.device, msg.Payload)
			if err != nil {
				log.WithError(err).Warnln("Ignoring malformed change notification")
				continue
			}
			if len(ids) > 0 {
				fn(ids)
			}
		}
	}
}
