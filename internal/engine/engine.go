// Package engine keeps the followed sources current: it owns the follow store,
// polls stale follows, coordinates fetches and merges synced snapshots coming
// from other devices and imports.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/followsync/internal/cache"
	"github.com/bryan-buckman/followsync/internal/database"
	"github.com/bryan-buckman/followsync/internal/events"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
)

const (
	// SyncNamespace is the synced store namespace holding follows.
	SyncNamespace = "follows"

	followsPath = "/follows.json"
)

// Emitter receives outward events for the presentation layer.
type Emitter interface {
	Emit(ev events.Event)
}

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	PollInterval time.Duration
	MaxPerTick   int
	CacheSize    int
}

// Engine is the explicit context shared by the poller, the fetch coordinator and
// the sync merge. It is the only owner of the follow store.
type Engine struct {
	store  database.Store
	synced database.SyncedStore
	emit   Emitter

	follows *FollowStore
	coord   *Coordinator
	poller  *Poller
	cache   *cache.PostCache

	now func() time.Time

	// serializes persistence of the follow list and synced snapshot
	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store database.Store, synced database.SyncedStore, fetcher Fetcher, emit Emitter, opts Options) *Engine {
	e := &Engine{
		store:   store,
		synced:  synced,
		emit:    emit,
		follows: NewFollowStore(),
		coord:   NewCoordinator(fetcher, store, emit),
		now:     time.Now,
	}
	e.poller = newPoller(e, opts.PollInterval, opts.MaxPerTick)
	e.cache = cache.New(opts.CacheSize, e.loadPosts)
	e.cache.OnLoad(func(key string, value any) {
		e.emit.Emit(events.Replace("/posts/"+key, value))
	})
	return e
}

// Start loads saved state, runs a full sync against the synced store, subscribes
// to pushes when the synced store supports them and starts polling.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	var list []*model.Follow
	err := e.store.Read(ctx, followsPath, &list)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		e.cancel()
		return errors.Wrap(err, "load follows")
	}
	e.follows.Load(list)

	if err := e.coord.LoadRecords(ctx); err != nil {
		Logger.Log.WithError(err).Warnln("starting without fetch records")
	}
	e.emit.Emit(events.Replace("/all", e.follows.List()))
	e.emit.Emit(events.Replace("/updating", e.coord.Progress()))

	snap, err := e.synced.ReadSynced(ctx, SyncNamespace)
	if err != nil {
		Logger.Log.WithError(err).Warnln("cannot read synced follows, skipping startup sync")
	} else if report, err := e.Sync(ctx, snap, SyncFull); err != nil {
		Logger.Log.WithError(err).Warnln("startup sync failed")
	} else {
		Logger.Log.WithFields(report.Fields()).Infoln("startup sync done")
	}

	if w, ok := e.synced.(database.Watcher); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			err := w.Watch(ctx, SyncNamespace, func(ids []string) {
				if err := e.OnSync(ctx, ids); err != nil {
					Logger.Log.WithError(err).Warnln("push sync failed")
				}
			})
			if err != nil && ctx.Err() == nil {
				Logger.Log.WithError(err).Errorln("sync watch stopped")
			}
		}()
	}

	e.poller.Start(ctx)
	Logger.Log.WithField("follows", e.follows.Len()).Infoln("engine started")
	return nil
}

// Stop halts polling and push handling and waits for pending post loads.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.poller.Stop()
	e.wg.Wait()
	e.cache.Wait()
	Logger.Log.Infoln("engine stopped")
}

// Tick runs one poll tick immediately.
func (e *Engine) Tick(ctx context.Context) int {
	return e.poller.Tick(ctx)
}

func (e *Engine) Follows() []*model.Follow {
	return e.follows.List()
}

func (e *Engine) Follow(id string) (*model.Follow, bool) {
	return e.follows.Get(id)
}

func (e *Engine) Progress() map[string]model.ProgressEntry {
	return e.coord.Progress()
}

// LastFetch returns a copy of the follow's last successful fetch, or nil.
func (e *Engine) LastFetch(id string) *model.FetchRecord {
	return e.coord.LastFetch(id)
}

// SyncedSnapshot copies the synced projection.
func (e *Engine) SyncedSnapshot() *model.Snapshot {
	return e.follows.Snapshot()
}

// write saves the follow list and, when push is set, the synced records for the
// changed ids. Failures are logged only.
func (e *Engine) write(ctx context.Context, push bool, changed []string) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.store.Write(ctx, followsPath, e.follows.List()); err != nil {
		Logger.Log.WithError(err).Errorln("cannot save follows")
		return
	}
	if !push {
		return
	}
	if err := e.synced.WriteSynced(ctx, e.follows.Snapshot(), SyncNamespace, changed); err != nil {
		Logger.Log.WithError(err).WithField("changed", len(changed)).Errorln("cannot push synced follows")
	}
}

// --- Posts ---

// DetailKey is the cache key and document name of one post's full body.
func DetailKey(followID string, year int, postID string) string {
	return fmt.Sprintf("%s/%d/%s", followID, year, postID)
}

// Posts returns the cached post list of a follow. When it is not loaded yet a
// background load starts and a replace event for /posts/<id> follows.
func (e *Engine) Posts(id string) ([]model.Post, bool) {
	v, ok := e.cache.Get(id)
	if !ok {
		return nil, false
	}
	posts, _ := v.([]model.Post)
	return posts, true
}

// PostDetail is Posts for the full body of one post.
func (e *Engine) PostDetail(id string, year int, postID string) (*model.PostDetail, bool) {
	v, ok := e.cache.Get(DetailKey(id, year, postID))
	if !ok {
		return nil, false
	}
	d, _ := v.(*model.PostDetail)
	return d, d != nil
}

func (e *Engine) loadPosts(ctx context.Context, key string) (any, error) {
	path := "/feeds/" + key + ".json"
	if !strings.Contains(key, "/") {
		var doc model.FeedPosts
		if err := e.store.Read(ctx, path, &doc); err != nil {
			return nil, err
		}
		return doc.Posts, nil
	}
	var d model.PostDetail
	if err := e.store.Read(ctx, path, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func eventReplaceFollow(f *model.Follow) events.Event {
	return events.Replace("/all/"+f.ID, f)
}
