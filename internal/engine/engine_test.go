package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bryan-buckman/followsync/internal/database"
	"github.com/bryan-buckman/followsync/internal/events"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store and SyncedStore.
type memStore struct {
	mu     sync.Mutex
	docs   map[string][]byte
	local  map[string][]byte
	synced map[string]model.SyncedRecord
	pushes [][]string
}

func newMemStore() *memStore {
	return &memStore{
		docs:   map[string][]byte{},
		local:  map[string][]byte{},
		synced: map[string]model.SyncedRecord{},
	}
}

func (m *memStore) Close() error         { return nil }
func (m *memStore) DatabaseType() string { return "memory" }

func (m *memStore) Read(ctx context.Context, path string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[path]
	if !ok {
		return database.ErrNotFound
	}
	return json.Unmarshal(b, v)
}

func (m *memStore) Write(ctx context.Context, path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memStore) LocalGet(ctx context.Context, key string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.local[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (m *memStore) LocalSet(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.local[key] = b
	m.mu.Unlock()
	return nil
}

func (m *memStore) ReadSynced(ctx context.Context, ns string) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := model.NewSnapshot()
	for id, rec := range m.synced {
		snap.Follows[id] = rec
	}
	return snap, nil
}

func (m *memStore) WriteSynced(ctx context.Context, snap *model.Snapshot, ns string, changed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, append([]string(nil), changed...))
	if len(changed) == 0 {
		for id, rec := range snap.Follows {
			m.synced[id] = rec
		}
		return nil
	}
	for _, id := range changed {
		if rec, ok := snap.Follows[id]; ok {
			m.synced[id] = rec
		}
	}
	return nil
}

func (m *memStore) MergeSyncedDelta(ctx context.Context, ns string, ids []string) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := model.NewSnapshot()
	for _, id := range ids {
		if rec, ok := m.synced[id]; ok {
			snap.Follows[id] = rec
		}
	}
	return snap, nil
}

func (m *memStore) pushed() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.pushes...)
}

// fakeFetcher answers by follow URL.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*model.FetchResult
	errs    map[string]error
	// gate, when set, blocks every fetch until closed.
	gate              chan struct{}
	active, maxActive int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: map[string]*model.FetchResult{}, errs: map[string]error{}}
}

func (ff *fakeFetcher) Fetch(ctx context.Context, f *model.Follow, last *model.FetchRecord) (*model.FetchResult, error) {
	ff.mu.Lock()
	ff.calls = append(ff.calls, f.URL)
	ff.active++
	if ff.active > ff.maxActive {
		ff.maxActive = ff.active
	}
	gate := ff.gate
	res, err := ff.results[f.URL], ff.errs[f.URL]
	ff.mu.Unlock()

	if gate != nil {
		<-gate
	}

	ff.mu.Lock()
	ff.active--
	ff.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if res != nil && (res.Ambiguous() || res.NotModified()) {
		return res, nil
	}
	if f.FeedURL == "" {
		f.FeedURL = f.URL
	}
	f.ActualTitle = "fetched " + f.URL
	f.Posts = []model.Post{{ID: "p1", Title: "post"}}
	if res == nil {
		res = &model.FetchResult{Status: 200}
	}
	return res, nil
}

func (ff *fakeFetcher) callCount() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.calls)
}

func (ff *fakeFetcher) called() []string {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]string(nil), ff.calls...)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) find(op events.Op, path string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Op == op && (path == "" || ev.Path == path) {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	engine  *Engine
	store   *memStore
	fetcher *fakeFetcher
	events  *recorder
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		fetcher: newFakeFetcher(),
		events:  &recorder{},
		clock:   &clock{t: t0},
	}
	h.engine = New(h.store, h.store, h.fetcher, h.events, Options{PollInterval: time.Hour})
	h.engine.now = h.clock.Now
	h.engine.coord.now = h.clock.Now
	h.engine.coord.rand = func() float64 { return 0.5 }
	return h
}

// seed puts follows in the store as if they had been loaded.
func (h *harness) seed(follows ...*model.Follow) {
	h.engine.follows.Load(follows)
}

func follow(url string, editedAt time.Time) *model.Follow {
	return &model.Follow{ID: model.FollowID(url), URL: url, FeedURL: url, EditedAt: editedAt}
}

func TestStartLoadsStateAndRunsFullSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	local := follow("http://local.example", t0)
	require.NoError(t, h.store.Write(ctx, followsPath, []*model.Follow{local}))
	require.NoError(t, h.store.LocalSet(ctx, fetchedKey, map[string]model.FetchRecord{
		local.ID: {At: t0, DelayFactor: 1},
	}))
	remote := "http://remote.example"
	h.store.synced[model.FollowID(remote)] = model.SyncedRecord{URL: remote, Tags: []string{"news"}, EditedAt: t0}

	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	assert.Equal(t, 2, len(h.engine.Follows()))
	got, ok := h.engine.Follow(model.FollowID(remote))
	require.True(t, ok)
	assert.Equal(t, []string{"news"}, got.Tags)
	assert.Equal(t, "fetched "+remote, got.ActualTitle)

	// the local follow was missing remotely and is pushed back out
	assert.Contains(t, h.store.synced, local.ID)
	require.NotNil(t, h.engine.coord.LastFetch(local.ID))
	assert.NotEmpty(t, h.events.find(events.OpReplace, "/all"))
	assert.Empty(t, h.engine.Progress(), "progress clears once the sync finishes")
}

func TestStartFailsOnUnreadableFollows(t *testing.T) {
	h := newHarness(t)
	h.store.docs[followsPath] = []byte("{not json")
	err := h.engine.Start(context.Background())
	assert.Error(t, err)
}

func TestPostsLoadThroughCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	posts := []model.Post{{ID: "p1", Title: "one", PublishedAt: t0}}
	require.NoError(t, h.store.Write(ctx, "/feeds/a.json", model.FeedPosts{Posts: posts}))
	require.NoError(t, h.store.Write(ctx, "/feeds/a/2024/p1.json", model.PostDetail{ID: "p1", Content: "body"}))

	_, ok := h.engine.Posts("a")
	assert.False(t, ok, "first access starts a load")
	h.engine.cache.Wait()

	got, ok := h.engine.Posts("a")
	require.True(t, ok)
	assert.Equal(t, "one", got[0].Title)
	assert.Len(t, h.events.find(events.OpReplace, "/posts/a"), 1)

	_, ok = h.engine.PostDetail("a", 2024, "p1")
	assert.False(t, ok)
	h.engine.cache.Wait()
	d, ok := h.engine.PostDetail("a", 2024, "p1")
	require.True(t, ok)
	assert.Equal(t, "body", d.Content)

	// a missing document leaves the placeholder
	_, ok = h.engine.Posts("missing")
	h.engine.cache.Wait()
	assert.False(t, ok)
	_, ok = h.engine.Posts("missing")
	assert.False(t, ok)
}

var errBoom = errors.New("boom")
