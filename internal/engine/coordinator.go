package engine

import (
	"context"
	"maps"
	"math/rand"
	"sync"
	"time"

	"github.com/bryan-buckman/followsync/internal/database"
	"github.com/bryan-buckman/followsync/internal/events"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
)

// fetchedKey is the local state key holding the fetch records.
const fetchedKey = "fetched"

// Fetcher retrieves a follow's source and updates f in place. A result with
// feed candidates means the URL led to several feeds and f was left untouched.
type Fetcher interface {
	Fetch(ctx context.Context, f *model.Follow, last *model.FetchRecord) (*model.FetchResult, error)
}

// Coordinator runs fetches, keeping at most one in flight per follow, and
// records when each follow was last fetched.
type Coordinator struct {
	fetcher Fetcher
	store   database.Store
	emit    Emitter
	now     func() time.Time
	rand    func() float64

	mu       sync.Mutex
	fetched  map[string]model.FetchRecord
	updating map[string]model.ProgressEntry

	// serializes writes of the fetch records
	persistMu sync.Mutex
}

func NewCoordinator(fetcher Fetcher, store database.Store, emit Emitter) *Coordinator {
	return &Coordinator{
		fetcher:  fetcher,
		store:    store,
		emit:     emit,
		now:      time.Now,
		rand:     rand.Float64,
		fetched:  make(map[string]model.FetchRecord),
		updating: make(map[string]model.ProgressEntry),
	}
}

// LoadRecords restores fetch records saved by an earlier run.
func (c *Coordinator) LoadRecords(ctx context.Context) error {
	recs := map[string]model.FetchRecord{}
	ok, err := c.store.LocalGet(ctx, fetchedKey, &recs)
	if err != nil {
		return errors.Wrap(err, "load fetch records")
	}
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.fetched = recs
	c.mu.Unlock()
	return nil
}

// LastFetch returns a copy of the last fetch record for id, or nil.
func (c *Coordinator) LastFetch(id string) *model.FetchRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.fetched[id]
	if !ok {
		return nil
	}
	return &rec
}

// InFlight reports whether a fetch for id has started and not finished.
func (c *Coordinator) InFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.updating[id]
	return ok && !p.Done
}

// Progress copies the progress map.
func (c *Coordinator) Progress() map[string]model.ProgressEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.updating)
}

// Begin marks ids in flight and returns the ones it claimed. Ids another fetch
// already holds are left alone and are not returned; the caller must neither
// fetch them nor Finish them.
func (c *Coordinator) Begin(ids []string) []string {
	c.mu.Lock()
	now := c.now()
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.updating[id]; ok && !p.Done {
			continue
		}
		c.updating[id] = model.ProgressEntry{StartedAt: now}
		claimed = append(claimed, id)
	}
	progress := maps.Clone(c.updating)
	c.mu.Unlock()

	if len(claimed) > 0 {
		c.emit.Emit(events.Replace("/updating", progress))
	}
	return claimed
}

// Finish marks ids done. Once every entry is done the map is cleared. Only ids
// the caller claimed may be passed.
func (c *Coordinator) Finish(ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		if p, ok := c.updating[id]; ok {
			p.Done = true
			c.updating[id] = p
		}
	}
	c.clearIfDone()
	progress := maps.Clone(c.updating)
	c.mu.Unlock()

	c.emit.Emit(events.Replace("/updating", progress))
}

// claim marks id in flight unless it already is. Caller must not hold mu.
func (c *Coordinator) claim(id string) error {
	c.mu.Lock()
	if p, ok := c.updating[id]; ok && !p.Done {
		c.mu.Unlock()
		return errors.Wrap(ErrFetchInFlight, id)
	}
	c.updating[id] = model.ProgressEntry{StartedAt: c.now()}
	progress := maps.Clone(c.updating)
	c.mu.Unlock()

	c.emit.Emit(events.Replace("/updating", progress))
	return nil
}

func (c *Coordinator) clearIfDone() {
	for _, p := range c.updating {
		if !p.Done {
			return
		}
	}
	clear(c.updating)
}

// FetchFeed fetches f, assigning its id from the URL when unset. It fails with
// ErrFetchInFlight if another fetch of the same follow is running.
func (c *Coordinator) FetchFeed(ctx context.Context, f *model.Follow, last *model.FetchRecord) (*model.FetchResult, error) {
	if f.ID == "" {
		f.ID = model.FollowID(f.URL)
	}
	if err := c.claim(f.ID); err != nil {
		return nil, err
	}
	defer c.Finish([]string{f.ID})

	return c.fetch(ctx, f, last)
}

// FetchClaimed fetches a follow whose id the caller claimed through Begin.
// The caller remains responsible for Finish.
func (c *Coordinator) FetchClaimed(ctx context.Context, f *model.Follow, last *model.FetchRecord) (*model.FetchResult, error) {
	if f.ID == "" {
		f.ID = model.FollowID(f.URL)
	}
	return c.fetch(ctx, f, last)
}

func (c *Coordinator) fetch(ctx context.Context, f *model.Follow, last *model.FetchRecord) (*model.FetchResult, error) {
	res, err := c.fetcher.Fetch(ctx, f, last)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", f.URL)
	}
	if res == nil {
		res = &model.FetchResult{}
	}
	c.markFetched(ctx, f.ID, res)
	return res, nil
}

func (c *Coordinator) markFetched(ctx context.Context, id string, res *model.FetchResult) {
	c.mu.Lock()
	c.fetched[id] = model.FetchRecord{
		At:           c.now(),
		DelayFactor:  0.5 + c.rand()*0.5,
		Status:       res.Status,
		ETag:         res.ETag,
		LastModified: res.LastModified,
	}
	c.mu.Unlock()

	c.persist(ctx)
}

func (c *Coordinator) persist(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	recs := maps.Clone(c.fetched)
	c.mu.Unlock()

	if err := c.store.LocalSet(ctx, fetchedKey, recs); err != nil {
		Logger.Log.WithError(err).Errorln("cannot save fetch records")
	}
}
