package engine

import (
	"context"
	"sync"
	"time"

	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxPerTick   = 5
)

// Poller refreshes stale follows on a fixed-delay loop: the next tick is armed
// only after the previous tick's batch has settled, so ticks never overlap.
type Poller struct {
	engine     *Engine
	interval   time.Duration
	maxPerTick int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPoller(e *Engine, interval time.Duration, maxPerTick int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxPerTick < 1 {
		maxPerTick = DefaultMaxPerTick
	}
	return &Poller{
		engine:     e,
		interval:   interval,
		maxPerTick: maxPerTick,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.interval):
			}

			if n := p.Tick(ctx); n > 0 {
				Logger.Log.WithField("dispatched", n).Debugln("poll tick")
			}
		}
	}()
}

// Stop stops the poller and waits for the current tick to settle. It is safe to
// call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Tick fetches up to maxPerTick stale follows concurrently and waits for all of
// them. It returns the number dispatched; failures count against the cap.
func (p *Poller) Tick(ctx context.Context) int {
	e := p.engine
	now := e.now()

	var g errgroup.Group
	g.SetLimit(p.maxPerTick)

	dispatched := 0
	for _, id := range e.follows.IDs() {
		if dispatched >= p.maxPerTick {
			break
		}
		if e.coord.InFlight(id) {
			continue
		}
		f, ok := e.follows.Get(id)
		if !ok {
			continue
		}
		last := e.coord.LastFetch(id)
		if !IsStale(f, last, now) {
			continue
		}

		dispatched++
		g.Go(func() error {
			p.poll(ctx, f, last)
			return nil
		})
	}
	g.Wait()
	return dispatched
}

func (p *Poller) poll(ctx context.Context, f *model.Follow, last *model.FetchRecord) {
	e := p.engine
	log := Logger.Log.WithField("follow", f.ID)

	res, err := e.coord.FetchFeed(ctx, f, last)
	if err != nil {
		if errors.Is(err, ErrFetchInFlight) {
			log.Debugln("skipping follow: fetch in flight")
		} else {
			log.WithError(err).Warnln("scheduled fetch failed")
		}
		return
	}
	if res.NotModified() {
		return
	}
	if res.Ambiguous() {
		log.WithField("feeds", len(res.Feeds)).Warnln("follow now resolves to several feeds")
		return
	}

	if !e.follows.Replace(f) {
		// removed while fetching
		return
	}
	e.cache.Remove(f.ID)
	e.emit.Emit(eventReplaceFollow(f))
	e.write(ctx, false, nil)
}
