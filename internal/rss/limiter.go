package rss

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/bryan-buckman/followsync/internal/model"
)

// Per-host politeness settings.
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single host
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum gap between requests to one host
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// hostSlot is the request state of one host.
type hostSlot struct {
	sem  chan struct{}
	last time.Time
}

// hostGate spaces out requests per host. Hosts are keyed the way follow ids
// are derived, so "Example.com:80" and "example.com" share a slot.
type hostGate struct {
	mu    sync.Mutex
	hosts map[string]*hostSlot
	delay time.Duration
	now   func() time.Time
}

func newHostGate(delay time.Duration) *hostGate {
	return &hostGate{
		hosts: make(map[string]*hostSlot),
		delay: delay,
		now:   time.Now,
	}
}

func (g *hostGate) slot(host string) *hostSlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.hosts[host]
	if !ok {
		s = &hostSlot{sem: make(chan struct{}, MaxConcurrencyPerDomain)}
		g.hosts[host] = s
	}
	return s
}

// wait blocks until a request to target's host may start. The returned
// function must be called when the request is done.
func (g *hostGate) wait(ctx context.Context, target string) (func(), error) {
	host := hostKey(target)
	s := g.slot(host)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	var gap time.Duration
	if !s.last.IsZero() {
		gap = g.delay - g.now().Sub(s.last)
	}
	g.mu.Unlock()

	if gap > 0 {
		t := time.NewTimer(gap)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			<-s.sem
			return nil, ctx.Err()
		}
	}

	return func() {
		g.mu.Lock()
		s.last = g.now()
		g.mu.Unlock()
		<-s.sem
	}, nil
}

// hostKey is the normalized host of rawURL, or rawURL itself when it does not
// parse.
func hostKey(rawURL string) string {
	norm, err := model.NormalizeURL(rawURL)
	if err != nil {
		return rawURL
	}
	u, err := url.Parse(norm)
	if err != nil {
		return norm
	}
	return u.Host
}
