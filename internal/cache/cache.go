// Package cache holds recently viewed post lists and post bodies in memory.
package cache

import (
	"context"
	"sync"

	Logger "github.com/bryan-buckman/followsync/internal/log"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 1000

// Loader reads the value for key from persistent storage.
type Loader func(ctx context.Context, key string) (any, error)

type entry struct {
	key    string
	value  any
	loaded bool

	prev, next *entry
}

// PostCache is a fixed-capacity LRU cache. Keys are "<followID>" for a post list and
// "<followID>/<year>/<postID>" for a post body.
//
// A miss inserts an empty placeholder and loads the value in the background, so
// concurrent misses on one key start a single load. A failed load leaves the
// placeholder until it is evicted.
type PostCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry
	// head is the most recently used entry, tail the least.
	head, tail *entry

	load   Loader
	onLoad func(key string, value any)
	wg     sync.WaitGroup
}

func New(capacity int, load Loader) *PostCache {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &PostCache{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		load:     load,
	}
}

// OnLoad registers fn to run after each successful background load.
func (c *PostCache) OnLoad(fn func(key string, value any)) {
	c.mu.Lock()
	c.onLoad = fn
	c.mu.Unlock()
}

// Get returns the cached value for key and whether it has been loaded.
// Every call promotes key to most recently used.
func (c *PostCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.moveToFront(e)
		return e.value, e.loaded
	}

	e := &entry{key: key}
	c.insert(e)
	if c.load != nil {
		c.wg.Add(1)
		go c.fill(e)
	}
	return nil, false
}

// Put stores a loaded value for key.
func (c *PostCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value, e.loaded = value, true
		c.moveToFront(e)
		return
	}
	c.insert(&entry{key: key, value: value, loaded: true})
}

// Remove drops key so the next Get reloads it.
func (c *PostCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.unlink(e)
		delete(c.items, key)
	}
}

// Contains reports whether key is cached without touching its recency.
func (c *PostCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *PostCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys lists cached keys from most to least recently used.
func (c *PostCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for e := c.head; e != nil; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Wait blocks until every background load started so far has finished.
func (c *PostCache) Wait() {
	c.wg.Wait()
}

func (c *PostCache) fill(e *entry) {
	defer c.wg.Done()

	value, err := c.load(context.Background(), e.key)
	if err != nil {
		Logger.Log.WithField("key", e.key).WithError(err).Debugln("post cache load failed")
		return
	}

	c.mu.Lock()
	// The placeholder may have been evicted or replaced while loading.
	if cur, ok := c.items[e.key]; !ok || cur != e || e.loaded {
		c.mu.Unlock()
		return
	}
	e.value, e.loaded = value, true
	onLoad := c.onLoad
	c.mu.Unlock()

	if onLoad != nil {
		onLoad(e.key, value)
	}
}

// insert adds e as most recently used, evicting the tail when full. Caller holds mu.
func (c *PostCache) insert(e *entry) {
	if len(c.items) >= c.capacity && c.tail != nil {
		old := c.tail
		c.unlink(old)
		delete(c.items, old.key)
	}
	c.items[e.key] = e
	c.pushFront(e)
}

func (c *PostCache) moveToFront(e *entry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *PostCache) pushFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *PostCache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
