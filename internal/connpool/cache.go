package connpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shinji-kodama/tenantbox/internal/metrics"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

// ErrCacheClosed is returned by Get and Master after DisconnectAll.
var ErrCacheClosed = errors.New("connection cache is closed")

// errEvicted is handed to waiters of an entry that was disconnected while
// its handle was still being opened.
var errEvicted = errors.New("connection was disconnected while opening")

// masterKey cannot collide with a tenant database name.
const masterKey = "\x00master"

// DefaultOpenTimeout bounds one Opener.Open call.
const DefaultOpenTimeout = 30 * time.Second

// entry is one slot of the cache. ready is closed once handle or err is set;
// both are immutable afterwards.
type entry struct {
	info   model.ConnInfo
	ready  chan struct{}
	handle Handle
	err    error
}

// Cache is a per-key get-or-create cache of Handles.
//
// The map is guarded by mu, but Open runs outside the lock: a slow tenant
// database only blocks callers asking for that same key. Open runs detached
// from the caller that triggered it, so every waiter gets the shared
// result no matter which of them gives up first.
type Cache struct {
	opener      Opener
	master      *model.ConnInfo
	metrics     *metrics.Metrics
	openTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMaster sets the connection info of the master registry database.
func WithMaster(info model.ConnInfo) CacheOption {
	return func(c *Cache) {
		c.master = &info
	}
}

// WithMetrics records cache hits, misses and open pools.
func WithMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithOpenTimeout bounds each Open. Non-positive values keep
// DefaultOpenTimeout.
func WithOpenTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.openTimeout = d
		}
	}
}

// NewCache creates an empty cache that opens handles with opener.
func NewCache(opener Opener, opts ...CacheOption) *Cache {
	c := &Cache{
		opener:      opener,
		openTimeout: DefaultOpenTimeout,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the handle cached under key, opening one if needed.
//
// A cached handle bound to a different ConnInfo than info (for example
// after a credential rotation) is evicted and closed, and a new one is
// opened. A failed Open is not cached; the next Get tries again.
func (c *Cache) Get(ctx context.Context, key string, info model.ConnInfo) (Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("empty connection key")
	}
	return c.get(ctx, key, info)
}

// Master returns the handle of the master registry database.
func (c *Cache) Master(ctx context.Context) (Handle, error) {
	if c.master == nil {
		return nil, fmt.Errorf("no master database configured")
	}
	return c.get(ctx, masterKey, *c.master)
}

func (c *Cache) get(ctx context.Context, key string, info model.ConnInfo) (Handle, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrCacheClosed
		}

		e, ok := c.entries[key]
		if !ok {
			e = &entry{info: info, ready: make(chan struct{})}
			c.entries[key] = e
		}
		c.mu.Unlock()
		if !ok {
			c.metrics.RecordCacheMiss()
			go c.open(ctx, key, e)
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		if e.info.Equal(info) {
			if ok {
				c.metrics.RecordCacheHit()
			}
			return e.handle, nil
		}

		// Bound to other credentials: drop it and open a fresh one.
		log.Ctx(ctx).Info().Str("key", key).Msg("connection info changed, replacing cached handle")
		c.evict(key, e)
	}
}

// open runs the Opener for a freshly inserted entry and publishes the
// result to waiters. ctx only contributes its values.
func (c *Cache) open(ctx context.Context, key string, e *entry) {
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.openTimeout)
	defer cancel()
	h, err := c.opener.Open(octx, e.info)

	c.mu.Lock()
	switch {
	case err != nil:
		e.err = err
		if c.entries[key] == e {
			delete(c.entries, key)
		}
	case c.closed:
		e.err = ErrCacheClosed
	case c.entries[key] != e:
		e.err = errEvicted
	default:
		e.handle = h
	}
	c.metrics.SetOpenPools(c.countLocked())
	if e.err == nil {
		// Published under the lock so Disconnect either sees a ready entry
		// or leaves closing to us.
		close(e.ready)
		c.mu.Unlock()
		log.Ctx(ctx).Debug().Str("key", key).Str("dsn", e.info.Redacted()).Msg("opened connection pool")
		return
	}
	c.mu.Unlock()

	// The entry is out of the map; only waiters can still see it.
	if h != nil {
		h.Close()
	}
	close(e.ready)
	log.Ctx(ctx).Debug().Err(e.err).Str("key", key).Msg("failed to open connection")
}

// evict removes e if it is still the entry under key and closes its handle.
func (c *Cache) evict(key string, e *entry) {
	c.mu.Lock()
	current := c.entries[key] == e
	if current {
		delete(c.entries, key)
	}
	open := c.countLocked()
	c.mu.Unlock()

	if current && e.handle != nil {
		e.handle.Close()
	}
	c.metrics.SetOpenPools(open)
}

// Disconnect closes and forgets the handle cached under key. A handle still
// being opened is closed by its opener once Open returns.
func (c *Cache) Disconnect(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	open := c.countLocked()
	c.mu.Unlock()

	if ok {
		closeWhenReady(e)
	}
	c.metrics.SetOpenPools(open)
}

// DisconnectAll closes every handle including the master and closes the
// cache. Later calls to Get fail with ErrCacheClosed.
func (c *Cache) DisconnectAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.closed = true
	c.mu.Unlock()

	for _, e := range entries {
		closeWhenReady(e)
	}
	c.metrics.SetOpenPools(0)
}

// closeWhenReady closes e's handle if it has one. Entries still opening are
// left to open(), which sees they are no longer in the map.
func closeWhenReady(e *entry) {
	select {
	case <-e.ready:
		if e.handle != nil {
			e.handle.Close()
		}
	default:
	}
}

// Len returns the number of tenant handles in the cache, excluding the
// master.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked()
}

func (c *Cache) countLocked() int {
	n := len(c.entries)
	if _, ok := c.entries[masterKey]; ok {
		n--
	}
	return n
}

// Keys returns the keys of the cached tenant handles, sorted.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		if k != masterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
