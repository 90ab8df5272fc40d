package dlcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/programme-lv/grader/metrics"
)

const DefaultTTL = 180 * time.Second

var ErrClosed = errors.New("download cache closed")

// Downloader materializes root/name for each name into dir.
type Downloader interface {
	DownloadToDirectory(ctx context.Context, root string, names []string, dir string) error
}

type entry struct {
	mu        sync.Mutex // held for the duration of a download
	key       string
	dir       string
	names     map[string]struct{}
	createdAt time.Time

	refs    int // callers holding the entry; guarded by Cache.mu
	removed atomic.Bool
}

// Cache keeps downloaded files in one directory per key so repeated requests
// for the same files do no I/O and overlapping requests only fetch what is
// missing. Concurrent callers for a key share the entry and wait for each
// other's downloads.
type Cache struct {
	dl     Downloader
	base   string
	ttl    time.Duration
	every  time.Duration
	now    func() time.Time
	m      *metrics.Metrics
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Cache)

// WithTTL sets the entry lifetime. Zero disables the background sweep.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.every = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.m = m }
}

func New(dl Downloader, base string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dl:      dl,
		base:    base,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default().With("module", "dlcache"),
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if c.every <= 0 {
		c.every = c.ttl / 3
	}
	if c.ttl > 0 {
		go c.sweepLoop()
	} else {
		close(c.done)
	}
	return c, nil
}

// GetOrDownload returns the directory holding root/name for every name.
// Only names not yet materialized for key are downloaded. The returned
// directory stays valid until the entry expires or the cache is closed.
func (c *Cache) GetOrDownload(ctx context.Context, key string, root string, names []string) (string, error) {
	names = unique(names)
	for {
		e, err := c.acquire(key)
		if err != nil {
			return "", err
		}
		dir, retry, err := c.fill(ctx, e, root, names)
		c.release(e)
		if retry {
			continue
		}
		return dir, err
	}
}

func (c *Cache) acquire(key string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries[key]
	if !ok {
		dir, err := os.MkdirTemp(c.base, "dl-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create entry directory: %w", err)
		}
		e = &entry{
			key:       key,
			dir:       dir,
			names:     make(map[string]struct{}),
			createdAt: c.now(),
		}
		c.entries[key] = e
		c.m.CacheEntries(len(c.entries))
	}
	e.refs++
	return e, nil
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
}

// fill downloads the names e lacks. retry is set when e was discarded while
// the caller waited for it.
func (c *Cache) fill(ctx context.Context, e *entry, root string, names []string) (dir string, retry bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed.Load() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return "", false, ErrClosed
		}
		return "", true, nil
	}

	var missing []string
	for _, n := range names {
		if _, ok := e.names[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		c.m.CacheHit()
		return e.dir, false, nil
	}

	if err := c.dl.DownloadToDirectory(ctx, root, missing, e.dir); err != nil {
		if len(e.names) == 0 {
			c.discard(e)
		}
		return "", false, fmt.Errorf("failed to download %d files for %s: %w", len(missing), e.key, err)
	}
	for _, n := range missing {
		e.names[n] = struct{}{}
	}
	c.m.CacheMiss(len(missing))
	c.logger.Debug("downloaded", "key", e.key, "count", len(missing), "total", len(e.names))
	return e.dir, false, nil
}

// discard drops an entry that materialized nothing.
func (c *Cache) discard(e *entry) {
	c.mu.Lock()
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	e.removed.Store(true)
	c.m.CacheEntries(len(c.entries))
	c.mu.Unlock()
	if err := os.RemoveAll(e.dir); err != nil {
		c.logger.Warn("failed to remove entry directory", "dir", e.dir, "error", err)
	}
}

// Sweep removes entries older than the ttl that no caller holds and returns
// how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	var expired []*entry
	c.mu.Lock()
	for key, e := range c.entries {
		if e.refs == 0 && now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, key)
			e.removed.Store(true)
			expired = append(expired, e)
		}
	}
	c.m.CacheEntries(len(c.entries))
	c.mu.Unlock()

	for _, e := range expired {
		if err := os.RemoveAll(e.dir); err != nil {
			c.logger.Warn("failed to remove expired entry", "key", e.key, "error", err)
		}
	}
	if len(expired) > 0 {
		c.m.CacheEvicted(len(expired))
		c.logger.Debug("swept", "count", len(expired))
	}
	return len(expired)
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper and removes every entry directory.
func (c *Cache) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done

		c.mu.Lock()
		c.closed = true
		entries := c.entries
		c.entries = make(map[string]*entry)
		for _, e := range entries {
			e.removed.Store(true)
		}
		c.mu.Unlock()

		for _, e := range entries {
			if err := os.RemoveAll(e.dir); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func unique(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
