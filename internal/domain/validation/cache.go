package validation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CacheKey addresses one aspect result.
type CacheKey struct {
	ResourceHash string
	SettingsHash string
	Aspect       Aspect
}

func (k CacheKey) String() string {
	return k.ResourceHash + ":" + k.SettingsHash + ":" + string(k.Aspect)
}

// KeyOf returns the cache key of a result.
func KeyOf(r *AspectResult) CacheKey {
	return CacheKey{ResourceHash: r.ResourceHash, SettingsHash: r.SettingsHash, Aspect: r.Aspect}
}

// ResultRepository persists aspect results behind the in-memory cache.
// Get returns nil, nil when no live row exists.
type ResultRepository interface {
	Get(ctx context.Context, key CacheKey, now time.Time) (*AspectResult, error)
	Save(ctx context.Context, result *AspectResult, expiresAt time.Time) error
	DeleteSettingsExcept(ctx context.Context, keepHash string) (int64, error)
	DeleteResource(ctx context.Context, resourceHash string) (int64, error)
	DeleteAspect(ctx context.Context, aspect Aspect) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type cacheEntry struct {
	result    AspectResult
	createdAt time.Time
	expiresAt time.Time
}

// ResultCache maps (resourceHash, settingsHash, aspect) to a completed
// aspect result. Entries expire after the TTL or on explicit invalidation.
// Callers always get a private copy of the stored result.
type ResultCache struct {
	ttl    time.Duration
	now    func() time.Time
	repo   ResultRepository
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[CacheKey]*cacheEntry

	// genMu orders writes against aspect invalidation: writers hold it
	// shared, invalidations hold it exclusively while bumping a generation.
	genMu    sync.RWMutex
	gens     map[Aspect]uint64
	flushGen uint64
}

type CacheOption func(*ResultCache)

// WithRepository enables write-through persistence and read-back on miss.
func WithRepository(repo ResultRepository) CacheOption {
	return func(c *ResultCache) { c.repo = repo }
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ResultCache) { c.now = now }
}

func NewResultCache(ttl time.Duration, logger zerolog.Logger, opts ...CacheOption) *ResultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &ResultCache{
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With().Str("component", "result_cache").Logger(),
		entries: make(map[CacheKey]*cacheEntry),
		gens:    make(map[Aspect]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cloneResult(r *AspectResult) *AspectResult {
	c := *r
	c.Issues = make([]Issue, len(r.Issues))
	copy(c.Issues, r.Issues)
	return &c
}

// Get returns the cached result for key, consulting the repository on a
// memory miss. Repository errors are logged and reported as a miss.
func (c *ResultCache) Get(ctx context.Context, key CacheKey) (*AspectResult, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if now.Before(e.expiresAt) {
			cacheLookups.WithLabelValues("hit").Inc()
			return cloneResult(&e.result), true
		}
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur == e {
			delete(c.entries, key)
			cacheEvictions.WithLabelValues("ttl").Inc()
		}
		c.mu.Unlock()
	}

	if c.repo != nil {
		gen := c.Generation(key.Aspect)
		r, err := c.repo.Get(ctx, key, now)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("result repository read failed")
		} else if r != nil {
			c.genMu.RLock()
			if c.generationLocked(key.Aspect) == gen {
				c.store(r, r.ValidatedAt, r.ValidatedAt.Add(c.ttl))
			}
			c.genMu.RUnlock()
			cacheLookups.WithLabelValues("hit").Inc()
			return cloneResult(r), true
		}
	}

	cacheLookups.WithLabelValues("miss").Inc()
	return nil, false
}

// Generation identifies the current contents of an aspect. It changes when
// the aspect is invalidated or the cache is flushed.
func (c *ResultCache) Generation(a Aspect) uint64 {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	return c.generationLocked(a)
}

func (c *ResultCache) generationLocked(a Aspect) uint64 { return c.gens[a] + c.flushGen }

func (c *ResultCache) bump(a Aspect, all bool) {
	c.genMu.Lock()
	if all {
		c.flushGen++
	} else {
		c.gens[a]++
	}
	c.genMu.Unlock()
}

// Put stores a completed result. Results in any other state are ignored.
func (c *ResultCache) Put(ctx context.Context, r *AspectResult) {
	c.PutIfCurrent(ctx, r, c.Generation(r.Aspect))
}

// PutIfCurrent stores r only if its aspect has not been invalidated since
// gen was read, so a computation that started before an invalidation
// cannot write its now stale result back.
func (c *ResultCache) PutIfCurrent(ctx context.Context, r *AspectResult, gen uint64) bool {
	if r.Status != StatusCompleted || r.Degraded {
		return false
	}
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	if c.generationLocked(r.Aspect) != gen {
		cacheEvictions.WithLabelValues("stale_write").Inc()
		return false
	}
	now := c.now()
	expires := now.Add(c.ttl)
	c.store(r, now, expires)

	if c.repo != nil {
		if err := c.repo.Save(ctx, r, expires); err != nil {
			c.logger.Warn().Err(err).Str("key", KeyOf(r).String()).Msg("result repository write failed")
		}
	}
	return true
}

func (c *ResultCache) store(r *AspectResult, createdAt, expiresAt time.Time) {
	e := &cacheEntry{result: *cloneResult(r), createdAt: createdAt, expiresAt: expiresAt}
	e.result.FromCache = false
	c.mu.Lock()
	c.entries[KeyOf(r)] = e
	c.mu.Unlock()
}

func (c *ResultCache) evict(reason string, match func(CacheKey) bool) int {
	c.mu.Lock()
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		cacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
	return n
}

func (c *ResultCache) persisted(reason string, n int, del func() (int64, error)) int {
	if c.repo == nil {
		return n
	}
	rows, err := del()
	if err != nil {
		c.logger.Warn().Err(err).Str("reason", reason).Msg("result repository invalidation failed")
		return n
	}
	if int(rows) > n {
		return int(rows)
	}
	return n
}

// InvalidateSettings evicts every entry not keyed to keepHash and returns the
// number of entries removed.
func (c *ResultCache) InvalidateSettings(ctx context.Context, keepHash string) int {
	n := c.evict("settings", func(k CacheKey) bool { return k.SettingsHash != keepHash })
	return c.persisted("settings", n, func() (int64, error) { return c.repo.DeleteSettingsExcept(ctx, keepHash) })
}

// InvalidateResource evicts every entry for a resource content hash.
func (c *ResultCache) InvalidateResource(ctx context.Context, resourceHash string) int {
	n := c.evict("resource", func(k CacheKey) bool { return k.ResourceHash == resourceHash })
	return c.persisted("resource", n, func() (int64, error) { return c.repo.DeleteResource(ctx, resourceHash) })
}

// InvalidateAspect evicts every entry of one aspect.
func (c *ResultCache) InvalidateAspect(ctx context.Context, aspect Aspect) int {
	c.bump(aspect, false)
	n := c.evict("aspect", func(k CacheKey) bool { return k.Aspect == aspect })
	return c.persisted("aspect", n, func() (int64, error) { return c.repo.DeleteAspect(ctx, aspect) })
}

// Flush empties the cache.
func (c *ResultCache) Flush(ctx context.Context) int {
	c.bump("", true)
	n := c.evict("flush", func(CacheKey) bool { return true })
	return c.persisted("flush", n, func() (int64, error) { return c.repo.DeleteAll(ctx) })
}

// Sweep drops expired in-memory entries.
func (c *ResultCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		cacheEvictions.WithLabelValues("ttl").Add(float64(n))
	}
	return n
}

// RunJanitor sweeps expired entries every interval until ctx is done.
func (c *ResultCache) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("evicted", n).Msg("expired results swept")
			}
		}
	}
}

// Len reports the number of in-memory entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
