package terminology

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const cacheShards = 32

// CachedVerdict is a remote server's answer for one (system, code).
type CachedVerdict struct {
	Valid     bool      `json:"valid"`
	Display   string    `json:"display,omitempty"`
	Message   string    `json:"message,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func verdictKey(system, code, serverID string) string {
	return serverID + "|" + system + "|" + code
}

// VerdictCache holds remote verdicts keyed by (system, code, server). It is
// sharded so concurrent validations rarely contend on the same lock, and
// optionally backed by a badger store that survives restarts and serves
// offline mode.
type VerdictCache struct {
	ttl    time.Duration
	now    func() time.Time
	shards [cacheShards]verdictShard
	store  *OfflineStore
}

type verdictShard struct {
	mu      sync.RWMutex
	entries map[string]CachedVerdict
}

// NewVerdictCache creates a cache whose entries live for ttl. store may be nil.
func NewVerdictCache(ttl time.Duration, store *OfflineStore) *VerdictCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &VerdictCache{ttl: ttl, now: time.Now, store: store}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]CachedVerdict)
	}
	return c
}

func (c *VerdictCache) shard(key string) *verdictShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%cacheShards]
}

// Get returns a live verdict from memory, falling back to the persisted store.
func (c *VerdictCache) Get(system, code, serverID string) (CachedVerdict, bool) {
	key := verdictKey(system, code, serverID)
	sh := c.shard(key)
	now := c.now()

	sh.mu.RLock()
	v, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok && now.Before(v.ExpiresAt) {
		return v, true
	}
	if ok {
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.mu.Unlock()
	}

	if c.store == nil {
		return CachedVerdict{}, false
	}
	v, ok = c.store.Get(key)
	if !ok || !now.Before(v.ExpiresAt) {
		return CachedVerdict{}, false
	}
	sh.mu.Lock()
	sh.entries[key] = v
	sh.mu.Unlock()
	return v, true
}

// Put stores a verdict in memory and in the persisted store.
func (c *VerdictCache) Put(system, code, serverID string, r RemoteResult) {
	key := verdictKey(system, code, serverID)
	v := CachedVerdict{Valid: r.Valid, Display: r.Display, Message: r.Message, ExpiresAt: c.now().Add(c.ttl)}
	sh := c.shard(key)
	sh.mu.Lock()
	sh.entries[key] = v
	sh.mu.Unlock()
	if c.store != nil {
		c.store.Put(key, v, c.ttl)
	}
}

// Len returns the number of in-memory entries, expired ones included.
func (c *VerdictCache) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Clear drops every in-memory entry. Persisted verdicts are kept.
func (c *VerdictCache) Clear() {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[string]CachedVerdict)
		sh.mu.Unlock()
	}
}

// OfflineStore persists verdicts in badger.
type OfflineStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenOfflineStore opens (creating if needed) a badger store at path. An
// empty path opens an in-memory store.
func OpenOfflineStore(path string, logger zerolog.Logger) (*OfflineStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create offline cache directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	logger = logger.With().Str("component", "terminology-offline-store").Logger()
	opts = opts.WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline terminology cache: %w", err)
	}
	return &OfflineStore{db: db, logger: logger}, nil
}

func (s *OfflineStore) Close() error { return s.db.Close() }

func (s *OfflineStore) Get(key string) (CachedVerdict, bool) {
	var v CachedVerdict
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			s.logger.Warn().Err(err).Str("key", key).Msg("offline verdict read failed")
		}
		return CachedVerdict{}, false
	}
	return v, true
}

func (s *OfflineStore) Put(key string, v CachedVerdict, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), raw).WithTTL(ttl))
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("offline verdict write failed")
	}
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}
