package validation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/validation/internal/platform/audit"
)

// InvalidationController evicts cached results that no longer match current
// inputs: settings changes, business-rule changes and resource edits.
type InvalidationController struct {
	cache  *ResultCache
	sink   audit.Sink
	logger zerolog.Logger

	mu          sync.Mutex
	currentHash string
}

func NewInvalidationController(cache *ResultCache, sink audit.Sink, logger zerolog.Logger, currentHash string) *InvalidationController {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &InvalidationController{
		cache:       cache,
		sink:        sink,
		logger:      logger.With().Str("component", "invalidation").Logger(),
		currentHash: currentHash,
	}
}

// CurrentHash returns the settings hash the cache is aligned with.
func (c *InvalidationController) CurrentHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentHash
}

// Run consumes settings changes until ctx is done or changes is closed.
func (c *InvalidationController) Run(ctx context.Context, changes <-chan SettingsChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			c.SettingsChanged(ctx, ch)
		}
	}
}

// SettingsChanged evicts every result not keyed to the new settings hash.
// A change that does not alter the hash evicts nothing.
func (c *InvalidationController) SettingsChanged(ctx context.Context, ch SettingsChange) int {
	newHash := ch.Hash
	if newHash == "" && ch.Settings != nil {
		newHash = ch.Settings.Hash()
	}
	if newHash == "" {
		return 0
	}

	c.mu.Lock()
	prev := c.currentHash
	c.currentHash = newHash
	c.mu.Unlock()
	if prev == newHash {
		return 0
	}

	n := c.cache.InvalidateSettings(ctx, newHash)
	c.logger.Info().
		Str("previous_hash", prev).
		Str("hash", newHash).
		Int("evicted", n).
		Msg("settings changed, cached results invalidated")
	c.sink.Record(ctx, audit.NewEvent(audit.EventSettingsChanged, newHash, map[string]any{
		"previousHash": prev,
		"evicted":      n,
	}))
	return n
}

// RulesChanged evicts business-rule results. Rules are not part of the
// settings hash, so any rule mutation makes those results stale.
func (c *InvalidationController) RulesChanged(ctx context.Context, ruleID string) int {
	n := c.cache.InvalidateAspect(ctx, AspectBusinessRule)
	c.logger.Info().Str("rule_id", ruleID).Int("evicted", n).Msg("business rule changed, cached results invalidated")
	c.record(ctx, "rule", ruleID, n)
	return n
}

// ResourceEdited evicts every result computed for the given content hash.
func (c *InvalidationController) ResourceEdited(ctx context.Context, resourceHash string) int {
	n := c.cache.InvalidateResource(ctx, resourceHash)
	c.logger.Info().Str("resource_hash", resourceHash).Int("evicted", n).Msg("resource edited, cached results invalidated")
	c.record(ctx, "resource", resourceHash, n)
	return n
}

// Flush empties the cache.
func (c *InvalidationController) Flush(ctx context.Context) int {
	n := c.cache.Flush(ctx)
	c.logger.Info().Int("evicted", n).Msg("result cache flushed")
	c.record(ctx, "flush", "", n)
	return n
}

func (c *InvalidationController) record(ctx context.Context, reason, subject string, n int) {
	c.sink.Record(ctx, audit.NewEvent(audit.EventCacheInvalidated, subject, map[string]any{
		"reason":  reason,
		"evicted": n,
	}))
}
