package validation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/validation/internal/platform/audit"
)

type recordingSink struct {
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, ev audit.Event) {
	s.events = append(s.events, ev)
}

func TestInvalidationController_SettingsChanged(t *testing.T) {
	ctx := context.Background()
	cache := NewResultCache(time.Hour, zerolog.Nop())
	sink := &recordingSink{}

	oldSettings := DefaultSettings()
	newSettings := DefaultSettings()
	newSettings.FHIRVersion = "R5"
	cache.Put(ctx, result("r1", oldSettings.Hash(), AspectStructural))
	cache.Put(ctx, result("r2", oldSettings.Hash(), AspectProfile))

	c := NewInvalidationController(cache, sink, zerolog.Nop(), oldSettings.Hash())
	if n := c.SettingsChanged(ctx, SettingsChange{Settings: oldSettings}); n != 0 {
		t.Errorf("unchanged hash must evict nothing, got %d", n)
	}
	if n := c.SettingsChanged(ctx, SettingsChange{PreviousHash: oldSettings.Hash(), Hash: newSettings.Hash()}); n != 2 {
		t.Errorf("expected 2 evictions, got %d", n)
	}
	if c.CurrentHash() != newSettings.Hash() {
		t.Error("controller should track the new hash")
	}
	if len(sink.events) != 1 || sink.events[0].Type != audit.EventSettingsChanged {
		t.Errorf("expected one settings audit event, got %+v", sink.events)
	}
}

func TestInvalidationController_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := NewResultCache(time.Hour, zerolog.Nop())
	cache.Put(ctx, result("r1", "old", AspectStructural))
	c := NewInvalidationController(cache, nil, zerolog.Nop(), "old")

	changes := make(chan SettingsChange)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, changes)
		close(done)
	}()
	changes <- SettingsChange{Hash: "new"}
	close(changes)
	<-done

	if cache.Len() != 0 {
		t.Errorf("expected cache to be cleared, len=%d", cache.Len())
	}
}

func TestInvalidationController_RulesAndResources(t *testing.T) {
	ctx := context.Background()
	cache := NewResultCache(time.Hour, zerolog.Nop())
	cache.Put(ctx, result("r1", "s", AspectBusinessRule))
	cache.Put(ctx, result("r1", "s", AspectStructural))
	cache.Put(ctx, result("r2", "s", AspectStructural))
	sink := &recordingSink{}
	c := NewInvalidationController(cache, sink, zerolog.Nop(), "s")

	if n := c.RulesChanged(ctx, "rule-1"); n != 1 {
		t.Errorf("RulesChanged evicted %d, want 1", n)
	}
	if n := c.ResourceEdited(ctx, "r1"); n != 1 {
		t.Errorf("ResourceEdited evicted %d, want 1", n)
	}
	if n := c.Flush(ctx); n != 1 {
		t.Errorf("Flush evicted %d, want 1", n)
	}
	if len(sink.events) != 3 {
		t.Errorf("expected 3 audit events, got %d", len(sink.events))
	}
}
