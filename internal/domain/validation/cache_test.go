package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ── Fake Result Repository ──

type fakeResultRepo struct {
	rows    map[CacheKey]*AspectResult
	getErr  error
	deleted []string
}

func newFakeResultRepo() *fakeResultRepo {
	return &fakeResultRepo{rows: make(map[CacheKey]*AspectResult)}
}

func (f *fakeResultRepo) Get(_ context.Context, key CacheKey, _ time.Time) (*AspectResult, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.rows[key], nil
}

func (f *fakeResultRepo) Save(_ context.Context, r *AspectResult, _ time.Time) error {
	f.rows[KeyOf(r)] = cloneResult(r)
	return nil
}

func (f *fakeResultRepo) DeleteSettingsExcept(_ context.Context, keep string) (int64, error) {
	f.deleted = append(f.deleted, "settings:"+keep)
	return 0, nil
}

func (f *fakeResultRepo) DeleteResource(_ context.Context, hash string) (int64, error) {
	f.deleted = append(f.deleted, "resource:"+hash)
	return 0, nil
}

func (f *fakeResultRepo) DeleteAspect(_ context.Context, a Aspect) (int64, error) {
	f.deleted = append(f.deleted, "aspect:"+string(a))
	return 0, nil
}

func (f *fakeResultRepo) DeleteAll(context.Context) (int64, error) {
	f.deleted = append(f.deleted, "all")
	n := int64(len(f.rows))
	f.rows = make(map[CacheKey]*AspectResult)
	return n, nil
}

func result(resourceHash, settingsHash string, a Aspect) *AspectResult {
	return &AspectResult{
		Aspect:       a,
		Status:       StatusCompleted,
		IsValid:      true,
		ResourceHash: resourceHash,
		SettingsHash: settingsHash,
		Issues:       []Issue{{Severity: SeverityInfo, Code: "informational", Message: "note"}},
	}
}

func TestResultCache_PutGetAndExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewResultCache(time.Minute, zerolog.Nop(), WithCacheClock(func() time.Time { return now }))
	r := result("r1", "s1", AspectStructural)
	c.Put(context.Background(), r)

	got, ok := c.Get(context.Background(), KeyOf(r))
	if !ok || got.Aspect != AspectStructural {
		t.Fatalf("expected hit, got %+v", got)
	}
	got.Issues[0].Message = "mutated"
	again, _ := c.Get(context.Background(), KeyOf(r))
	if again.Issues[0].Message != "note" {
		t.Error("callers must receive private copies")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(context.Background(), KeyOf(r)); ok {
		t.Error("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be dropped, len=%d", c.Len())
	}
}

func TestResultCache_IgnoresIncompleteResults(t *testing.T) {
	c := NewResultCache(time.Hour, zerolog.Nop())
	failed := result("r1", "s1", AspectProfile)
	failed.Status = StatusFailed
	degraded := result("r1", "s1", AspectTerminology)
	degraded.Degraded = true
	c.Put(context.Background(), failed)
	c.Put(context.Background(), degraded)
	if c.Len() != 0 {
		t.Errorf("only completed, non-degraded results may be cached, len=%d", c.Len())
	}
}

func TestResultCache_Invalidation(t *testing.T) {
	c := NewResultCache(time.Hour, zerolog.Nop())
	ctx := context.Background()
	for _, r := range []*AspectResult{
		result("r1", "s1", AspectStructural),
		result("r1", "s1", AspectBusinessRule),
		result("r2", "s1", AspectStructural),
		result("r1", "s2", AspectStructural),
	} {
		c.Put(ctx, r)
	}

	if n := c.InvalidateSettings(ctx, "s1"); n != 1 {
		t.Errorf("InvalidateSettings evicted %d, want 1", n)
	}
	if n := c.InvalidateAspect(ctx, AspectBusinessRule); n != 1 {
		t.Errorf("InvalidateAspect evicted %d, want 1", n)
	}
	if n := c.InvalidateResource(ctx, "r2"); n != 1 {
		t.Errorf("InvalidateResource evicted %d, want 1", n)
	}
	if n := c.Flush(ctx); n != 1 {
		t.Errorf("Flush evicted %d, want 1", n)
	}
}

func TestResultCache_RepositoryReadBack(t *testing.T) {
	repo := newFakeResultRepo()
	ctx := context.Background()
	writer := NewResultCache(time.Hour, zerolog.Nop(), WithRepository(repo))
	r := result("r1", "s1", AspectMetadata)
	writer.Put(ctx, r)

	reader := NewResultCache(time.Hour, zerolog.Nop(), WithRepository(repo))
	if _, ok := reader.Get(ctx, KeyOf(r)); !ok {
		t.Fatal("expected read-back from repository")
	}
	if reader.Len() != 1 {
		t.Error("read-back should populate memory")
	}

	if n := reader.Flush(ctx); n != 1 {
		t.Errorf("Flush = %d, want 1", n)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "all" {
		t.Errorf("expected repository flush, got %v", repo.deleted)
	}
}

func TestResultCache_RepositoryErrorIsMiss(t *testing.T) {
	repo := newFakeResultRepo()
	repo.getErr = errors.New("db down")
	c := NewResultCache(time.Hour, zerolog.Nop(), WithRepository(repo))
	if _, ok := c.Get(context.Background(), CacheKey{ResourceHash: "r", SettingsHash: "s", Aspect: AspectProfile}); ok {
		t.Error("expected miss")
	}
}

func TestResultCache_Sweep(t *testing.T) {
	now := time.Now()
	c := NewResultCache(time.Second, zerolog.Nop(), WithCacheClock(func() time.Time { return now }))
	c.Put(context.Background(), result("r1", "s1", AspectStructural))
	now = now.Add(time.Minute)
	if n := c.Sweep(); n != 1 || c.Len() != 0 {
		t.Errorf("Sweep = %d, len=%d", n, c.Len())
	}
}

func TestResultCache_PutIfCurrentRejectsStaleGeneration(t *testing.T) {
	c := NewResultCache(time.Hour, zerolog.Nop())
	ctx := context.Background()
	rule := result("r1", "s1", AspectBusinessRule)
	other := result("r1", "s1", AspectStructural)

	ruleGen := c.Generation(AspectBusinessRule)
	otherGen := c.Generation(AspectStructural)
	c.InvalidateAspect(ctx, AspectBusinessRule)

	if c.PutIfCurrent(ctx, rule, ruleGen) {
		t.Error("write from before the invalidation must be dropped")
	}
	if _, ok := c.Get(ctx, KeyOf(rule)); ok {
		t.Error("stale result must not be served")
	}
	if !c.PutIfCurrent(ctx, other, otherGen) {
		t.Error("other aspects are unaffected by the invalidation")
	}

	otherGen = c.Generation(AspectStructural)
	c.Flush(ctx)
	if c.PutIfCurrent(ctx, other, otherGen) {
		t.Error("write from before a flush must be dropped")
	}
	if !c.PutIfCurrent(ctx, rule, c.Generation(AspectBusinessRule)) {
		t.Error("write at the current generation must be stored")
	}
}
