package validation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Orchestrator runs the enabled aspects for one resource and aggregates
// their results. It is safe for concurrent use.
type Orchestrator struct {
	registry      Registry
	cache         *ResultCache
	groups        GroupStore
	engineVersion string
	logger        zerolog.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error

	flight singleflight.Group
}

type OrchestratorOption func(*Orchestrator)

// WithGroupStore records every fresh issue into message groups.
func WithGroupStore(gs GroupStore) OrchestratorOption {
	return func(o *Orchestrator) { o.groups = gs }
}

func WithEngineVersion(v string) OrchestratorOption {
	return func(o *Orchestrator) { o.engineVersion = v }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the retry backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func NewOrchestrator(registry Registry, cache *ResultCache, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:      registry,
		cache:         cache,
		engineVersion: "dev",
		logger:        logger.With().Str("component", "orchestrator").Logger(),
		now:           time.Now,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EngineVersion identifies the validator build recorded on every result.
func (o *Orchestrator) EngineVersion() string { return o.engineVersion }

// Prepare normalizes and validates settings. The returned copy is what
// Validate uses; the caller's value is never modified.
func (o *Orchestrator) Prepare(settings *Settings) (*Settings, error) {
	if settings == nil {
		return nil, &ConfigurationError{Reason: "settings are required"}
	}
	s := settings.Clone()
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	for _, a := range s.EnabledAspects() {
		if _, ok := o.registry[a]; !ok {
			return nil, &ConfigurationError{Field: "aspects." + string(a), Reason: "no validator registered"}
		}
	}
	return s, nil
}

// Validate runs every enabled aspect against res. Only configuration
// problems and unreadable resources are returned as errors; every aspect
// failure is contained in the outcome.
func (o *Orchestrator) Validate(ctx context.Context, res *Resource, settings *Settings) (*ValidationOutcome, error) {
	s, err := o.Prepare(settings)
	if err != nil {
		return nil, err
	}
	return o.validate(ctx, res, s)
}

func (o *Orchestrator) validate(ctx context.Context, res *Resource, s *Settings) (*ValidationOutcome, error) {
	if res == nil || res.Content == nil {
		return nil, errors.New("validate: resource content is required")
	}
	if res.ResourceType == "" {
		cp := *res
		cp.ResourceType, _ = res.Content["resourceType"].(string)
		res = &cp
	}
	resourceHash, err := ResourceHash(res.Content)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	settingsHash := s.Hash()
	start := o.now()

	out := &ValidationOutcome{
		ServerID:     res.ServerID,
		ResourceType: res.ResourceType,
		ResourceID:   res.ResourceID,
		VersionID:    res.VersionID,
		ResourceHash: resourceHash,
		SettingsHash: settingsHash,
		IsValid:      true,
		Aspects:      []AspectResult{},
		ValidatedAt:  start,
	}
	if !s.AppliesTo(res.ResourceType) {
		out.Skipped = true
		out.SkipReason = fmt.Sprintf("resource type %q is excluded by settings", res.ResourceType)
		return out, nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.ResourceTimeout())
	defer cancel()

	enabled := s.EnabledAspects()
	results := make([]AspectResult, len(enabled))
	g := new(errgroup.Group)
	g.SetLimit(s.Performance.MaxConcurrent)
	for i, a := range enabled {
		g.Go(func() error {
			results[i] = *o.runAspect(rctx, a, res, s, resourceHash, settingsHash)
			return nil
		})
	}
	_ = g.Wait()

	out.Aspects = results
	for i := range results {
		r := &results[i]
		out.ErrorCount += r.ErrorCount
		out.WarningCount += r.WarningCount
		out.InfoCount += r.InfoCount
		if !r.IsValid {
			out.IsValid = false
		}
	}
	scores := ComputeScores(enabled, results)
	out.ValidityScore = scores.Validity
	out.CompletenessScore = scores.Completeness
	out.ConfidenceScore = scores.Confidence
	out.DurationMs = o.now().Sub(start).Milliseconds()

	o.recordGroups(ctx, res, results)
	outcomesTotal.WithLabelValues(strconv.FormatBool(out.IsValid)).Inc()
	return out, nil
}

func (o *Orchestrator) recordGroups(ctx context.Context, res *Resource, results []AspectResult) {
	if o.groups == nil {
		return
	}
	for i := range results {
		r := &results[i]
		if r.FromCache || len(r.Issues) == 0 {
			continue
		}
		if err := o.groups.Record(ctx, res.Key(), r); err != nil {
			o.logger.Warn().Err(err).Str("aspect", string(r.Aspect)).Msg("message group record failed")
		}
	}
}

// BatchResult is one entry of ValidateBatch.
type BatchResult struct {
	Outcome *ValidationOutcome `json:"outcome,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// ValidateBatch validates up to performance.batchSize resources, at most
// maxConcurrent at a time. Results are returned in input order.
func (o *Orchestrator) ValidateBatch(ctx context.Context, resources []*Resource, settings *Settings) ([]BatchResult, error) {
	s, err := o.Prepare(settings)
	if err != nil {
		return nil, err
	}
	if len(resources) > s.Performance.BatchSize {
		return nil, &ConfigurationError{
			Field:  "performance.batchSize",
			Reason: fmt.Sprintf("batch of %d exceeds limit %d", len(resources), s.Performance.BatchSize),
		}
	}

	out := make([]BatchResult, len(resources))
	g := new(errgroup.Group)
	g.SetLimit(s.Performance.MaxConcurrent)
	for i, res := range resources {
		g.Go(func() error {
			outcome, err := o.validate(ctx, res, s)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Outcome = outcome
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// runAspect serves a result from cache or computes it. Concurrent calls
// for the same key share one computation.
func (o *Orchestrator) runAspect(ctx context.Context, a Aspect, res *Resource, s *Settings, resourceHash, settingsHash string) *AspectResult {
	key := CacheKey{ResourceHash: resourceHash, SettingsHash: settingsHash, Aspect: a}
	if cached, ok := o.cache.Get(ctx, key); ok {
		cached.FromCache = true
		return cached
	}

	// The shared computation outlives any single caller and is bounded by
	// its own resource timeout; each caller waits on its own ctx below.
	flightCtx := context.WithoutCancel(ctx)
	ch := o.flight.DoChan(key.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(flightCtx, s.ResourceTimeout())
		defer cancel()
		if cached, ok := o.cache.Get(fctx, key); ok {
			cached.FromCache = true
			return cached, nil
		}
		gen := o.cache.Generation(a)
		r := o.execute(fctx, a, res, s, resourceHash, settingsHash)
		o.cache.PutIfCurrent(fctx, r, gen)
		return r, nil
	})

	select {
	case v := <-ch:
		return cloneResult(v.Val.(*AspectResult))
	case <-ctx.Done():
		r := o.newResult(a, s, resourceHash, settingsHash, o.now())
		o.finishTimedOut(r, res, ctx.Err())
		return r
	}
}

func (o *Orchestrator) newResult(a Aspect, s *Settings, resourceHash, settingsHash string, start time.Time) *AspectResult {
	return &AspectResult{
		Aspect:        a,
		EngineVersion: o.engineVersion,
		SettingsHash:  settingsHash,
		ResourceHash:  resourceHash,
		ValidatedAt:   start,
		Attempts:      1,
		Issues:        []Issue{},
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (o *Orchestrator) call(ctx context.Context, v AspectValidator, req AspectRequest) (report *AspectReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	report, err = v.Validate(ctx, req)
	if err == nil && report == nil {
		report = &AspectReport{}
	}
	return report, err
}

// execute runs one aspect with retries on transient failure.
func (o *Orchestrator) execute(ctx context.Context, a Aspect, res *Resource, s *Settings, resourceHash, settingsHash string) *AspectResult {
	start := o.now()
	r := o.newResult(a, s, resourceHash, settingsHash, start)
	req := AspectRequest{Resource: res, Aspect: s.Aspects[a], Settings: s}
	v := o.registry[a]

	maxAttempts := 1 + s.Performance.MaxRetryAttempts
	backoff := time.Duration(s.Performance.RetryBackoffMs) * time.Millisecond
	var (
		report   *AspectReport
		err      error
		firstEnd time.Time
	)
	for attempt := 1; ; attempt++ {
		r.Attempts = attempt
		report, err = o.call(ctx, v, req)
		if attempt == 1 {
			firstEnd = o.now()
		}
		if err == nil || ctx.Err() != nil || !IsTransient(err) || attempt >= maxAttempts {
			break
		}
		aspectRetries.WithLabelValues(string(a)).Inc()
		o.logger.Warn().Err(err).
			Str("aspect", string(a)).
			Str("resource", res.Key()).
			Int("attempt", attempt).
			Msg("transient aspect failure, retrying")
		if o.sleep(ctx, backoff*time.Duration(attempt)) != nil {
			break
		}
	}
	end := o.now()
	if r.Attempts > 1 {
		r.RetryDurationMs = end.Sub(firstEnd).Milliseconds()
	}
	r.DurationMs = end.Sub(start).Milliseconds()

	switch {
	case ctx.Err() != nil:
		o.finishTimedOut(r, res, ctx.Err())
	case err != nil && IsTransient(err):
		r.Status = StatusFailed
		r.IsValid = true
		r.Issues = []Issue{{
			Severity:      SeverityWarning,
			Code:          CodeAspectExecutionError,
			CanonicalPath: res.ResourceType,
			Message:       fmt.Sprintf("%s validation could not complete after %d attempts: %v", a, r.Attempts, err),
			Uncapped:      true,
		}}
		o.logger.Warn().Err(err).Str("aspect", string(a)).Str("resource", res.Key()).Msg("aspect soft-failed")
	case err != nil:
		r.Status = StatusFailed
		r.IsValid = false
		r.Issues = []Issue{{
			Severity:      SeverityError,
			Code:          CodeAspectExecutionError,
			CanonicalPath: res.ResourceType,
			Message:       fmt.Sprintf("%s validation failed: %v", a, err),
			Uncapped:      true,
		}}
		ev := o.logger.Error().Err(err).Str("aspect", string(a)).Str("resource", res.Key())
		var pe *panicError
		if errors.As(err, &pe) {
			ev = ev.Bytes("stack", pe.stack)
		}
		ev.Msg("aspect execution error")
	default:
		r.Status = StatusCompleted
		r.Degraded = report.Degraded
		r.Issues = capIssues(report.Issues, req.Aspect.Severity)
		r.IsValid = true
		for _, is := range r.Issues {
			if is.Severity == SeverityError {
				r.IsValid = false
				break
			}
		}
	}
	r.countIssues()

	aspectRuns.WithLabelValues(string(a), string(r.Status)).Inc()
	aspectDuration.WithLabelValues(string(a)).Observe(end.Sub(start).Seconds())
	return r
}

func (o *Orchestrator) finishTimedOut(r *AspectResult, res *Resource, cause error) {
	r.Status = StatusTimedOut
	r.IsValid = true
	r.Issues = []Issue{{
		Severity:      SeverityWarning,
		Code:          CodeAspectTimeout,
		CanonicalPath: res.ResourceType,
		Message:       fmt.Sprintf("%s validation did not finish: %v", r.Aspect, cause),
		Uncapped:      true,
	}}
	r.countIssues()
}

// capIssues lowers data issues to the aspect's configured severity.
func capIssues(in []Issue, limit Severity) []Issue {
	out := make([]Issue, len(in))
	for i, is := range in {
		if !is.Uncapped {
			is.Severity = is.Severity.Cap(limit)
		}
		out[i] = is
	}
	return out
}
