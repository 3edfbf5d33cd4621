package terminology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/breaker"
)

const defaultCallTimeout = 5 * time.Second

// Resolver validates codes in three tiers: the local CodeSystemTable, then
// the configured terminology servers in order, then a degraded verdict when
// no server could answer.
//
// A Resolver is shared by every concurrent validation. Breakers, the verdict
// cache and the endpoint set are safe for concurrent use; identical lookups
// in flight at the same time share one remote call.
type Resolver struct {
	table    *CodeSystemTable
	breakers *breaker.Registry
	cache    *VerdictCache
	factory  EndpointFactory
	logger   zerolog.Logger
	flight   singleflight.Group

	mu        sync.Mutex
	endpoints map[string]endpointEntry
}

type endpointEntry struct {
	signature string
	endpoint  Endpoint
	err       error
}

func NewResolver(table *CodeSystemTable, breakers *breaker.Registry, cache *VerdictCache, factory EndpointFactory, logger zerolog.Logger) *Resolver {
	if table == nil {
		table = NewCodeSystemTable()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if cache == nil {
		cache = NewVerdictCache(0, nil)
	}
	if factory == nil {
		factory = NewEndpointFactory(FactoryConfig{})
	}
	return &Resolver{
		table:     table,
		breakers:  breakers,
		cache:     cache,
		factory:   factory,
		logger:    logger.With().Str("component", "terminology").Logger(),
		endpoints: make(map[string]endpointEntry),
	}
}

// Breakers exposes the breaker registry for health and admin endpoints.
func (r *Resolver) Breakers() *breaker.Registry { return r.breakers }

// Table returns the local code system table.
func (r *Resolver) Table() *CodeSystemTable { return r.table }

// ValidateCode resolves one code. The returned error is non-nil only when
// ctx ends before a verdict is reached.
func (r *Resolver) ValidateCode(ctx context.Context, ts validation.TerminologySettings, q Query) (Verdict, error) {
	if valid, known := r.table.Lookup(q.System, q.Code); known {
		v := Verdict{System: q.System, Code: q.Code, Valid: valid, Source: SourceLocal, ServersTried: []string{}}
		if valid {
			v.Status = StatusValid
		} else {
			v.Status = StatusInvalid
			v.Message = fmt.Sprintf("code %q is not defined in %s", q.Code, q.System)
		}
		resolutions.WithLabelValues(string(v.Source), string(v.Status)).Inc()
		return v, nil
	}

	key := r.flightKey(ts, q)
	// The flight outlives any single caller; each remote call is bounded by
	// the per-call timeout instead.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		return r.resolveRemote(flightCtx, ts, q), nil
	})

	select {
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	case res := <-ch:
		v := res.Val.(Verdict)
		v.ServersTried = append([]string(nil), v.ServersTried...)
		v.Skipped = append([]string(nil), v.Skipped...)
		return v, nil
	}
}

// ValidateCodes resolves a set of codes with at most concurrency lookups in
// flight. Duplicate queries are resolved once.
func (r *Resolver) ValidateCodes(ctx context.Context, ts validation.TerminologySettings, queries []Query, concurrency int) (map[Query]Verdict, error) {
	unique := make([]Query, 0, len(queries))
	seen := make(map[Query]struct{}, len(queries))
	for _, q := range queries {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		unique = append(unique, q)
	}

	verdicts := make([]Verdict, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, q := range unique {
		g.Go(func() error {
			v, err := r.ValidateCode(gctx, ts, q)
			if err != nil {
				return err
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[Query]Verdict, len(unique))
	for i, q := range unique {
		out[q] = verdicts[i]
	}
	return out, nil
}

func (r *Resolver) flightKey(ts validation.TerminologySettings, q Query) string {
	var b strings.Builder
	b.WriteString(q.key())
	b.WriteString("|")
	b.WriteString(string(ts.Mode))
	for _, srv := range ts.Servers {
		b.WriteString("|")
		b.WriteString(endpointSignature(srv))
	}
	return b.String()
}

func (r *Resolver) resolveRemote(ctx context.Context, ts validation.TerminologySettings, q Query) Verdict {
	v := Verdict{System: q.System, Code: q.Code, ServersTried: []string{}}
	offline := ts.Mode == validation.TerminologyOffline
	callTimeout := time.Duration(ts.CallTimeoutMs) * time.Millisecond
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	var failures []string
	for _, srv := range ts.Servers {
		if cached, ok := r.cache.Get(q.System, q.Code, srv.ID); ok {
			remoteCalls.WithLabelValues(srv.ID, "cached").Inc()
			return r.remoteVerdict(v, srv.ID, cached.Valid, cached.Message, true)
		}
		if offline {
			continue
		}

		ep, err := r.endpoint(srv)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", srv.ID, err))
			continue
		}

		b := r.breakers.For(srv.ID)
		if !b.Allow() {
			remoteCalls.WithLabelValues(srv.ID, "skipped").Inc()
			v.Skipped = append(v.Skipped, srv.ID)
			continue
		}

		v.ServersTried = append(v.ServersTried, srv.ID)
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		start := time.Now()
		res, err := ep.ValidateCode(callCtx, q.System, q.Code)
		cancel()
		remoteLatency.WithLabelValues(srv.ID).Observe(time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, context.Canceled) {
				b.Abandon()
			} else {
				b.RecordFailure()
			}
			remoteCalls.WithLabelValues(srv.ID, "failure").Inc()
			r.logger.Warn().Err(err).
				Str("server", srv.ID).
				Str("system", q.System).
				Str("code", q.Code).
				Msg("terminology server call failed")
			failures = append(failures, fmt.Sprintf("%s: %v", srv.ID, err))
			continue
		}
		b.RecordSuccess()

		if !res.Known {
			remoteCalls.WithLabelValues(srv.ID, "unknown_system").Inc()
			continue
		}
		remoteCalls.WithLabelValues(srv.ID, "success").Inc()
		r.cache.Put(q.System, q.Code, srv.ID, res)
		return r.remoteVerdict(v, srv.ID, res.Valid, res.Message, false)
	}

	return r.degrade(v, offline, failures)
}

func (r *Resolver) remoteVerdict(v Verdict, serverID string, valid bool, msg string, cached bool) Verdict {
	v.Source = SourceRemote
	v.Server = serverID
	v.Valid = valid
	v.FromCache = cached
	v.Message = msg
	if valid {
		v.Status = StatusValid
	} else {
		v.Status = StatusInvalid
		if v.Message == "" {
			v.Message = fmt.Sprintf("code %q is not valid in %s according to %s", v.Code, v.System, serverID)
		}
	}
	resolutions.WithLabelValues(string(v.Source), string(v.Status)).Inc()
	return v
}

func (r *Resolver) degrade(v Verdict, offline bool, failures []string) Verdict {
	v.Source = SourceDegraded
	reason := "no terminology server could validate the code"
	switch {
	case offline:
		reason = "offline mode and no stored verdict for the code"
	case len(v.ServersTried) == 0 && len(v.Skipped) > 0:
		reason = "all terminology servers are unavailable (circuit open)"
	case len(failures) > 0:
		reason = "terminology servers failed: " + strings.Join(failures, "; ")
	}

	if IsKnownStandard(v.System) {
		v.Status = StatusUnvalidatable
		v.Valid = true
		v.Message = fmt.Sprintf("code %q in %s could not be validated: %s", v.Code, v.System, reason)
	} else {
		v.Status = StatusError
		v.Valid = false
		if v.System == "" {
			v.Message = fmt.Sprintf("code %q has no code system", v.Code)
		} else {
			v.Message = fmt.Sprintf("code system %s is not recognized and %s", v.System, reason)
		}
	}
	resolutions.WithLabelValues(string(v.Source), string(v.Status)).Inc()
	return v
}

// endpoint returns the endpoint for srv, rebuilding it when the server entry
// changed since it was last built.
func (r *Resolver) endpoint(srv validation.TerminologyServer) (Endpoint, error) {
	sig := endpointSignature(srv)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[srv.ID]; ok && e.signature == sig {
		return e.endpoint, e.err
	}
	ep, err := r.factory(srv)
	if err != nil {
		r.logger.Error().Err(err).Str("server", srv.ID).Msg("terminology endpoint cannot be built")
	}
	r.endpoints[srv.ID] = endpointEntry{signature: sig, endpoint: ep, err: err}
	return ep, err
}
