package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/validation/internal/config"
	"github.com/ehr/validation/internal/domain/rules"
	"github.com/ehr/validation/internal/domain/terminology"
	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/domain/validation/aspect"
	"github.com/ehr/validation/internal/platform/audit"
	"github.com/ehr/validation/internal/platform/breaker"
	"github.com/ehr/validation/internal/platform/db"
	"github.com/ehr/validation/internal/platform/fhir"
)

// engine holds the wired validation service. Both the HTTP server and the
// one-shot validate command are built from it.
type engine struct {
	pool         *pgxpool.Pool
	sink         audit.Sink
	orchestrator *validation.Orchestrator
	cache        *validation.ResultCache
	groups       validation.GroupStore
	invalidation *validation.InvalidationController
	resolver     *terminology.Resolver
	rules        *rules.Service

	closers []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// buildEngine wires every collaborator from process config. initial is the
// settings in force at startup; it decides whether the offline terminology
// store is opened.
func buildEngine(ctx context.Context, cfg *config.Config, initial *validation.Settings, logger zerolog.Logger) (*engine, error) {
	eng := &engine{}
	ok := false
	defer func() {
		if !ok {
			eng.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		eng.pool = pool
		eng.closers = append(eng.closers, pool.Close)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory stores")
	}

	// Audit
	sinks := audit.Multi{audit.NewLogSink(logger)}
	if cfg.AuditWebhookURL != "" {
		wh := audit.NewWebhookSink(cfg.AuditWebhookURL, cfg.AuditWebhookSecret, logger)
		eng.closers = append(eng.closers, wh.Close)
		sinks = append(sinks, wh)
	}
	eng.sink = sinks

	// Terminology
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, breaker.WithTransitionFunc(breakerTransitions(logger, eng.sink)))

	var offline *terminology.OfflineStore
	if path := initial.Terminology.OfflineCachePath; path != "" {
		store, err := terminology.OpenOfflineStore(path, logger)
		if err != nil {
			return nil, err
		}
		offline = store
		eng.closers = append(eng.closers, func() { _ = store.Close() })
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	eng.resolver = terminology.NewResolver(
		terminology.NewCodeSystemTable(),
		breakers,
		terminology.NewVerdictCache(cfg.TerminologyCacheTTL, offline),
		terminology.NewEndpointFactory(terminology.FactoryConfig{Pool: eng.pool, HTTPClient: httpClient}),
		logger,
	)

	// Business rules
	var ruleRepo rules.Repository = rules.NewMemoryRepository()
	if eng.pool != nil {
		ruleRepo = rules.NewRuleRepoPG(eng.pool)
	}
	eng.rules = rules.NewService(ruleRepo, rules.NewEvaluator(), eng.sink, logger)

	// Profiles
	profiles := fhir.NewProfileRegistry()
	fhir.RegisterUSCoreProfiles(profiles)
	if cfg.ProfileDir != "" {
		n, err := fhir.LoadProfileDir(profiles, cfg.ProfileDir)
		if err != nil {
			return nil, fmt.Errorf("load profiles: %w", err)
		}
		logger.Info().Int("count", n).Str("dir", cfg.ProfileDir).Msg("profiles loaded")
	}

	deps := aspect.Dependencies{
		Profiles:  profiles,
		Codes:     eng.resolver,
		Rules:     eng.rules,
		Evaluator: eng.rules.Evaluator(),
	}
	if cfg.StructuralValidatorCmd != "" {
		checker, err := fhir.NewExecChecker(cfg.StructuralValidatorCmd)
		if err != nil {
			return nil, err
		}
		deps.Checker = checker
		deps.FallbackChecker = fhir.NewBuiltinChecker()
	}
	if cfg.PackageRegistryURL != "" {
		deps.PackageRegistry = fhir.NewPackageRegistry(cfg.PackageRegistryURL, httpClient)
	}
	servers, err := cfg.ResourceServerMap()
	if err != nil {
		return nil, err
	}
	if len(servers) > 0 {
		deps.Resources = fhir.NewHTTPResourceStore(servers, httpClient)
	}

	// Results, groups and invalidation
	cacheOpts := []validation.CacheOption{}
	eng.groups = validation.NewMemoryGroupStore()
	if eng.pool != nil {
		cacheOpts = append(cacheOpts, validation.WithRepository(validation.NewResultRepoPG(eng.pool)))
		eng.groups = validation.NewGroupStorePG(eng.pool)
	}
	eng.cache = validation.NewResultCache(cfg.ResultCacheTTL, logger, cacheOpts...)
	eng.invalidation = validation.NewInvalidationController(eng.cache, eng.sink, logger, initial.Hash())
	eng.rules.OnChange(func(ctx context.Context, ruleID string) {
		eng.invalidation.RulesChanged(ctx, ruleID)
	})

	eng.orchestrator = validation.NewOrchestrator(
		aspect.NewRegistry(deps),
		eng.cache,
		logger,
		validation.WithGroupStore(eng.groups),
		validation.WithEngineVersion(cfg.EngineVersion),
	)

	ok = true
	return eng, nil
}

// breakerTransitions logs, audits and exports every circuit state change.
func breakerTransitions(logger zerolog.Logger, sink audit.Sink) breaker.TransitionFunc {
	return func(key string, from, to breaker.State) {
		evt := logger.Info()
		if to == breaker.StateOpen {
			evt = logger.Warn()
		}
		evt.Str("server", key).Str("from", string(from)).Str("to", string(to)).Msg("circuit state changed")
		terminology.ObserveBreakerState(key, to)
		sink.Record(context.Background(), audit.NewEvent(audit.EventBreakerStateChanged, key, map[string]any{
			"from": string(from),
			"to":   string(to),
		}))
	}
}
