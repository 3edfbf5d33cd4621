package rules

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/audit"
	"github.com/ehr/validation/internal/platform/fhir"
)

const initialVersion = "1.0.0"

// ChangeListener is told about every rule mutation, for example to evict
// cached business-rule results.
type ChangeListener func(ctx context.Context, ruleID string)

// Service manages business rules and their version history.
type Service struct {
	repo      Repository
	evaluator *Evaluator
	sink      audit.Sink
	logger    zerolog.Logger
	now       func() time.Time

	// writeMu serializes mutations so each update snapshots the state it
	// replaces.
	writeMu   sync.Mutex
	listeners []ChangeListener
}

func NewService(repo Repository, evaluator *Evaluator, sink audit.Sink, logger zerolog.Logger) *Service {
	if evaluator == nil {
		evaluator = NewEvaluator()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		repo:      repo,
		evaluator: evaluator,
		sink:      sink,
		logger:    logger.With().Str("component", "rules").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnChange registers a listener for rule mutations. Not safe to call
// concurrently with mutations.
func (s *Service) OnChange(fn ChangeListener) {
	s.listeners = append(s.listeners, fn)
}

// Evaluator returns the expression evaluator shared with the rule aspect.
func (s *Service) Evaluator() *Evaluator { return s.evaluator }

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, in RuleInput) (*Rule, error) {
	r := &Rule{Enabled: true}
	if err := s.apply(r, in); err != nil {
		return nil, err
	}
	if r.Version == "" {
		r.Version = initialVersion
	}
	now := s.now()
	r.ID = uuid.New()
	r.CreatedAt, r.UpdatedAt = now, now

	s.writeMu.Lock()
	err := s.repo.Create(ctx, r)
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.changed(ctx, audit.EventRuleCreated, r, map[string]any{"version": r.Version})
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Rule, int, error) {
	return s.repo.List(ctx, f)
}

// Update replaces the writable fields of a rule. The prior state is
// snapshotted before the row is overwritten. If a semantic field changes and
// the caller did not supply a new version, the patch component is bumped.
// An update that changes nothing is a no-op.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in RuleInput) (*Rule, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.DeletedAt != nil {
		return nil, ErrRuleDeleted
	}

	next := current.clone()
	if in.Version == "" {
		in.Version = current.Version
	}
	if err := s.apply(next, in); err != nil {
		return nil, err
	}
	if semver.Compare("v"+next.Version, "v"+current.Version) < 0 {
		return nil, fmt.Errorf("%w: %s is lower than current %s", ErrInvalidVersion, next.Version, current.Version)
	}
	if !changed(current, next) {
		return current, nil
	}
	if semanticChange(current, next) && next.Version == current.Version {
		next.Version = bumpPatch(current.Version)
	}

	snap := snapshotOf(current, ReasonUpdate, s.now())
	next.PreviousVersionID = &snap.ID
	next.UpdatedAt = snap.CapturedAt
	if err := s.repo.UpdateWithSnapshot(ctx, next, snap); err != nil {
		return nil, err
	}
	s.changed(ctx, audit.EventRuleUpdated, next, map[string]any{
		"version":         next.Version,
		"previousVersion": current.Version,
		"snapshotId":      snap.ID.String(),
	})
	return next, nil
}

// Delete soft-deletes a rule. Its history is kept.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	s.writeMu.Lock()
	current, err := s.repo.GetByID(ctx, id)
	if err == nil && current.DeletedAt == nil {
		err = s.repo.SoftDelete(ctx, id, s.now())
	}
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	if current.DeletedAt != nil {
		return nil
	}
	s.changed(ctx, audit.EventRuleDeleted, current, nil)
	return nil
}

// History returns a rule's snapshots, newest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*Snapshot, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListSnapshots(ctx, id)
}

// Rollback restores the field values captured in a snapshot as the rule's
// new active state. The state being replaced is snapshotted first, so a
// rollback can itself be rolled back.
func (s *Service) Rollback(ctx context.Context, id, snapshotID uuid.UUID) (*Rule, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	target, err := s.repo.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if target.RuleID != id {
		return nil, ErrSnapshotMismatch
	}
	if _, err := s.evaluator.Compile(target.Expression); err != nil {
		return nil, err
	}

	snap := snapshotOf(current, ReasonRollback, s.now())
	next := current.clone()
	target.restoreInto(next)
	next.PreviousVersionID = &snap.ID
	next.UpdatedAt = snap.CapturedAt
	if err := s.repo.UpdateWithSnapshot(ctx, next, snap); err != nil {
		return nil, err
	}
	s.changed(ctx, audit.EventRuleRolledBack, next, map[string]any{
		"restoredSnapshotId": target.ID.String(),
		"snapshotId":         snap.ID.String(),
		"version":            next.Version,
	})
	return next, nil
}

// ActiveRulesFor returns the rules the business-rule aspect evaluates for
// resources of type resourceType.
func (s *Service) ActiveRulesFor(ctx context.Context, resourceType string) ([]*Rule, error) {
	return s.repo.ListActive(ctx, resourceType)
}

func (s *Service) apply(r *Rule, in RuleInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	expr := strings.TrimSpace(in.Expression)
	if expr == "" {
		return fmt.Errorf("%w: expression is required", ErrInvalidRule)
	}
	if _, err := s.evaluator.Compile(expr); err != nil {
		return err
	}
	if len(in.ResourceTypes) == 0 {
		return fmt.Errorf("%w: at least one resource type is required", ErrInvalidRule)
	}
	types := make([]string, 0, len(in.ResourceTypes))
	for _, rt := range in.ResourceTypes {
		if rt != AnyResourceType && !fhir.IsKnownResourceType(rt) {
			return fmt.Errorf("%w: unknown resource type %q", ErrInvalidRule, rt)
		}
		types = append(types, rt)
	}
	slices.Sort(types)
	types = slices.Compact(types)

	severity := in.Severity
	if severity == "" {
		severity = validation.SeverityError
	}
	if !severity.IsValid() {
		return fmt.Errorf("%w: invalid severity %q", ErrInvalidRule, severity)
	}

	version := ""
	if in.Version != "" {
		v, err := NormalizeVersion(in.Version)
		if err != nil {
			return err
		}
		version = v
	}

	r.Name = name
	r.Description = strings.TrimSpace(in.Description)
	r.Expression = expr
	r.ResourceTypes = types
	r.Severity = severity
	r.Category = strings.TrimSpace(in.Category)
	if in.Enabled != nil {
		r.Enabled = *in.Enabled
	}
	r.Version = version
	return nil
}

func (s *Service) changed(ctx context.Context, eventType string, r *Rule, details map[string]any) {
	ev := audit.NewEvent(eventType, r.ID.String(), details)
	ev.Actor = audit.ActorFromContext(ctx)
	s.sink.Record(ctx, ev)
	s.logger.Info().Str("rule_id", r.ID.String()).Str("event", eventType).Str("version", r.Version).Msg("business rule changed")
	for _, fn := range s.listeners {
		fn(ctx, r.ID.String())
	}
}

// NormalizeVersion validates a semantic version, accepting an optional
// leading "v", and returns it in canonical MAJOR.MINOR.PATCH form without
// the prefix.
func NormalizeVersion(v string) (string, error) {
	sv := v
	if !strings.HasPrefix(sv, "v") {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return "", fmt.Errorf("%w: %q is not a semantic version", ErrInvalidVersion, v)
	}
	return strings.TrimPrefix(semver.Canonical(sv), "v"), nil
}

func bumpPatch(v string) string {
	c := semver.Canonical("v" + v)
	core := strings.TrimSuffix(c, semver.Prerelease(c))
	parts := strings.SplitN(strings.TrimPrefix(core, "v"), ".", 3)
	if len(parts) != 3 {
		return v
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return v
	}
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}

func semanticChange(a, b *Rule) bool {
	return a.Name != b.Name || a.Description != b.Description || a.Expression != b.Expression
}

func changed(a, b *Rule) bool {
	return semanticChange(a, b) ||
		a.Version != b.Version ||
		a.Severity != b.Severity ||
		a.Category != b.Category ||
		a.Enabled != b.Enabled ||
		!slices.Equal(a.ResourceTypes, b.ResourceTypes)
}
