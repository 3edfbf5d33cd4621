package rules

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/validation/internal/domain/validation"
)

var (
	ErrNotFound          = errors.New("business rule not found")
	ErrRuleDeleted       = errors.New("business rule is deleted")
	ErrInvalidRule       = errors.New("invalid business rule")
	ErrInvalidExpression = errors.New("invalid FHIRPath expression")
	ErrInvalidVersion    = errors.New("invalid rule version")
	ErrSnapshotMismatch  = errors.New("snapshot does not belong to rule")
	ErrNonBooleanResult  = errors.New("rule expression did not produce a single boolean")
)

// AnyResourceType in ResourceTypes makes a rule apply to every resource.
const AnyResourceType = "*"

// Rule maps to the business_rules table.
type Rule struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	Name              string              `db:"name" json:"name"`
	Description       string              `db:"description" json:"description,omitempty"`
	Expression        string              `db:"expression" json:"expression"`
	ResourceTypes     []string            `db:"resource_types" json:"resource_types"`
	Severity          validation.Severity `db:"severity" json:"severity"`
	Category          string              `db:"category" json:"category,omitempty"`
	Enabled           bool                `db:"enabled" json:"enabled"`
	Version           string              `db:"version" json:"version"`
	PreviousVersionID *uuid.UUID          `db:"previous_version_id" json:"previous_version_id,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
	DeletedAt         *time.Time          `db:"deleted_at" json:"deleted_at,omitempty"`
}

// IsActive reports whether the rule takes part in validation.
func (r *Rule) IsActive() bool { return r.Enabled && r.DeletedAt == nil }

// AppliesTo reports whether the rule targets resources of type rt.
func (r *Rule) AppliesTo(rt string) bool {
	return slices.Contains(r.ResourceTypes, rt) || slices.Contains(r.ResourceTypes, AnyResourceType)
}

func (r *Rule) clone() *Rule {
	c := *r
	c.ResourceTypes = slices.Clone(r.ResourceTypes)
	if r.PreviousVersionID != nil {
		id := *r.PreviousVersionID
		c.PreviousVersionID = &id
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Snapshot maps to the business_rule_snapshots table. Snapshots are
// append-only: each captures a rule exactly as it was before a change.
type Snapshot struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	RuleID            uuid.UUID           `db:"rule_id" json:"rule_id"`
	Name              string              `db:"name" json:"name"`
	Description       string              `db:"description" json:"description,omitempty"`
	Expression        string              `db:"expression" json:"expression"`
	ResourceTypes     []string            `db:"resource_types" json:"resource_types"`
	Severity          validation.Severity `db:"severity" json:"severity"`
	Category          string              `db:"category" json:"category,omitempty"`
	Enabled           bool                `db:"enabled" json:"enabled"`
	Version           string              `db:"version" json:"version"`
	PreviousVersionID *uuid.UUID          `db:"previous_version_id" json:"previous_version_id,omitempty"`
	DeletedAt         *time.Time          `db:"deleted_at" json:"deleted_at,omitempty"`
	Reason            string              `db:"reason" json:"reason"`
	CapturedAt        time.Time           `db:"captured_at" json:"captured_at"`
}

// Snapshot reasons.
const (
	ReasonUpdate   = "update"
	ReasonRollback = "rollback"
)

func snapshotOf(r *Rule, reason string, at time.Time) *Snapshot {
	s := &Snapshot{
		ID:            uuid.New(),
		RuleID:        r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Expression:    r.Expression,
		ResourceTypes: slices.Clone(r.ResourceTypes),
		Severity:      r.Severity,
		Category:      r.Category,
		Enabled:       r.Enabled,
		Version:       r.Version,
		Reason:        reason,
		CapturedAt:    at,
	}
	if r.PreviousVersionID != nil {
		id := *r.PreviousVersionID
		s.PreviousVersionID = &id
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		s.DeletedAt = &t
	}
	return s
}

// restoreInto copies the snapshot's rule fields onto r.
func (s *Snapshot) restoreInto(r *Rule) {
	r.Name = s.Name
	r.Description = s.Description
	r.Expression = s.Expression
	r.ResourceTypes = slices.Clone(s.ResourceTypes)
	r.Severity = s.Severity
	r.Category = s.Category
	r.Enabled = s.Enabled
	r.Version = s.Version
	r.DeletedAt = nil
}

// RuleInput is the writable part of a rule, used by create and update.
type RuleInput struct {
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	Expression    string              `json:"expression"`
	ResourceTypes []string            `json:"resource_types"`
	Severity      validation.Severity `json:"severity,omitempty"`
	Category      string              `json:"category,omitempty"`
	Enabled       *bool               `json:"enabled,omitempty"`
	Version       string              `json:"version,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	ResourceType   string
	Category       string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f ListFilter) matches(r *Rule) bool {
	if !f.IncludeDeleted && r.DeletedAt != nil {
		return false
	}
	if f.ResourceType != "" && !r.AppliesTo(f.ResourceType) {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	return true
}
