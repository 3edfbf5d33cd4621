package rules

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists rules and their snapshots.
type Repository interface {
	Create(ctx context.Context, r *Rule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	List(ctx context.Context, f ListFilter) ([]*Rule, int, error)
	// UpdateWithSnapshot appends snap and overwrites the rule row as one
	// atomic step. snap must capture the row as it was before r.
	UpdateWithSnapshot(ctx context.Context, r *Rule, snap *Snapshot) error
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListSnapshots returns a rule's snapshots, newest first.
	ListSnapshots(ctx context.Context, ruleID uuid.UUID) ([]*Snapshot, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	// ListActive returns enabled, non-deleted rules applying to resourceType.
	ListActive(ctx context.Context, resourceType string) ([]*Rule, error)
}
