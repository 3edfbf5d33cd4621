package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/validation/internal/platform/db"
)

type ruleRepoPG struct{ pool *pgxpool.Pool }

// NewRuleRepoPG stores rules in business_rules and snapshots in
// business_rule_snapshots.
func NewRuleRepoPG(pool *pgxpool.Pool) Repository { return &ruleRepoPG{pool: pool} }

const ruleCols = `id, name, description, expression, resource_types, severity, category,
	enabled, version, previous_version_id, created_at, updated_at, deleted_at`

const snapshotCols = `id, rule_id, name, description, expression, resource_types, severity, category,
	enabled, version, previous_version_id, deleted_at, reason, captured_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Expression, &r.ResourceTypes, &r.Severity, &r.Category,
		&r.Enabled, &r.Version, &r.PreviousVersionID, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var s Snapshot
	err := row.Scan(&s.ID, &s.RuleID, &s.Name, &s.Description, &s.Expression, &s.ResourceTypes, &s.Severity, &s.Category,
		&s.Enabled, &s.Version, &s.PreviousVersionID, &s.DeletedAt, &s.Reason, &s.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *ruleRepoPG) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO business_rules (id, name, description, expression, resource_types, severity, category,
			enabled, version, previous_version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rule.ID, rule.Name, rule.Description, rule.Expression, rule.ResourceTypes, rule.Severity, rule.Category,
		rule.Enabled, rule.Version, rule.PreviousVersionID, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert business rule: %w", err)
	}
	return nil
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return scanRule(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+ruleCols+` FROM business_rules WHERE id = $1`, id))
}

func (r *ruleRepoPG) List(ctx context.Context, f ListFilter) ([]*Rule, int, error) {
	where := `WHERE ($1 OR deleted_at IS NULL)
		AND ($2 = '' OR $2 = ANY(resource_types) OR '*' = ANY(resource_types))
		AND ($3 = '' OR category = $3)`
	args := []any{f.IncludeDeleted, f.ResourceType, f.Category}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM business_rules `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count business rules: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+ruleCols+` FROM business_rules `+where+` ORDER BY name, id LIMIT $4 OFFSET $5`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list business rules: %w", err)
	}
	defer rows.Close()
	var items []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rule)
	}
	return items, total, rows.Err()
}

func (r *ruleRepoPG) UpdateWithSnapshot(ctx context.Context, rule *Rule, snap *Snapshot) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, r.pool)
		if snap != nil {
			_, err := conn.Exec(ctx, `
				INSERT INTO business_rule_snapshots (`+snapshotCols+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
				snap.ID, snap.RuleID, snap.Name, snap.Description, snap.Expression, snap.ResourceTypes, snap.Severity,
				snap.Category, snap.Enabled, snap.Version, snap.PreviousVersionID, snap.DeletedAt, snap.Reason, snap.CapturedAt)
			if err != nil {
				return fmt.Errorf("insert rule snapshot: %w", err)
			}
		}
		tag, err := conn.Exec(ctx, `
			UPDATE business_rules SET name=$2, description=$3, expression=$4, resource_types=$5, severity=$6,
				category=$7, enabled=$8, version=$9, previous_version_id=$10, updated_at=$11, deleted_at=$12
			WHERE id = $1`,
			rule.ID, rule.Name, rule.Description, rule.Expression, rule.ResourceTypes, rule.Severity,
			rule.Category, rule.Enabled, rule.Version, rule.PreviousVersionID, rule.UpdatedAt, rule.DeletedAt)
		if err != nil {
			return fmt.Errorf("update business rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *ruleRepoPG) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE business_rules SET deleted_at = COALESCE(deleted_at, $2), updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("delete business rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ruleRepoPG) ListSnapshots(ctx context.Context, ruleID uuid.UUID) ([]*Snapshot, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+snapshotCols+` FROM business_rule_snapshots WHERE rule_id = $1 ORDER BY captured_at DESC, id DESC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list rule snapshots: %w", err)
	}
	defer rows.Close()
	items := []*Snapshot{}
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *ruleRepoPG) GetSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	return scanSnapshot(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM business_rule_snapshots WHERE id = $1`, id))
}

func (r *ruleRepoPG) ListActive(ctx context.Context, resourceType string) ([]*Rule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+ruleCols+` FROM business_rules
		WHERE enabled AND deleted_at IS NULL AND ($1 = ANY(resource_types) OR '*' = ANY(resource_types))
		ORDER BY name, id`, resourceType)
	if err != nil {
		return nil, fmt.Errorf("list active business rules: %w", err)
	}
	defer rows.Close()
	var items []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rule)
	}
	return items, rows.Err()
}
