package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/validation/internal/platform/db"
)

type groupStorePG struct{ pool *pgxpool.Pool }

// NewGroupStorePG stores groups in validation_message_groups and their member
// resources in validation_message_group_members.
func NewGroupStorePG(pool *pgxpool.Pool) GroupStore { return &groupStorePG{pool: pool} }

func (s *groupStorePG) Record(ctx context.Context, resourceKey string, result *AspectResult) error {
	if len(result.Issues) == 0 {
		return nil
	}
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, s.pool)
		for _, is := range result.Issues {
			g := newGroup(result.Aspect, is, result.ValidatedAt)
			_, err := q.Exec(ctx,
				`INSERT INTO validation_message_groups
				   (signature, aspect, severity, code, path_pattern, message_template, sample_message, first_seen_at, last_seen_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
				 ON CONFLICT (signature) DO UPDATE SET
				   first_seen_at = LEAST(validation_message_groups.first_seen_at, EXCLUDED.first_seen_at),
				   last_seen_at = GREATEST(validation_message_groups.last_seen_at, EXCLUDED.last_seen_at)`,
				g.Signature, g.Aspect, g.Severity, g.Code, g.PathPattern, g.MessageTemplate, g.SampleMessage, g.FirstSeenAt)
			if err != nil {
				return fmt.Errorf("upsert message group: %w", err)
			}
			_, err = q.Exec(ctx,
				`INSERT INTO validation_message_group_members (signature, resource_key)
				 VALUES ($1, $2) ON CONFLICT DO NOTHING`, g.Signature, resourceKey)
			if err != nil {
				return fmt.Errorf("insert group member: %w", err)
			}
		}
		return nil
	})
}

const groupSelect = `SELECT g.signature, g.aspect, g.severity, g.code, g.path_pattern, g.message_template,
        g.sample_message, g.first_seen_at, g.last_seen_at,
        (SELECT COUNT(*) FROM validation_message_group_members m WHERE m.signature = g.signature)
 FROM validation_message_groups g`

func scanGroup(row pgx.Row) (*MessageGroup, error) {
	var g MessageGroup
	err := row.Scan(&g.Signature, &g.Aspect, &g.Severity, &g.Code, &g.PathPattern, &g.MessageTemplate,
		&g.SampleMessage, &g.FirstSeenAt, &g.LastSeenAt, &g.TotalResources)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *groupStorePG) Get(ctx context.Context, signature string) (*MessageGroup, error) {
	g, err := scanGroup(db.Conn(ctx, s.pool).QueryRow(ctx, groupSelect+` WHERE g.signature = $1`, signature))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message group: %w", err)
	}
	return g, nil
}

func (s *groupStorePG) List(ctx context.Context, filter GroupFilter) ([]*MessageGroup, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT * FROM (`+groupSelect+`
		   WHERE ($1 = '' OR g.aspect = $1) AND ($2 = '' OR g.severity = $2)) grouped
		 ORDER BY 10 DESC, 1 LIMIT $3`,
		string(filter.Aspect), string(filter.Severity), limit)
	if err != nil {
		return nil, fmt.Errorf("list message groups: %w", err)
	}
	defer rows.Close()

	var out []*MessageGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
