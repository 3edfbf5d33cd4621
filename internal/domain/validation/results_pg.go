package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/validation/internal/platform/db"
)

type resultRepoPG struct{ pool *pgxpool.Pool }

// NewResultRepoPG persists aspect results in validation_aspect_results,
// keyed by (resource_hash, settings_hash, aspect) with the result as JSONB.
func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository { return &resultRepoPG{pool: pool} }

func (r *resultRepoPG) Get(ctx context.Context, key CacheKey, now time.Time) (*AspectResult, error) {
	var raw []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT result FROM validation_aspect_results
		 WHERE resource_hash = $1 AND settings_hash = $2 AND aspect = $3 AND expires_at > $4`,
		key.ResourceHash, key.SettingsHash, string(key.Aspect), now).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get aspect result: %w", err)
	}
	var res AspectResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode aspect result: %w", err)
	}
	return &res, nil
}

func (r *resultRepoPG) Save(ctx context.Context, result *AspectResult, expiresAt time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode aspect result: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO validation_aspect_results
		   (resource_hash, settings_hash, aspect, is_valid, error_count, warning_count, result, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (resource_hash, settings_hash, aspect) DO UPDATE SET
		   is_valid = EXCLUDED.is_valid, error_count = EXCLUDED.error_count,
		   warning_count = EXCLUDED.warning_count, result = EXCLUDED.result,
		   created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		result.ResourceHash, result.SettingsHash, string(result.Aspect), result.IsValid,
		result.ErrorCount, result.WarningCount, raw, result.ValidatedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("save aspect result: %w", err)
	}
	return nil
}

func (r *resultRepoPG) exec(ctx context.Context, op, sql string, args ...any) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (r *resultRepoPG) DeleteSettingsExcept(ctx context.Context, keepHash string) (int64, error) {
	return r.exec(ctx, "delete stale settings results",
		`DELETE FROM validation_aspect_results WHERE settings_hash <> $1`, keepHash)
}

func (r *resultRepoPG) DeleteResource(ctx context.Context, resourceHash string) (int64, error) {
	return r.exec(ctx, "delete resource results",
		`DELETE FROM validation_aspect_results WHERE resource_hash = $1`, resourceHash)
}

func (r *resultRepoPG) DeleteAspect(ctx context.Context, aspect Aspect) (int64, error) {
	return r.exec(ctx, "delete aspect results",
		`DELETE FROM validation_aspect_results WHERE aspect = $1`, string(aspect))
}

func (r *resultRepoPG) DeleteAll(ctx context.Context) (int64, error) {
	return r.exec(ctx, "delete all results", `DELETE FROM validation_aspect_results`)
}
