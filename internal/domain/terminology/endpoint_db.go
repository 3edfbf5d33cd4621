package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/db"
)

// referenceTable describes where one code system lives in the reference
// code tables.
type referenceTable struct {
	table      string
	codeColumn string
}

// referenceTables maps code systems to the reference tables loaded alongside
// the EHR database.
var referenceTables = map[string]referenceTable{
	SystemLOINC:  {table: "reference_loinc", codeColumn: "code"},
	SystemICD10:  {table: "reference_icd10", codeColumn: "code"},
	SystemSNOMED: {table: "reference_snomed", codeColumn: "code"},
	SystemRxNorm: {table: "reference_medication", codeColumn: "rxnorm_code"},
	SystemCPT:    {table: "reference_cpt", codeColumn: "code"},
}

// DBEndpoint answers $validate-code from the reference code tables.
type DBEndpoint struct {
	id   string
	pool *pgxpool.Pool
}

func NewDBEndpoint(id string, pool *pgxpool.Pool) *DBEndpoint {
	return &DBEndpoint{id: id, pool: pool}
}

func (e *DBEndpoint) ID() string { return e.id }

func (e *DBEndpoint) ValidateCode(ctx context.Context, system, code string) (RemoteResult, error) {
	ref, ok := referenceTables[system]
	if !ok {
		return RemoteResult{Known: false}, nil
	}

	var display string
	err := db.Conn(ctx, e.pool).QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(display,'') FROM %s WHERE %s = $1`, ref.table, ref.codeColumn), code).
		Scan(&display)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return RemoteResult{Known: true, Valid: false, Message: fmt.Sprintf("code %q not found in %s", code, system)}, nil
	case err != nil:
		return RemoteResult{}, validation.Transient("terminology "+e.id, err)
	}
	return RemoteResult{Known: true, Valid: true, Display: display}, nil
}
