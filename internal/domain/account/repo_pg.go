package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vitaltags/vitaltags/internal/platform/db"
)

type repoPG struct{ pool db.Pool }

func NewRepoPG(pool db.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.pool)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, email, is_active, created_at, last_login, gdpr_consent_at, data_retention_until
		FROM accounts WHERE id = $1`, id).Scan(
		&a.ID, &a.Email, &a.IsActive, &a.CreatedAt, &a.LastLogin, &a.GDPRConsentAt, &a.DataRetentionUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

const (
	profilesOf = `SELECT id FROM profiles WHERE account_id = $1`
	tagsOf     = `SELECT id FROM tags WHERE profile_id IN (` + profilesOf + `)`
)

// erasureSteps run in order: dependents before the rows they reference.
// Short ids are retired before their tags go so they are never reissued.
var erasureSteps = []struct {
	name string
	sql  string
}{
	{"scan_events", `DELETE FROM scan_events WHERE tag_id IN (` + tagsOf + `)`},
	{"conditions", `DELETE FROM conditions WHERE profile_id IN (` + profilesOf + `)`},
	{"allergies", `DELETE FROM allergies WHERE profile_id IN (` + profilesOf + `)`},
	{"medications", `DELETE FROM medications WHERE profile_id IN (` + profilesOf + `)`},
	{"retired_short_ids", `INSERT INTO retired_short_ids (short_id)
		SELECT short_id FROM tags WHERE profile_id IN (` + profilesOf + `)
		ON CONFLICT DO NOTHING`},
	{"tags", `DELETE FROM tags WHERE profile_id IN (` + profilesOf + `)`},
	{"profiles", `DELETE FROM profiles WHERE account_id = $1`},
	{"accounts", `DELETE FROM accounts WHERE id = $1`},
}

func (r *repoPG) Erase(ctx context.Context, id uuid.UUID) (*ErasureReport, error) {
	report := &ErasureReport{AccountID: id}
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		for _, step := range erasureSteps {
			tag, err := r.conn(ctx).Exec(ctx, step.sql, id)
			if err != nil {
				return fmt.Errorf("erase %s: %w", step.name, err)
			}
			report.Steps = append(report.Steps, StepResult{Step: step.name, Rows: tag.RowsAffected()})
		}
		if report.Rows("accounts") == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
