package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaltags/vitaltags/internal/platform/db"
)

const uniqueViolation = "23505"

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Tag Repository ===========

type tagRepoPG struct{ pool *pgxpool.Pool }

func NewTagRepoPG(pool *pgxpool.Pool) TagRepository { return &tagRepoPG{pool: pool} }

func (r *tagRepoPG) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.pool)
}

const tagCols = `id, profile_id, short_id, tag_type, physical_id, status,
	qr_generated, qr_key, pdf_generated, pdf_key,
	created_at, activated_at, revoked_at, scan_count, last_scanned_at`

func (r *tagRepoPG) scanTag(row pgx.Row) (*Tag, error) {
	var t Tag
	err := row.Scan(&t.ID, &t.ProfileID, &t.ShortID, &t.TagType, &t.PhysicalID, &t.Status,
		&t.QRGenerated, &t.QRKey, &t.PDFGenerated, &t.PDFKey,
		&t.CreatedAt, &t.ActivatedAt, &t.RevokedAt, &t.ScanCount, &t.LastScannedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *tagRepoPG) Create(ctx context.Context, t *Tag) error {
	t.ID = uuid.New()
	// Retired short ids belong to deleted tags and are never reissued. A
	// collision inserts nothing instead of raising, so a surrounding
	// transaction stays usable for the retry.
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tags (id, profile_id, short_id, tag_type, physical_id, status, activated_at)
		SELECT $1::uuid, $2::uuid, $3::text, $4::text, $5::text, $6::text, $7::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM retired_short_ids WHERE short_id = $3)
		ON CONFLICT ON CONSTRAINT tags_short_id_key DO NOTHING
		RETURNING created_at`,
		t.ID, t.ProfileID, t.ShortID, t.TagType, t.PhysicalID, t.Status, t.ActivatedAt,
	).Scan(&t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateShortID
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, "short_id") {
		return ErrDuplicateShortID
	}
	return err
}

func (r *tagRepoPG) WithProfileLock(ctx context.Context, profileID uuid.UUID, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var id uuid.UUID
		err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM profiles WHERE id = $1 FOR UPDATE`, profileID).Scan(&id)
		if err != nil {
			return notFound(err)
		}
		return fn(ctx)
	})
}

func (r *tagRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Tag, error) {
	return r.scanTag(r.conn(ctx).QueryRow(ctx, `SELECT `+tagCols+` FROM tags WHERE id = $1`, id))
}

func (r *tagRepoPG) GetByShortID(ctx context.Context, shortID string) (*Tag, error) {
	return r.scanTag(r.conn(ctx).QueryRow(ctx, `SELECT `+tagCols+` FROM tags WHERE short_id = $1`, shortID))
}

func (r *tagRepoPG) ListByProfile(ctx context.Context, profileID uuid.UUID, filter TagFilter, limit, offset int) ([]*Tag, int, error) {
	where := `profile_id = $1`
	args := []interface{}{profileID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.TagType != "" {
		args = append(args, filter.TagType)
		where += fmt.Sprintf(` AND tag_type = $%d`, len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tags WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM tags WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		tagCols, where, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Tag
	for rows.Next() {
		t, err := r.scanTag(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *tagRepoPG) CountActive(ctx context.Context, profileID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM tags WHERE profile_id = $1 AND status = 'active'`, profileID).Scan(&n)
	return n, err
}

func (r *tagRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status TagStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE tags SET status = $2::text,
			revoked_at = CASE WHEN $2::text = 'revoked' THEN NOW() ELSE NULL END,
			activated_at = CASE WHEN $2::text = 'active' THEN NOW() ELSE activated_at END
		WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the tag together with its scan history and retires its
// short id.
func (r *tagRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO retired_short_ids (short_id)
			SELECT short_id FROM tags WHERE id = $1
			ON CONFLICT DO NOTHING`, id); err != nil {
			return err
		}
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM scan_events WHERE tag_id = $1`, id); err != nil {
			return err
		}
		tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM tags WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *tagRepoPG) Stats(ctx context.Context, profileID uuid.UUID) (*TagStats, error) {
	var s TagStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(scan_count), 0),
			MAX(last_scanned_at),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'revoked')
		FROM tags WHERE profile_id = $1`, profileID,
	).Scan(&s.TotalScans, &s.LastScan, &s.ActiveTags, &s.RevokedTags)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *tagRepoPG) PublicStats(ctx context.Context, since time.Time) (*PublicStats, error) {
	s := PublicStats{LastUpdated: time.Now().UTC()}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tags WHERE status = 'active'),
			(SELECT COUNT(*) FROM scan_events),
			(SELECT COUNT(DISTINCT country) FROM scan_events WHERE ts >= $1 AND country IS NOT NULL)`,
		since,
	).Scan(&s.ActiveTags, &s.TotalScans, &s.CountriesReached)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// =========== Profile Repository ===========

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewProfileRepoPG(pool *pgxpool.Pool) ProfileRepository { return &profileRepoPG{pool: pool} }

func (r *profileRepoPG) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.pool)
}

const profileCols = `id, account_id, alias, yob, blood_type, rh_factor, donor_status,
	languages, ice_name, ice_phone, ice_relationship,
	public_alias, public_yob, public_blood, public_languages, public_ice,
	last_updated_at, created_at`

func (r *profileRepoPG) scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var pubAlias, pubYOB, pubBlood, pubLangs, pubICE bool
	err := row.Scan(&p.ID, &p.AccountID, &p.Alias, &p.YearOfBirth, &p.BloodType, &p.RhFactor, &p.DonorStatus,
		&p.Languages, &p.ICEName, &p.ICEPhone, &p.ICERelationship,
		&pubAlias, &pubYOB, &pubBlood, &pubLangs, &pubICE,
		&p.LastUpdatedAt, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.Privacy = PrivacySettings{
		Alias:            visibility(pubAlias),
		YearOfBirth:      visibility(pubYOB),
		Blood:            visibility(pubBlood),
		Languages:        visibility(pubLangs),
		EmergencyContact: visibility(pubICE),
	}
	return &p, nil
}

func visibility(public bool) Visibility {
	if public {
		return VisibilityPublic
	}
	return VisibilityPrivate
}

func (r *profileRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return r.scanProfile(r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM profiles WHERE id = $1`, id))
}

func (r *profileRepoPG) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*Profile, error) {
	return r.scanProfile(r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM profiles WHERE account_id = $1`, accountID))
}

// =========== Medical Repository ===========

type medicalRepoPG struct{ pool *pgxpool.Pool }

func NewMedicalRepoPG(pool *pgxpool.Pool) MedicalRepository { return &medicalRepoPG{pool: pool} }

func (r *medicalRepoPG) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.pool)
}

func (r *medicalRepoPG) PublicConditions(ctx context.Context, profileID uuid.UUID) ([]*Condition, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, profile_id, COALESCE(code_system, ''), COALESCE(code, ''), display,
			severity, notes, is_public, created_at, updated_at
		FROM conditions WHERE profile_id = $1 AND is_public
		ORDER BY created_at DESC`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Condition
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.ProfileID, &c.Coding.System, &c.Coding.Code, &c.Display,
			&c.Severity, &c.Notes, &c.IsPublic, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &c)
	}
	return items, rows.Err()
}

func (r *medicalRepoPG) PublicAllergies(ctx context.Context, profileID uuid.UUID) ([]*Allergy, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, profile_id, COALESCE(substance_system, ''), COALESCE(substance_code, ''), display,
			severity, reaction, onset, is_public, created_at, updated_at
		FROM allergies WHERE profile_id = $1 AND is_public
		ORDER BY created_at DESC`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Allergy
	for rows.Next() {
		var a Allergy
		if err := rows.Scan(&a.ID, &a.ProfileID, &a.Coding.System, &a.Coding.Code, &a.Display,
			&a.Severity, &a.Reaction, &a.Onset, &a.IsPublic, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func (r *medicalRepoPG) PublicMedications(ctx context.Context, profileID uuid.UUID) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, profile_id, COALESCE(drug_system, ''), COALESCE(drug_code, ''), display,
			dose, route, frequency, status, is_public, created_at, updated_at
		FROM medications WHERE profile_id = $1 AND is_public AND status = 'active'
		ORDER BY created_at DESC`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Medication
	for rows.Next() {
		var m Medication
		if err := rows.Scan(&m.ID, &m.ProfileID, &m.Coding.System, &m.Coding.Code, &m.Display,
			&m.Dose, &m.Route, &m.Frequency, &m.Status, &m.IsPublic, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}

// =========== Scan Repository ===========

type scanRepoPG struct{ pool *pgxpool.Pool }

func NewScanRepoPG(pool *pgxpool.Pool) ScanRepository { return &scanRepoPG{pool: pool} }

// RecordScan inserts the event and bumps the tag counters in one
// transaction. The increment happens in SQL so concurrent scans of the same
// tag do not lose updates.
func (r *scanRepoPG) RecordScan(ctx context.Context, ev *ScanEvent) (int64, error) {
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.ConnFromContext(ctx, r.pool)
		if err := q.QueryRow(ctx, `
			INSERT INTO scan_events (tag_id, ts, country, ip_hash, user_agent_hash, referer_domain, scan_method)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)
			RETURNING id`,
			ev.TagID, ev.Timestamp, ev.Country, ev.IPHash, ev.UserAgentHash, ev.RefererDomain, ev.Method,
		).Scan(&ev.ID); err != nil {
			return fmt.Errorf("insert scan event: %w", err)
		}
		tag, err := q.Exec(ctx, `
			UPDATE tags SET scan_count = scan_count + 1, last_scanned_at = $2
			WHERE id = $1`, ev.TagID, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("update tag counters: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update tag counters: %w", ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ev.ID, nil
}
