package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	scandomain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
)

type ShareRepository struct {
	db *sql.DB
}

func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

const shareColumns = `id, scan_id, shared_with_user_id, permission_level,
 share_token, created_by, created_at, expires_at`

func (r *ShareRepository) Create(ctx context.Context, s *shares.ScanShare) error {
	const q = `
INSERT INTO scan_shares
 (scan_id, shared_with_user_id, permission_level, share_token, created_by, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id`
	return r.db.QueryRowContext(ctx, q,
		s.ScanID, nullInt64(s.SharedWithUserID), s.Permission, s.ShareToken,
		s.CreatedBy, s.CreatedAt, nullTime(s.ExpiresAt),
	).Scan(&s.ID)
}

func scanShare(row rowScanner) (*shares.ScanShare, error) {
	var (
		s       shares.ScanShare
		userID  sql.NullInt64
		expires sql.NullTime
	)
	err := row.Scan(&s.ID, &s.ScanID, &userID, &s.Permission, &s.ShareToken,
		&s.CreatedBy, &s.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scandomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.SharedWithUserID = int64Ptr(userID)
	s.ExpiresAt = timePtr(expires)
	return &s, nil
}

func (r *ShareRepository) Get(ctx context.Context, id int64) (*shares.ScanShare, error) {
	const q = `SELECT ` + shareColumns + ` FROM scan_shares WHERE id = $1`
	return scanShare(r.db.QueryRowContext(ctx, q, id))
}

func (r *ShareRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scan_shares WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scandomain.ErrNotFound
	}
	return nil
}

func (r *ShareRepository) ListByScan(ctx context.Context, scanID string) ([]*shares.ScanShare, error) {
	const q = `SELECT ` + shareColumns + ` FROM scan_shares WHERE scan_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*shares.ScanShare
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindForUser returns the newest non-expired grant. Expired grants stay in
// the table until revoked but never come back from here, so a stale newer
// grant cannot shadow an older live one.
func (r *ShareRepository) FindForUser(ctx context.Context, scanID string, userID int64, now time.Time) (*shares.ScanShare, error) {
	const q = `SELECT ` + shareColumns + ` FROM scan_shares
WHERE scan_id = $1 AND shared_with_user_id = $2
 AND (expires_at IS NULL OR expires_at > $3)
ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanShare(r.db.QueryRowContext(ctx, q, scanID, userID, now))
}

func (r *ShareRepository) FindByToken(ctx context.Context, token string) (*shares.ScanShare, error) {
	const q = `SELECT ` + shareColumns + ` FROM scan_shares
WHERE share_token = $1 AND shared_with_user_id IS NULL LIMIT 1`
	return scanShare(r.db.QueryRowContext(ctx, q, token))
}

func (r *ShareRepository) DeleteByScan(ctx context.Context, scanID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scan_shares WHERE scan_id = $1`, scanID)
	return err
}
