package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mercutioviz/kast-web/internal/domain/profiles"
	scandomain "github.com/mercutioviz/kast-web/internal/domain/scans"
)

type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

const profileColumns = `id, name, description, config_yaml, allow_standard_users,
 is_system_default, created_by, created_at, updated_at`

func (r *ProfileRepository) Create(ctx context.Context, p *profiles.ScanConfigProfile) (int64, error) {
	const q = `
INSERT INTO scan_config_profiles
 (name, description, config_yaml, allow_standard_users, is_system_default, created_by, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?)`
	res, err := r.db.ExecContext(ctx, q,
		p.Name, p.Description, p.ConfigYAML, p.AllowStandardUsers,
		false, p.CreatedBy, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *ProfileRepository) Update(ctx context.Context, p *profiles.ScanConfigProfile) error {
	const q = `
UPDATE scan_config_profiles
SET name = ?, description = ?, config_yaml = ?, allow_standard_users = ?, updated_at = ?
WHERE id = ?`
	res, err := r.db.ExecContext(ctx, q,
		p.Name, p.Description, p.ConfigYAML, p.AllowStandardUsers, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scandomain.ErrNotFound
	}
	return nil
}

func (r *ProfileRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scan_config_profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scandomain.ErrNotFound
	}
	return nil
}

func scanProfile(row rowScanner) (*profiles.ScanConfigProfile, error) {
	var p profiles.ScanConfigProfile
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ConfigYAML,
		&p.AllowStandardUsers, &p.IsSystemDefault, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scandomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProfileRepository) Get(ctx context.Context, id int64) (*profiles.ScanConfigProfile, error) {
	const q = `SELECT ` + profileColumns + ` FROM scan_config_profiles WHERE id = ?`
	return scanProfile(r.db.QueryRowContext(ctx, q, id))
}

func (r *ProfileRepository) List(ctx context.Context) ([]*profiles.ScanConfigProfile, error) {
	const q = `SELECT ` + profileColumns + ` FROM scan_config_profiles ORDER BY is_system_default DESC, name`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*profiles.ScanConfigProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProfileRepository) GetSystemDefault(ctx context.Context) (*profiles.ScanConfigProfile, error) {
	const q = `SELECT ` + profileColumns + ` FROM scan_config_profiles WHERE is_system_default = 1 LIMIT 1`
	return scanProfile(r.db.QueryRowContext(ctx, q))
}

// SetSystemDefault clears the old holder and flags the new one in a single
// transaction so readers never observe two defaults.
func (r *ProfileRepository) SetSystemDefault(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE scan_config_profiles SET is_system_default = 0 WHERE is_system_default = 1`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE scan_config_profiles SET is_system_default = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scandomain.ErrNotFound
	}
	return tx.Commit()
}
