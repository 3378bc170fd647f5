package mysql

import (
	"context"
	"database/sql"
	"errors"

	scandomain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/users"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, email, role, is_active, created_at, last_login`

func scanUser(row rowScanner) (*users.User, error) {
	var (
		u     users.User
		login sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.IsActive, &u.CreatedAt, &login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scandomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.LastLogin = timePtr(login)
	return &u, nil
}

func (r *UserRepository) Get(ctx context.Context, id int64) (*users.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(r.db.QueryRowContext(ctx, q, id))
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*users.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return scanUser(r.db.QueryRowContext(ctx, q, username))
}
