package postgres

import (
	"context"
	"database/sql"

	"github.com/mercutioviz/kast-web/internal/domain/analyst"
)

type AnalystRepository struct {
	db *sql.DB
}

func NewAnalystRepository(db *sql.DB) *AnalystRepository {
	return &AnalystRepository{db: db}
}

func (r *AnalystRepository) Save(ctx context.Context, a *analyst.Analysis) error {
	const q = `
INSERT INTO scan_analyses (id, scan_id, model, result, created_at)
VALUES ($1,$2,$3,$4,$5)`
	_, err := r.db.ExecContext(ctx, q, a.ID, a.ScanID, a.Model, a.Result, a.CreatedAt)
	return err
}

func (r *AnalystRepository) ListByScan(ctx context.Context, scanID string, limit int) ([]*analyst.Analysis, error) {
	if limit < 1 || limit > 100 {
		limit = 10
	}
	const q = `
SELECT id, scan_id, model, result, created_at
FROM scan_analyses WHERE scan_id = $1
ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, scanID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*analyst.Analysis
	for rows.Next() {
		var a analyst.Analysis
		if err := rows.Scan(&a.ID, &a.ScanID, &a.Model, &a.Result, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
