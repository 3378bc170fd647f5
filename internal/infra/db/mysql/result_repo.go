package mysql

import (
	"context"
	"database/sql"

	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
)

type ResultRepository struct {
	db *sql.DB
}

func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Upsert keyed on (scan_id, plugin_name): re-parsing a directory rewrites
// rows in place instead of duplicating them.
func (r *ResultRepository) Upsert(ctx context.Context, res *domain.ScanResult) error {
	const q = `
INSERT INTO scan_results
 (scan_id, plugin_name, disposition, findings_count,
  raw_output_path, processed_output_path, error_message, executed_at)
VALUES (?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 disposition=VALUES(disposition),
 findings_count=VALUES(findings_count),
 raw_output_path=VALUES(raw_output_path),
 processed_output_path=VALUES(processed_output_path),
 error_message=VALUES(error_message),
 executed_at=VALUES(executed_at)`
	_, err := r.db.ExecContext(ctx, q,
		res.ScanID, res.PluginName, res.Disposition, res.FindingsCount,
		res.RawOutputPath, res.ProcessedOutputPath, res.ErrorMessage, res.ExecutedAt,
	)
	return err
}

func (r *ResultRepository) ListByScan(ctx context.Context, id domain.ScanID) ([]*domain.ScanResult, error) {
	const q = `
SELECT id, scan_id, plugin_name, disposition, findings_count,
       raw_output_path, processed_output_path, error_message, executed_at
FROM scan_results WHERE scan_id = ? ORDER BY plugin_name`
	rows, err := r.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScanResult
	for rows.Next() {
		var res domain.ScanResult
		if err := rows.Scan(
			&res.ID, &res.ScanID, &res.PluginName, &res.Disposition, &res.FindingsCount,
			&res.RawOutputPath, &res.ProcessedOutputPath, &res.ErrorMessage, &res.ExecutedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

func (r *ResultRepository) DeleteByScan(ctx context.Context, id domain.ScanID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scan_results WHERE scan_id = ?`, id)
	return err
}
