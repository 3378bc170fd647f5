package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
)

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const scanColumns = `id, user_id, target, scan_mode, plugins, parallel, max_workers,
 verbose, dry_run, status, output_dir, error_message, config_profile_id,
 config_overrides, logo_id, artifact_url, started_at, completed_at`

func (r *ScanRepository) Create(ctx context.Context, s *domain.Scan) error {
	const q = `
INSERT INTO scans (` + scanColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.UserID, s.Target, s.Mode, s.Plugins, s.Parallel, s.MaxWorkers,
		s.Verbose, s.DryRun, s.Status, s.OutputDir, s.ErrorMessage, nullInt64(s.ProfileID),
		s.Overrides, nullInt64(s.LogoID), s.ArtifactURL, s.StartedAt, nullTime(s.CompletedAt),
	)
	return err
}

func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	const q = `SELECT ` + scanColumns + ` FROM scans WHERE id = ?`
	return scanScan(r.db.QueryRowContext(ctx, q, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(row rowScanner) (*domain.Scan, error) {
	var (
		s         domain.Scan
		profileID sql.NullInt64
		logoID    sql.NullInt64
		done      sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.Target, &s.Mode, &s.Plugins, &s.Parallel, &s.MaxWorkers,
		&s.Verbose, &s.DryRun, &s.Status, &s.OutputDir, &s.ErrorMessage, &profileID,
		&s.Overrides, &logoID, &s.ArtifactURL, &s.StartedAt, &done,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.ProfileID = int64Ptr(profileID)
	s.LogoID = int64Ptr(logoID)
	s.CompletedAt = timePtr(done)
	return &s, nil
}

func (r *ScanRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.Scan, int64, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Target != "" {
		where = append(where, "target LIKE ?")
		args = append(args, "%"+f.Target+"%")
	}
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scans"+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	q := fmt.Sprintf("SELECT %s FROM scans%s ORDER BY started_at DESC LIMIT ? OFFSET ?", scanColumns, cond)
	rows, err := r.db.QueryContext(ctx, q, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// MarkRunning flips pending -> running and records the output directory. The
// status guard in the WHERE clause is what makes the lifecycle forward-only.
func (r *ScanRepository) MarkRunning(ctx context.Context, id domain.ScanID, outputDir string, at time.Time) error {
	const q = `UPDATE scans SET status = ?, output_dir = ?, started_at = ? WHERE id = ? AND status = ?`
	return r.guarded(ctx, id, q, domain.StatusRunning, outputDir, at, id, domain.StatusPending)
}

func (r *ScanRepository) MarkCompleted(ctx context.Context, id domain.ScanID, at time.Time) error {
	const q = `UPDATE scans SET status = ?, completed_at = ? WHERE id = ? AND status = ?`
	return r.guarded(ctx, id, q, domain.StatusCompleted, at, id, domain.StatusRunning)
}

func (r *ScanRepository) MarkFailed(ctx context.Context, id domain.ScanID, errMsg string, at time.Time) error {
	const q = `UPDATE scans SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status IN (?,?)`
	return r.guarded(ctx, id, q, domain.StatusFailed, errMsg, at, id, domain.StatusPending, domain.StatusRunning)
}

// guarded runs a lifecycle UPDATE and distinguishes "no such scan" from
// "scan exists but is past that state".
func (r *ScanRepository) guarded(ctx context.Context, id domain.ScanID, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return gerr
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *ScanRepository) SetArtifactURL(ctx context.Context, id domain.ScanID, url string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scans SET artifact_url = ? WHERE id = ?`, url, id)
	return err
}

func (r *ScanRepository) UpdateOwner(ctx context.Context, id domain.ScanID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE scans SET user_id = ? WHERE id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ScanRepository) Delete(ctx context.Context, id domain.ScanID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ScanRepository) FailAllRunning(ctx context.Context, errMsg string, at time.Time) (int64, error) {
	const q = `UPDATE scans SET status = ?, error_message = ?, completed_at = ? WHERE status = ?`
	res, err := r.db.ExecContext(ctx, q, domain.StatusFailed, errMsg, at, domain.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ScanRepository) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	const q = `SELECT status, COUNT(*) FROM scans GROUP BY status`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return domain.StatusCounts{}, err
	}
	defer rows.Close()

	var c domain.StatusCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, err
		}
		c.Total += n
		switch domain.Status(status) {
		case domain.StatusPending:
			c.Pending = n
		case domain.StatusRunning:
			c.Running = n
		case domain.StatusCompleted:
			c.Completed = n
		case domain.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}
