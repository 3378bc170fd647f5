package shares

import (
	"context"
	"time"
)

// Repository port for share grants. Expired grants are pruned lazily: readers
// treat them as absent, they stay on disk until explicitly revoked.
type Repository interface {
	Create(ctx context.Context, s *ScanShare) error
	Get(ctx context.Context, id int64) (*ScanShare, error)
	Delete(ctx context.Context, id int64) error
	ListByScan(ctx context.Context, scanID string) ([]*ScanShare, error)
	// FindForUser returns the newest grant for (scan, user) that has not
	// expired as of now. Expired grants are invisible here, never a tiebreak.
	FindForUser(ctx context.Context, scanID string, userID int64, now time.Time) (*ScanShare, error)
	FindByToken(ctx context.Context, token string) (*ScanShare, error)
	DeleteByScan(ctx context.Context, scanID string) error
}
