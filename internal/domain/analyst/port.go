package analyst

import "context"

// Repository port for persisting and querying analyses
type Repository interface {
	Save(ctx context.Context, a *Analysis) error
	ListByScan(ctx context.Context, scanID string, limit int) ([]*Analysis, error)
}
