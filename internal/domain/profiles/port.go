package profiles

import "context"

// Repository port for config profiles.
type Repository interface {
	Create(ctx context.Context, p *ScanConfigProfile) (int64, error)
	Update(ctx context.Context, p *ScanConfigProfile) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*ScanConfigProfile, error)
	List(ctx context.Context) ([]*ScanConfigProfile, error)
	GetSystemDefault(ctx context.Context) (*ScanConfigProfile, error)
	// SetSystemDefault atomically clears the previous holder and flags id.
	SetSystemDefault(ctx context.Context, id int64) error
}
