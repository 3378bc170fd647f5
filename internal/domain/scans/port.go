package scans

import (
	"context"
	"time"
)

// ListFilter narrows and pages the scan listing.
type ListFilter struct {
	Status   Status
	Target   string // substring match
	UserID   *int64 // restrict to one owner; nil means all
	Page     int
	PageSize int
}

// StatusCounts aggregates scans per lifecycle status.
type StatusCounts struct {
	Total     int64 `json:"total_scans"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Repository port (interface untuk persistence).
//
// The Mark* methods guard the forward-only lifecycle in SQL: they only touch
// rows still in the expected prior state and return ErrInvalidTransition
// otherwise, so a stale writer can never regress a terminal scan.
type Repository interface {
	Create(ctx context.Context, s *Scan) error
	Get(ctx context.Context, id ScanID) (*Scan, error)
	List(ctx context.Context, f ListFilter) ([]*Scan, int64, error)

	MarkRunning(ctx context.Context, id ScanID, outputDir string, at time.Time) error
	MarkCompleted(ctx context.Context, id ScanID, at time.Time) error
	MarkFailed(ctx context.Context, id ScanID, errMsg string, at time.Time) error

	SetArtifactURL(ctx context.Context, id ScanID, url string) error
	UpdateOwner(ctx context.Context, id ScanID, userID int64) error
	Delete(ctx context.Context, id ScanID) error

	// FailAllRunning reconciles scans orphaned by a restart.
	FailAllRunning(ctx context.Context, errMsg string, at time.Time) (int64, error)

	CountByStatus(ctx context.Context) (StatusCounts, error)
}

// ResultRepository persists per-plugin results keyed by (scan, plugin).
type ResultRepository interface {
	Upsert(ctx context.Context, r *ScanResult) error
	ListByScan(ctx context.Context, id ScanID) ([]*ScanResult, error)
	DeleteByScan(ctx context.Context, id ScanID) error
}

// Runner port (interface untuk eksekusi scanner)
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// PluginCatalog lists the plugins the external scanner knows about.
type PluginCatalog interface {
	ListPlugins(ctx context.Context) ([]PluginInfo, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}
