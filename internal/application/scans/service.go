package scans

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mercutioviz/kast-web/internal/application"
	appprofiles "github.com/mercutioviz/kast-web/internal/application/profiles"
	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
	"github.com/mercutioviz/kast-web/internal/domain/users"
	"github.com/mercutioviz/kast-web/internal/middleware"
)

// ConfigResolver is the slice of the profiles service the launcher needs.
type ConfigResolver interface {
	Authorize(ctx context.Context, user *users.User, profileID *int64, overrides string) error
	ResolveInvocation(ctx context.Context, profileID *int64, overrides string) (*appprofiles.Invocation, error)
}

// Service implements the scan use-cases: submission, asynchronous execution,
// status reconciliation, result parsing, re-run and deletion.
// Safe for concurrent use; each scan is written only by its own worker.
type Service struct {
	Repo    domain.Repository
	Results domain.ResultRepository
	Shares  shares.Repository
	Runner  domain.Runner
	Catalog domain.PluginCatalog
	Config  ConfigResolver
	Archive domain.ArtifactStore // optional report archive, may be nil
	Clock   application.Clock

	ResultsDir string
	Timeout    time.Duration // wall-clock bound per scan

	queue chan domain.ScanID
}

const reportFileHTML = "kast_report.html"

// SubmitRequest carries a new scan request.
type SubmitRequest struct {
	Target     string   `json:"target"`
	Mode       string   `json:"scan_mode"`
	Plugins    []string `json:"plugins,omitempty"`
	Parallel   bool     `json:"parallel"`
	MaxWorkers int      `json:"max_workers,omitempty"`
	Verbose    bool     `json:"verbose"`
	DryRun     bool     `json:"dry_run"`
	ProfileID  *int64   `json:"config_profile_id,omitempty"`
	Overrides  string   `json:"config_overrides,omitempty"`
	LogoID     *int64   `json:"logo_id,omitempty"`
}

// StartWorkers launches the bounded worker pool. Submissions enqueue onto a
// buffered channel; each worker drains it until ctx is cancelled.
func (s *Service) StartWorkers(ctx context.Context, concurrency, queueSize int) {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < concurrency {
		queueSize = concurrency * 16
	}
	s.queue = make(chan domain.ScanID, queueSize)

	for i := 0; i < concurrency; i++ {
		go func(idx int) {
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-s.queue:
					if err := s.execute(ctx, id); err != nil {
						log.Printf("worker %d: scan %s: %v", idx, id, err)
					}
				}
			}
		}(i)
	}
}

// Submit validates a request, persists a pending scan, and hands it to the
// worker pool. The caller gets the id back immediately and never waits for
// the scan itself.
func (s *Service) Submit(ctx context.Context, user *users.User, req SubmitRequest) (domain.ScanID, error) {
	if !user.CanSubmit() {
		return "", domain.ErrPermissionDenied
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return "", &domain.ValidationError{Field: "target", Message: "is required"}
	}
	mode, ok := domain.ParseMode(req.Mode)
	if !ok {
		return "", &domain.ValidationError{Field: "scan_mode", Message: "must be passive or active"}
	}
	if mode == domain.ModeActive && !user.Elevated() {
		return "", fmt.Errorf("active scan mode: %w", domain.ErrPermissionDenied)
	}
	if mode == domain.ModePassive && len(req.Plugins) > 0 {
		offending, err := s.activeOnly(ctx, req.Plugins)
		if err != nil {
			return "", err
		}
		if len(offending) > 0 {
			return "", &domain.ValidationError{
				Field:   "plugins",
				Message: "active-only plugins cannot run in a passive scan",
				Plugins: offending,
			}
		}
	}

	// Capability and syntax problems with profile/overrides must surface
	// here, synchronously, not inside the worker.
	if err := s.Config.Authorize(ctx, user, req.ProfileID, req.Overrides); err != nil {
		return "", err
	}
	if _, err := s.Config.ResolveInvocation(ctx, req.ProfileID, req.Overrides); err != nil {
		return "", err
	}

	scan := &domain.Scan{
		ID:         domain.ScanID(uuid.New().String()),
		UserID:     user.ID,
		Target:     target,
		Mode:       mode,
		Plugins:    strings.Join(req.Plugins, ","),
		Parallel:   req.Parallel,
		MaxWorkers: req.MaxWorkers,
		Verbose:    req.Verbose,
		DryRun:     req.DryRun,
		Status:     domain.StatusPending,
		ProfileID:  req.ProfileID,
		Overrides:  strings.TrimSpace(req.Overrides),
		LogoID:     req.LogoID,
		StartedAt:  s.Clock.Now(),
	}
	if err := s.Repo.Create(ctx, scan); err != nil {
		return "", err
	}
	s.enqueue(ctx, scan.ID)
	return scan.ID, nil
}

func (s *Service) enqueue(ctx context.Context, id domain.ScanID) {
	if s.queue == nil {
		// No pool running (tests, one-shot tooling): run inline.
		if err := s.execute(ctx, id); err != nil {
			log.Printf("scan %s: %v", id, err)
		}
		return
	}
	select {
	case s.queue <- id:
	case <-ctx.Done():
	}
}

// activeOnly returns the subset of names whose catalog type is active.
func (s *Service) activeOnly(ctx context.Context, names []string) ([]string, error) {
	catalog, err := s.Catalog.ListPlugins(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing plugins: %w", err)
	}
	types := make(map[string]domain.Mode, len(catalog))
	for _, p := range catalog {
		types[p.Name] = p.Type
	}
	var offending []string
	for _, n := range names {
		if types[n] == domain.ModeActive {
			offending = append(offending, n)
		}
	}
	return offending, nil
}

// execute runs one scan end to end: allocate the output directory, resolve
// config, flip to running, invoke the scanner, record the terminal state, and
// parse whatever landed on disk, exactly once, success or not.
func (s *Service) execute(ctx context.Context, id domain.ScanID) error {
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if scan.Status != domain.StatusPending {
		// Already picked up or resolved elsewhere; nothing to do.
		return nil
	}

	now := s.Clock.Now()
	outputDir := s.allocateOutputDir(scan, now)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return s.failScan(ctx, id, outputDir, fmt.Sprintf("creating output directory: %v", err))
	}

	invocation, err := s.Config.ResolveInvocation(ctx, scan.ProfileID, scan.Overrides)
	if err != nil {
		return s.failScan(ctx, id, outputDir, err.Error())
	}
	configPath := ""
	if len(invocation.ConfigYAML) > 0 {
		configPath = filepath.Join(outputDir, "kast_config.yaml")
		if err := os.WriteFile(configPath, invocation.ConfigYAML, 0o644); err != nil {
			return s.failScan(ctx, id, outputDir, fmt.Sprintf("writing config file: %v", err))
		}
	}

	// Persist running + output dir before exec, so a crash right after
	// launch still leaves an inspectable row pointing at the directory.
	if err := s.Repo.MarkRunning(ctx, id, outputDir, now); err != nil {
		return err
	}
	middleware.IncrementScansRunning()
	defer middleware.DecrementScansRunning()

	res, err := s.Runner.Run(ctx, domain.RunRequest{
		Target:     scan.Target,
		Mode:       scan.Mode,
		Plugins:    scan.PluginList(),
		Parallel:   scan.Parallel,
		MaxWorkers: scan.MaxWorkers,
		Verbose:    scan.Verbose,
		DryRun:     scan.DryRun,
		ConfigPath: configPath,
		Overrides:  invocation.Overrides,
		OutputDir:  outputDir,
		Timeout:    s.Timeout,
	})

	done := s.Clock.Now()
	failed := true
	switch {
	case errors.Is(err, domain.ErrTimeout):
		err = s.Repo.MarkFailed(ctx, id, fmt.Sprintf("scan timed out after %s", s.Timeout), done)
	case err != nil:
		err = s.Repo.MarkFailed(ctx, id, domain.TruncateError(err.Error()), done)
	case res.ExitCode == 0:
		failed = false
		err = s.Repo.MarkCompleted(ctx, id, done)
	default:
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "scan failed with no error message"
		}
		err = s.Repo.MarkFailed(ctx, id, domain.TruncateError(msg), done)
	}
	if failed {
		middleware.IncrementScansFailed()
	}
	if err != nil {
		return err
	}

	// Parse once on terminal transition regardless of outcome: failed runs
	// may still have produced partial per-plugin results worth keeping.
	if perr := s.ParseResults(ctx, id, outputDir); perr != nil {
		log.Printf("scan %s: parsing results: %v", id, perr)
	}
	s.archiveReport(ctx, id, outputDir)
	return nil
}

// allocateOutputDir names the directory from target+timestamp, like the
// scanner's own CLI does. A same-second collision for the same target falls
// back to appending the scan id.
func (s *Service) allocateOutputDir(scan *domain.Scan, now time.Time) string {
	base := fmt.Sprintf("%s-%s", scan.Target, now.Format("20060102-150405"))
	dir := filepath.Join(s.ResultsDir, base)
	if _, err := os.Stat(dir); err == nil {
		dir = filepath.Join(s.ResultsDir, fmt.Sprintf("%s-%s", base, scan.ID))
	}
	return dir
}

func (s *Service) failScan(ctx context.Context, id domain.ScanID, outputDir, msg string) error {
	// Move through running first so the output dir is recorded even for
	// setup failures; partial state stays inspectable.
	if err := s.Repo.MarkRunning(ctx, id, outputDir, s.Clock.Now()); err != nil {
		return err
	}
	return s.Repo.MarkFailed(ctx, id, domain.TruncateError(msg), s.Clock.Now())
}

func (s *Service) archiveReport(ctx context.Context, id domain.ScanID, outputDir string) {
	if s.Archive == nil {
		return
	}
	report := filepath.Join(outputDir, reportFileHTML)
	if _, err := os.Stat(report); err != nil {
		return
	}
	key := fmt.Sprintf("%s/%s", id, reportFileHTML)
	url, err := s.Archive.Upload(ctx, report, key)
	if err != nil {
		log.Printf("scan %s: report archive upload failed: %v", id, err)
		return
	}
	if err := s.Repo.SetArtifactURL(ctx, id, url); err != nil {
		log.Printf("scan %s: saving artifact url: %v", id, err)
	}
}

// Rerun creates a fresh pending scan from an existing one's configuration.
// The old row is never mutated; terminal scans stay terminal.
func (s *Service) Rerun(ctx context.Context, id domain.ScanID) (domain.ScanID, error) {
	old, err := s.Repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	scan := &domain.Scan{
		ID:         domain.ScanID(uuid.New().String()),
		UserID:     old.UserID,
		Target:     old.Target,
		Mode:       old.Mode,
		Plugins:    old.Plugins,
		Parallel:   old.Parallel,
		MaxWorkers: old.MaxWorkers,
		Verbose:    old.Verbose,
		DryRun:     old.DryRun,
		Status:     domain.StatusPending,
		ProfileID:  old.ProfileID,
		Overrides:  old.Overrides,
		LogoID:     old.LogoID,
		StartedAt:  s.Clock.Now(),
	}
	if err := s.Repo.Create(ctx, scan); err != nil {
		return "", err
	}
	s.enqueue(ctx, scan.ID)
	return scan.ID, nil
}

// Delete removes a scan, its results and shares, and best-effort its output
// directory. A running scan cannot be deleted; there is no kill path short of
// the wall-clock timeout.
func (s *Service) Delete(ctx context.Context, id domain.ScanID) error {
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if scan.Status == domain.StatusRunning {
		return domain.ErrScanRunning
	}
	if err := s.Results.DeleteByScan(ctx, id); err != nil {
		return err
	}
	if err := s.Shares.DeleteByScan(ctx, string(id)); err != nil {
		return err
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	if scan.OutputDir != "" {
		// Directory removal failing must not undo the DB deletion.
		if err := os.RemoveAll(scan.OutputDir); err != nil {
			log.Printf("warning: scan %s deleted but output dir %s not removed: %v", id, scan.OutputDir, err)
		}
	}
	return nil
}

// Transfer reassigns ownership. Shares and results are left untouched.
func (s *Service) Transfer(ctx context.Context, id domain.ScanID, newOwner int64) error {
	return s.Repo.UpdateOwner(ctx, id, newOwner)
}

// RecoverOrphans marks scans left running by a previous process as failed.
// Called once at startup, before workers accept new work.
func (s *Service) RecoverOrphans(ctx context.Context) (int64, error) {
	return s.Repo.FailAllRunning(ctx, "scan process lost: server restarted while scan was running", s.Clock.Now())
}

// RequeuePending puts pending scans back on the queue. The queue itself is
// in-memory, so a restart drops every entry while the rows survive; without
// this pass those scans would sit pending forever. Called once at startup,
// after the workers are up. Re-reads the first page each round because
// workers flip rows off pending while the loop runs, which would shift
// offset-based pages underneath it.
func (s *Service) RequeuePending(ctx context.Context) (int64, error) {
	seen := map[domain.ScanID]bool{}
	var requeued int64
	for {
		list, _, err := s.Repo.List(ctx, domain.ListFilter{
			Status:   domain.StatusPending,
			Page:     1,
			PageSize: 200,
		})
		if err != nil {
			return requeued, err
		}
		progress := false
		for _, scan := range list {
			if seen[scan.ID] {
				continue
			}
			seen[scan.ID] = true
			s.enqueue(ctx, scan.ID)
			requeued++
			progress = true
		}
		if !progress {
			return requeued, nil
		}
	}
}

func (s *Service) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return s.Repo.Get(ctx, id)
}

// GetByShareToken resolves a public share token to its scan. Expiry is not
// checked here; access resolution owns that.
func (s *Service) GetByShareToken(ctx context.Context, token string) (*domain.Scan, error) {
	grant, err := s.Shares.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.Repo.Get(ctx, domain.ScanID(grant.ScanID))
}

func (s *Service) List(ctx context.Context, f domain.ListFilter) ([]*domain.Scan, int64, error) {
	return s.Repo.List(ctx, f)
}

func (s *Service) ListResults(ctx context.Context, id domain.ScanID) ([]*domain.ScanResult, error) {
	return s.Results.ListByScan(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (domain.StatusCounts, error) {
	return s.Repo.CountByStatus(ctx)
}
