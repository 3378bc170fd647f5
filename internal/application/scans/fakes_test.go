package scans

import (
	"context"
	"fmt"
	"sync"
	"time"

	appprofiles "github.com/mercutioviz/kast-web/internal/application/profiles"
	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
	"github.com/mercutioviz/kast-web/internal/domain/users"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeScanRepo mimics the SQL repos, including the guarded forward-only
// lifecycle transitions.
type fakeScanRepo struct {
	mu    sync.Mutex
	scans map[domain.ScanID]*domain.Scan
}

func newFakeScanRepo() *fakeScanRepo {
	return &fakeScanRepo{scans: map[domain.ScanID]*domain.Scan{}}
}

func (r *fakeScanRepo) Create(ctx context.Context, s *domain.Scan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.scans[s.ID] = &cp
	return nil
}

func (r *fakeScanRepo) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeScanRepo) List(ctx context.Context, f domain.ListFilter) ([]*domain.Scan, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Scan
	for _, s := range r.scans {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.UserID != nil && s.UserID != *f.UserID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (r *fakeScanRepo) MarkRunning(ctx context.Context, id domain.ScanID, outputDir string, at time.Time) error {
	return r.transition(id, domain.StatusRunning, func(s *domain.Scan) bool {
		if s.Status != domain.StatusPending {
			return false
		}
		s.OutputDir = outputDir
		s.StartedAt = at
		return true
	})
}

func (r *fakeScanRepo) MarkCompleted(ctx context.Context, id domain.ScanID, at time.Time) error {
	return r.transition(id, domain.StatusCompleted, func(s *domain.Scan) bool {
		if s.Status != domain.StatusRunning {
			return false
		}
		s.CompletedAt = &at
		return true
	})
}

func (r *fakeScanRepo) MarkFailed(ctx context.Context, id domain.ScanID, errMsg string, at time.Time) error {
	return r.transition(id, domain.StatusFailed, func(s *domain.Scan) bool {
		if s.Status != domain.StatusPending && s.Status != domain.StatusRunning {
			return false
		}
		s.ErrorMessage = errMsg
		s.CompletedAt = &at
		return true
	})
}

func (r *fakeScanRepo) transition(id domain.ScanID, to domain.Status, apply func(*domain.Scan) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !apply(s) {
		return domain.ErrInvalidTransition
	}
	s.Status = to
	return nil
}

func (r *fakeScanRepo) SetArtifactURL(ctx context.Context, id domain.ScanID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scans[id]; ok {
		s.ArtifactURL = url
	}
	return nil
}

func (r *fakeScanRepo) UpdateOwner(ctx context.Context, id domain.ScanID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.UserID = userID
	return nil
}

func (r *fakeScanRepo) Delete(ctx context.Context, id domain.ScanID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.scans, id)
	return nil
}

func (r *fakeScanRepo) FailAllRunning(ctx context.Context, errMsg string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.scans {
		if s.Status == domain.StatusRunning {
			s.Status = domain.StatusFailed
			s.ErrorMessage = errMsg
			s.CompletedAt = &at
			n++
		}
	}
	return n, nil
}

func (r *fakeScanRepo) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c domain.StatusCounts
	for _, s := range r.scans {
		c.Total++
		switch s.Status {
		case domain.StatusPending:
			c.Pending++
		case domain.StatusRunning:
			c.Running++
		case domain.StatusCompleted:
			c.Completed++
		case domain.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

type fakeResultRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.ScanResult // scanID/plugin
}

func newFakeResultRepo() *fakeResultRepo {
	return &fakeResultRepo{rows: map[string]*domain.ScanResult{}}
}

func resultKey(id domain.ScanID, plugin string) string {
	return string(id) + "/" + plugin
}

func (r *fakeResultRepo) Upsert(ctx context.Context, res *domain.ScanResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *res
	r.rows[resultKey(res.ScanID, res.PluginName)] = &cp
	return nil
}

func (r *fakeResultRepo) ListByScan(ctx context.Context, id domain.ScanID) ([]*domain.ScanResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ScanResult
	for _, row := range r.rows {
		if row.ScanID == id {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeResultRepo) DeleteByScan(ctx context.Context, id domain.ScanID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, row := range r.rows {
		if row.ScanID == id {
			delete(r.rows, k)
		}
	}
	return nil
}

type fakeShareRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*shares.ScanShare
}

func newFakeShareRepo() *fakeShareRepo {
	return &fakeShareRepo{rows: map[int64]*shares.ScanShare{}}
}

func (r *fakeShareRepo) Create(ctx context.Context, s *shares.ScanShare) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	cp := *s
	r.rows[s.ID] = &cp
	return nil
}

func (r *fakeShareRepo) Get(ctx context.Context, id int64) (*shares.ScanShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeShareRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeShareRepo) ListByScan(ctx context.Context, scanID string) ([]*shares.ScanShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*shares.ScanShare
	for _, s := range r.rows {
		if s.ScanID == scanID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeShareRepo) FindForUser(ctx context.Context, scanID string, userID int64, now time.Time) (*shares.ScanShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *shares.ScanShare
	for _, s := range r.rows {
		if s.ScanID != scanID || s.SharedWithUserID == nil || *s.SharedWithUserID != userID || s.Expired(now) {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) || (s.CreatedAt.Equal(newest.CreatedAt) && s.ID > newest.ID) {
			newest = s
		}
	}
	if newest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *fakeShareRepo) FindByToken(ctx context.Context, token string) (*shares.ScanShare, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.SharedWithUserID == nil && s.ShareToken == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeShareRepo) DeleteByScan(ctx context.Context, scanID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.rows {
		if s.ScanID == scanID {
			delete(r.rows, id)
		}
	}
	return nil
}

// fakeRunner records the request and delegates to an optional hook.
type fakeRunner struct {
	mu   sync.Mutex
	reqs []domain.RunRequest
	hook func(req domain.RunRequest) (domain.RunResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, req domain.RunRequest) (domain.RunResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.hook != nil {
		return f.hook(req)
	}
	return domain.RunResult{ExitCode: 0}, nil
}

func (f *fakeRunner) lastRequest() domain.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return domain.RunRequest{}
	}
	return f.reqs[len(f.reqs)-1]
}

type fakeCatalog struct {
	plugins []domain.PluginInfo
	err     error
}

func (f *fakeCatalog) ListPlugins(ctx context.Context) ([]domain.PluginInfo, error) {
	return f.plugins, f.err
}

// fakeResolver satisfies ConfigResolver with canned behavior.
type fakeResolver struct {
	authorizeErr error
	resolveErr   error
	invocation   *appprofiles.Invocation
}

func (f *fakeResolver) Authorize(ctx context.Context, user *users.User, profileID *int64, overrides string) error {
	return f.authorizeErr
}

func (f *fakeResolver) ResolveInvocation(ctx context.Context, profileID *int64, overrides string) (*appprofiles.Invocation, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if f.invocation != nil {
		return f.invocation, nil
	}
	return &appprofiles.Invocation{Params: map[string]any{}}, nil
}

type fakeArchive struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (f *fakeArchive) Upload(ctx context.Context, localPath, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, key)
	return fmt.Sprintf("http://archive.local/%s", key), nil
}

var defaultCatalog = []domain.PluginInfo{
	{Name: "sslscan", Type: domain.ModePassive, Priority: 1},
	{Name: "whois", Type: domain.ModePassive, Priority: 2},
	{Name: "sqlmap", Type: domain.ModeActive, Priority: 5},
	{Name: "nikto", Type: domain.ModeActive, Priority: 6},
}

func testUser(role users.Role) *users.User {
	return &users.User{ID: 7, Username: "frodo", Role: role, IsActive: true}
}

// newTestService wires a Service over fakes, queue disabled so execution is
// driven explicitly by tests.
func newTestService(t interface{ TempDir() string }) (*Service, *fakeScanRepo, *fakeResultRepo, *fakeRunner, *fixedClock) {
	repo := newFakeScanRepo()
	results := newFakeResultRepo()
	runner := &fakeRunner{}
	clock := newFixedClock()
	svc := &Service{
		Repo:       repo,
		Results:    results,
		Shares:     newFakeShareRepo(),
		Runner:     runner,
		Catalog:    &fakeCatalog{plugins: defaultCatalog},
		Config:     &fakeResolver{},
		Clock:      clock,
		ResultsDir: t.TempDir(),
		Timeout:    time.Hour,
	}
	return svc, repo, results, runner, clock
}
