package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appaccess "github.com/mercutioviz/kast-web/internal/application/access"
	appprofiles "github.com/mercutioviz/kast-web/internal/application/profiles"
	appscans "github.com/mercutioviz/kast-web/internal/application/scans"
	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
	"github.com/mercutioviz/kast-web/internal/domain/users"
	"github.com/mercutioviz/kast-web/internal/middleware"
)

type stubScanRepo struct {
	mu    sync.Mutex
	scans map[domain.ScanID]*domain.Scan
}

func (r *stubScanRepo) Create(ctx context.Context, s *domain.Scan) error { return nil }

func (r *stubScanRepo) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *stubScanRepo) List(context.Context, domain.ListFilter) ([]*domain.Scan, int64, error) {
	return nil, 0, nil
}
func (r *stubScanRepo) MarkRunning(context.Context, domain.ScanID, string, time.Time) error {
	return nil
}
func (r *stubScanRepo) MarkCompleted(context.Context, domain.ScanID, time.Time) error { return nil }
func (r *stubScanRepo) MarkFailed(context.Context, domain.ScanID, string, time.Time) error {
	return nil
}
func (r *stubScanRepo) SetArtifactURL(context.Context, domain.ScanID, string) error { return nil }

func (r *stubScanRepo) UpdateOwner(ctx context.Context, id domain.ScanID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.UserID = userID
	return nil
}

func (r *stubScanRepo) Delete(context.Context, domain.ScanID) error { return nil }
func (r *stubScanRepo) FailAllRunning(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}
func (r *stubScanRepo) CountByStatus(context.Context) (domain.StatusCounts, error) {
	return domain.StatusCounts{}, nil
}

type stubShareRepo struct {
	grants []*shares.ScanShare
}

func (r *stubShareRepo) Create(ctx context.Context, s *shares.ScanShare) error { return nil }
func (r *stubShareRepo) Get(context.Context, int64) (*shares.ScanShare, error) {
	return nil, domain.ErrNotFound
}
func (r *stubShareRepo) Delete(context.Context, int64) error { return nil }
func (r *stubShareRepo) ListByScan(context.Context, string) ([]*shares.ScanShare, error) {
	return nil, nil
}

func (r *stubShareRepo) FindForUser(ctx context.Context, scanID string, userID int64, now time.Time) (*shares.ScanShare, error) {
	for _, g := range r.grants {
		if g.ScanID == scanID && g.SharedWithUserID != nil && *g.SharedWithUserID == userID && !g.Expired(now) {
			return g, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *stubShareRepo) FindByToken(context.Context, string) (*shares.ScanShare, error) {
	return nil, domain.ErrNotFound
}
func (r *stubShareRepo) DeleteByScan(context.Context, string) error { return nil }

const routerScanID = "cccccccc-1111-2222-3333-444444444444"

func newTestHandler(grants ...*shares.ScanShare) (http.Handler, *stubScanRepo) {
	repo := &stubScanRepo{scans: map[domain.ScanID]*domain.Scan{
		routerScanID: {ID: routerScanID, UserID: 10, Target: "example.com", Status: domain.StatusCompleted},
	}}
	shareRepo := &stubShareRepo{grants: grants}
	scansSvc := &appscans.Service{Repo: repo, Shares: shareRepo}
	accessSvc := appaccess.New(shareRepo, nil)
	return NewRouter(scansSvc, accessSvc, appprofiles.New(nil), nil), repo
}

func doTransfer(t *testing.T, h http.Handler, user *users.User) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans/"+routerScanID+"/transfer",
		strings.NewReader(`{"new_owner_id": 42}`))
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserKey, user))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleTransfer_OwnerCanTransfer(t *testing.T) {
	h, repo := newTestHandler()
	owner := &users.User{ID: 10, Role: users.RoleUser, IsActive: true}

	rec := doTransfer(t, h, owner)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	s, err := repo.Get(context.Background(), routerScanID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), s.UserID)
}

func TestHandleTransfer_EditGranteeCanTransfer(t *testing.T) {
	grantee := int64(20)
	h, repo := newTestHandler(&shares.ScanShare{
		ScanID: routerScanID, SharedWithUserID: &grantee, Permission: shares.PermissionEdit,
	})

	rec := doTransfer(t, h, &users.User{ID: 20, Role: users.RoleUser, IsActive: true})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	s, err := repo.Get(context.Background(), routerScanID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), s.UserID)
}

func TestHandleTransfer_ViewGranteeDenied(t *testing.T) {
	grantee := int64(20)
	h, repo := newTestHandler(&shares.ScanShare{
		ScanID: routerScanID, SharedWithUserID: &grantee, Permission: shares.PermissionView,
	})

	rec := doTransfer(t, h, &users.User{ID: 20, Role: users.RoleUser, IsActive: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s, err := repo.Get(context.Background(), routerScanID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.UserID)
}

func TestHandleTransfer_StrangerDenied(t *testing.T) {
	h, _ := newTestHandler()
	rec := doTransfer(t, h, &users.User{ID: 99, Role: users.RoleUser, IsActive: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleTransfer_AdminCanTransfer(t *testing.T) {
	h, _ := newTestHandler()
	rec := doTransfer(t, h, &users.User{ID: 99, Role: users.RoleAdmin, IsActive: true})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
