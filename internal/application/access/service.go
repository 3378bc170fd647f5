package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mercutioviz/kast-web/internal/application"
	"github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
	"github.com/mercutioviz/kast-web/internal/domain/users"
)

// Service resolves the effective permission of a (scan, actor) pair and owns
// share grant lifecycle. Resolution order is fixed: administrator, owner,
// then the newest non-expired grant.
type Service struct {
	Shares shares.Repository
	Clock  application.Clock
}

func New(repo shares.Repository, clock application.Clock) *Service {
	if clock == nil {
		clock = application.SystemClock{}
	}
	return &Service{Shares: repo, Clock: clock}
}

// Resolve returns none, view, or edit for an authenticated user.
func (s *Service) Resolve(ctx context.Context, user *users.User, scan *scans.Scan) (shares.Permission, error) {
	if user == nil {
		return shares.PermissionNone, nil
	}
	if user.IsAdmin() || scan.UserID == user.ID {
		return shares.PermissionEdit, nil
	}
	grant, err := s.Shares.FindForUser(ctx, string(scan.ID), user.ID, s.Clock.Now())
	if errors.Is(err, scans.ErrNotFound) {
		return shares.PermissionNone, nil
	}
	if err != nil {
		return shares.PermissionNone, err
	}
	return grant.Permission, nil
}

// ResolvePublic checks an unguessable link token. Public grants never confer
// edit, regardless of what is stored.
func (s *Service) ResolvePublic(ctx context.Context, scan *scans.Scan, token string) (shares.Permission, error) {
	if token == "" {
		return shares.PermissionNone, nil
	}
	grant, err := s.Shares.FindByToken(ctx, token)
	if errors.Is(err, scans.ErrNotFound) {
		return shares.PermissionNone, nil
	}
	if err != nil {
		return shares.PermissionNone, err
	}
	if grant.ScanID != string(scan.ID) || grant.Expired(s.Clock.Now()) {
		return shares.PermissionNone, nil
	}
	return shares.PermissionView, nil
}

// Require resolves and enforces a minimum permission, optionally accepting a
// public token as a fallback for view-level reads.
func (s *Service) Require(ctx context.Context, user *users.User, scan *scans.Scan, token string, need shares.Permission) error {
	perm, err := s.Resolve(ctx, user, scan)
	if err != nil {
		return err
	}
	if perm.Satisfies(need) {
		return nil
	}
	if token != "" {
		pub, err := s.ResolvePublic(ctx, scan, token)
		if err != nil {
			return err
		}
		if pub.Satisfies(need) {
			return nil
		}
	}
	return scans.ErrPermissionDenied
}

// CreateShareRequest describes a new grant. UserID nil creates a public link.
type CreateShareRequest struct {
	UserID     *int64
	Permission shares.Permission
	ExpiresAt  *time.Time
}

// CreateShare grants access to a scan. Requires edit on the scan. Public
// shares are clamped to view at creation time, so an edit-intent public
// grant can never exist.
func (s *Service) CreateShare(ctx context.Context, user *users.User, scan *scans.Scan, req CreateShareRequest) (*shares.ScanShare, error) {
	if err := s.Require(ctx, user, scan, "", shares.PermissionEdit); err != nil {
		return nil, err
	}
	if req.Permission != shares.PermissionView && req.Permission != shares.PermissionEdit {
		return nil, &scans.ValidationError{Field: "permission_level", Message: "must be view or edit"}
	}
	grant := &shares.ScanShare{
		ScanID:           string(scan.ID),
		SharedWithUserID: req.UserID,
		Permission:       req.Permission,
		CreatedBy:        user.ID,
		CreatedAt:        s.Clock.Now(),
		ExpiresAt:        req.ExpiresAt,
	}
	if grant.IsPublic() {
		grant.Permission = shares.PermissionView
		grant.ShareToken = uuid.New().String()
	}
	if err := s.Shares.Create(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// RevokeShare removes a grant. Requires edit on the owning scan.
func (s *Service) RevokeShare(ctx context.Context, user *users.User, scan *scans.Scan, shareID int64) error {
	if err := s.Require(ctx, user, scan, "", shares.PermissionEdit); err != nil {
		return err
	}
	grant, err := s.Shares.Get(ctx, shareID)
	if err != nil {
		return err
	}
	if grant.ScanID != string(scan.ID) {
		return fmt.Errorf("share %d: %w", shareID, scans.ErrNotFound)
	}
	return s.Shares.Delete(ctx, shareID)
}

// ListShares requires view on the scan.
func (s *Service) ListShares(ctx context.Context, user *users.User, scan *scans.Scan) ([]*shares.ScanShare, error) {
	if err := s.Require(ctx, user, scan, "", shares.PermissionView); err != nil {
		return nil, err
	}
	return s.Shares.ListByScan(ctx, string(scan.ID))
}
