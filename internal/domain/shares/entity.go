package shares

import "time"

// Permission level granted by a share, ordered none < view < edit.
type Permission string

const (
	PermissionNone Permission = "none"
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// Satisfies reports whether p covers the required level. Edit always
// satisfies view.
func (p Permission) Satisfies(need Permission) bool {
	switch need {
	case PermissionNone:
		return true
	case PermissionView:
		return p == PermissionView || p == PermissionEdit
	case PermissionEdit:
		return p == PermissionEdit
	}
	return false
}

func ParsePermission(s string) (Permission, bool) {
	switch Permission(s) {
	case PermissionView:
		return PermissionView, true
	case PermissionEdit:
		return PermissionEdit, true
	}
	return PermissionNone, false
}

// ScanShare grants an actor, or the public via an unguessable token, access
// to one scan. SharedWithUserID nil means a public link share.
type ScanShare struct {
	ID               int64      `json:"id"`
	ScanID           string     `json:"scan_id"`
	SharedWithUserID *int64     `json:"shared_with_user_id,omitempty"`
	Permission       Permission `json:"permission_level"`
	ShareToken       string     `json:"share_token,omitempty"`
	CreatedBy        int64      `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"` // nil = never
}

func (s *ScanShare) IsPublic() bool { return s.SharedWithUserID == nil }

// Expired grants confer no access at all, not a downgraded one.
func (s *ScanShare) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}
