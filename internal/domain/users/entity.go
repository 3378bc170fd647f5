package users

import "time"

// Role enum
type Role string

const (
	RoleAdmin     Role = "admin"
	RolePowerUser Role = "power_user"
	RoleUser      Role = "user"
	RoleViewer    Role = "viewer"
)

// User is the acting principal behind every API call.
type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	Role      Role       `json:"role"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

// Elevated reports whether the user holds power-user capability. Active scan
// mode and per-scan config overrides are restricted to elevated users.
func (u *User) Elevated() bool {
	return u != nil && (u.Role == RoleAdmin || u.Role == RolePowerUser)
}

// CanSubmit reports whether the user may create scans at all.
func (u *User) CanSubmit() bool {
	return u != nil && u.IsActive && u.Role != RoleViewer
}
