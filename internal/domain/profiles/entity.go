package profiles

import (
	"time"

	"github.com/mercutioviz/kast-web/internal/domain/users"
)

// ScanConfigProfile is a named, reusable YAML bundle of scanner parameters.
// At most one profile system-wide carries IsSystemDefault.
type ScanConfigProfile struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	ConfigYAML         string    `json:"config_yaml"`
	AllowStandardUsers bool      `json:"allow_standard_users"`
	IsSystemDefault    bool      `json:"is_system_default"`
	CreatedBy          int64     `json:"created_by"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UsableBy reports whether the user may select this profile for a scan.
func (p *ScanConfigProfile) UsableBy(u *users.User) bool {
	if u.Elevated() {
		return true
	}
	return p.AllowStandardUsers
}
