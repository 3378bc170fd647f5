package profiles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	domain "github.com/mercutioviz/kast-web/internal/domain/profiles"
	"github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/users"
)

// Service resolves final scanner invocation parameters from a profile plus
// optional per-scan overrides, and owns profile CRUD.
type Service struct {
	Repo domain.Repository
}

func New(repo domain.Repository) *Service { return &Service{Repo: repo} }

// Invocation is the fully merged parameter bundle handed to the runner.
type Invocation struct {
	Params     map[string]any
	ConfigYAML []byte   // merged params serialized for the CLI --config file
	Overrides  []string // normalized key=value pairs, in input order
}

// builtin defaults used when no profile is selected and none is flagged
// system default.
func builtinDefaults() map[string]any {
	return map[string]any{
		"global": map[string]any{
			"timeout":     300,
			"retry_count": 2,
		},
	}
}

// Authorize applies the capability gates that must fail synchronously at
// submission time: override strings are an elevated-only mechanism, and a
// profile not flagged for standard users is elevated-only too.
func (s *Service) Authorize(ctx context.Context, user *users.User, profileID *int64, overrides string) error {
	if strings.TrimSpace(overrides) != "" && !user.Elevated() {
		return fmt.Errorf("config overrides: %w", scans.ErrPermissionDenied)
	}
	if profileID != nil {
		p, err := s.Repo.Get(ctx, *profileID)
		if err != nil {
			return err
		}
		if !p.UsableBy(user) {
			return fmt.Errorf("profile %q: %w", p.Name, scans.ErrPermissionDenied)
		}
	}
	return nil
}

// ResolveInvocation merges profile + overrides into final parameters.
// Resolution order: explicit profile, else the system default profile if one
// exists, else built-in defaults. A malformed profile or override fails with
// ConfigError, never a silent fallback.
func (s *Service) ResolveInvocation(ctx context.Context, profileID *int64, overrides string) (*Invocation, error) {
	var params map[string]any

	switch {
	case profileID != nil:
		p, err := s.Repo.Get(ctx, *profileID)
		if err != nil {
			return nil, err
		}
		if params, err = parseProfileYAML(p.ConfigYAML); err != nil {
			return nil, err
		}
	default:
		p, err := s.Repo.GetSystemDefault(ctx)
		switch {
		case errors.Is(err, scans.ErrNotFound):
			params = builtinDefaults()
		case err != nil:
			return nil, err
		default:
			if params, err = parseProfileYAML(p.ConfigYAML); err != nil {
				return nil, err
			}
		}
	}

	pairs, err := parseOverrides(overrides)
	if err != nil {
		return nil, err
	}
	normalized := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		applyOverride(params, kv.key, kv.value)
		normalized = append(normalized, kv.key+"="+kv.raw)
	}

	merged, err := yaml.Marshal(params)
	if err != nil {
		return nil, &scans.ConfigError{Reason: "serializing merged config", Err: err}
	}
	return &Invocation{Params: params, ConfigYAML: merged, Overrides: normalized}, nil
}

func parseProfileYAML(text string) (map[string]any, error) {
	var params map[string]any
	if err := yaml.Unmarshal([]byte(text), &params); err != nil {
		return nil, &scans.ConfigError{Reason: "invalid profile YAML", Err: err}
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

type overridePair struct {
	key   string
	value any
	raw   string
}

// parseOverrides splits "k=v,k2=v2" into typed pairs. Values go through the
// YAML scalar parser so "true" and "15" keep their types.
func parseOverrides(s string) ([]overridePair, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []overridePair
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, raw, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		raw = strings.TrimSpace(raw)
		if !ok || key == "" {
			return nil, &scans.ConfigError{Reason: fmt.Sprintf("invalid override %q, expected key=value", part)}
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out = append(out, overridePair{key: key, value: value, raw: raw})
	}
	return out, nil
}

// applyOverride layers one key on top of the profile params. Dotted keys
// descend into nested maps, creating them as needed.
func applyOverride(params map[string]any, key string, value any) {
	segs := strings.Split(key, ".")
	cur := params
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

//
// ==== profile CRUD ====
//

// Save validates and persists a profile; creation when p.ID is zero. Writes
// are elevated-only. Flagging the system default atomically clears the
// previous holder.
func (s *Service) Save(ctx context.Context, user *users.User, p *domain.ScanConfigProfile) error {
	if !user.Elevated() {
		return scans.ErrPermissionDenied
	}
	if strings.TrimSpace(p.Name) == "" {
		return &scans.ValidationError{Field: "name", Message: "is required"}
	}
	if _, err := parseProfileYAML(p.ConfigYAML); err != nil {
		return err
	}

	if p.ID == 0 {
		p.CreatedBy = user.ID
		id, err := s.Repo.Create(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
	} else if err := s.Repo.Update(ctx, p); err != nil {
		return err
	}

	if p.IsSystemDefault {
		return s.Repo.SetSystemDefault(ctx, p.ID)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, user *users.User, id int64) error {
	if !user.Elevated() {
		return scans.ErrPermissionDenied
	}
	return s.Repo.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, user *users.User, id int64) (*domain.ScanConfigProfile, error) {
	p, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.UsableBy(user) {
		return nil, scans.ErrPermissionDenied
	}
	return p, nil
}

// List returns the profiles visible to the user, system default first.
func (s *Service) List(ctx context.Context, user *users.User) ([]*domain.ScanConfigProfile, error) {
	all, err := s.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, p := range all {
		if p.UsableBy(user) {
			visible = append(visible, p)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if visible[i].IsSystemDefault != visible[j].IsSystemDefault {
			return visible[i].IsSystemDefault
		}
		return visible[i].Name < visible[j].Name
	})
	return visible, nil
}
