package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appaccess "github.com/mercutioviz/kast-web/internal/application/access"
	appai "github.com/mercutioviz/kast-web/internal/application/ai"
	appprofiles "github.com/mercutioviz/kast-web/internal/application/profiles"
	appscans "github.com/mercutioviz/kast-web/internal/application/scans"
	domai "github.com/mercutioviz/kast-web/internal/domain/ai"
	"github.com/mercutioviz/kast-web/internal/domain/profiles"
	domain "github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
	"github.com/mercutioviz/kast-web/internal/domain/users"
	"github.com/mercutioviz/kast-web/internal/middleware"
)

type Router struct {
	scansSvc    *appscans.Service
	accessSvc   *appaccess.Service
	profilesSvc *appprofiles.Service
	aiSvc       *appai.Service
}

func NewRouter(scansSvc *appscans.Service, accessSvc *appaccess.Service, profilesSvc *appprofiles.Service, aiSvc *appai.Service) http.Handler {
	r := &Router{scansSvc: scansSvc, accessSvc: accessSvc, profilesSvc: profilesSvc, aiSvc: aiSvc}
	mux := chi.NewRouter()

	mux.Route("/api/v1", func(rt chi.Router) {
		rt.Post("/scans", r.wrap(r.handleSubmit))
		rt.Get("/scans", r.wrap(r.handleList))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Get("/scans/{id}/status", r.wrap(r.handleStatus))
		rt.Get("/scans/{id}/results", r.wrap(r.handleResults))
		rt.Get("/scans/{id}/report", r.wrap(r.handleReport))
		rt.Post("/scans/{id}/rerun", r.wrap(r.handleRerun))
		rt.Delete("/scans/{id}", r.wrap(r.handleDelete))
		rt.Post("/scans/{id}/transfer", r.wrap(r.handleTransfer))

		rt.Post("/scans/{id}/shares", r.wrap(r.handleCreateShare))
		rt.Get("/scans/{id}/shares", r.wrap(r.handleListShares))
		rt.Delete("/scans/{id}/shares/{shareID}", r.wrap(r.handleRevokeShare))
		rt.Get("/shared/{token}", r.wrap(r.handleSharedView))

		rt.Get("/plugins", r.wrap(r.handlePlugins))
		rt.Get("/stats", r.wrap(r.handleStats))

		rt.Post("/profiles", r.wrap(r.handleCreateProfile))
		rt.Put("/profiles/{profileID}", r.wrap(r.handleUpdateProfile))
		rt.Delete("/profiles/{profileID}", r.wrap(r.handleDeleteProfile))
		rt.Get("/profiles/{profileID}", r.wrap(r.handleGetProfile))
		rt.Get("/profiles", r.wrap(r.handleListProfiles))

		rt.Post("/scans/{id}/analyze", r.wrap(r.handleAnalyze))
		rt.Get("/scans/{id}/analyses", r.wrap(r.handleListAnalyses))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			writeError(w, err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	var cerr *domain.ConfigError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   verr.Error(),
			"field":   verr.Field,
			"plugins": verr.Plugins,
		})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": cerr.Error()})
	case errors.Is(err, domain.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, domain.ErrScanRunning), errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, domai.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "ai quota exceeded"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func currentUser(req *http.Request) (*users.User, error) {
	u := middleware.UserFrom(req.Context())
	if u == nil {
		return nil, domain.ErrPermissionDenied
	}
	return u, nil
}

// scanFromPath loads the scan addressed by {id}, validating the id shape
// before it reaches the repository.
func (r *Router) scanFromPath(req *http.Request) (*domain.Scan, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return nil, &domain.ValidationError{Field: "id", Message: err.Error()}
	}
	return r.scansSvc.Get(req.Context(), domain.ScanID(id))
}

// POST /api/v1/scans
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	var body appscans.SubmitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	if err := middleware.ValidateTarget(body.Target); err != nil {
		return &domain.ValidationError{Field: "target", Message: err.Error()}
	}
	id, err := r.scansSvc.Submit(req.Context(), user, body)
	if err != nil {
		return err
	}
	middleware.IncrementScansSubmitted()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"scan_id": id,
		"status":  domain.StatusPending,
	})
	return nil
}

// GET /api/v1/scans?status=&target=&page=&page_size=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	f := domain.ListFilter{
		Status:   domain.Status(q.Get("status")),
		Target:   q.Get("target"),
		Page:     page,
		PageSize: size,
	}
	// Non-admins only ever see their own scans in listings; shared scans
	// are reached by id through the share, not enumerated.
	if !user.IsAdmin() {
		f.UserID = &user.ID
	}
	list, total, err := r.scansSvc.List(req.Context(), f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scans": list,
		"total": total,
	})
	return nil
}

// GET /api/v1/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), user, scan, "", shares.PermissionView); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, scan)
	return nil
}

// GET /api/v1/scans/{id}/status?token=
// The token query parameter lets an unauthenticated public-link holder poll
// progress; everyone else needs view.
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	user := middleware.UserFrom(req.Context())
	token := req.URL.Query().Get("token")
	if err := r.accessSvc.Require(req.Context(), user, scan, token, shares.PermissionView); err != nil {
		return err
	}
	report, err := r.scansSvc.Status(req.Context(), scan.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

// GET /api/v1/scans/{id}/results
func (r *Router) handleResults(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), user, scan, "", shares.PermissionView); err != nil {
		return err
	}
	results, err := r.scansSvc.ListResults(req.Context(), scan.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
	return nil
}

// GET /api/v1/scans/{id}/report?token=
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) error {
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	user := middleware.UserFrom(req.Context())
	token := req.URL.Query().Get("token")
	if err := r.accessSvc.Require(req.Context(), user, scan, token, shares.PermissionView); err != nil {
		return err
	}
	if scan.OutputDir == "" {
		return fmt.Errorf("report: %w", domain.ErrNotFound)
	}
	path := filepath.Join(scan.OutputDir, "kast_report.html")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("report: %w", domain.ErrNotFound)
	}
	http.ServeFile(w, req, path)
	return nil
}

// POST /api/v1/scans/{id}/rerun
func (r *Router) handleRerun(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), user, scan, "", shares.PermissionEdit); err != nil {
		return err
	}
	id, err := r.scansSvc.Rerun(req.Context(), scan.ID)
	if err != nil {
		return err
	}
	middleware.IncrementScansSubmitted()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"scan_id": id,
		"status":  domain.StatusPending,
	})
	return nil
}

// DELETE /api/v1/scans/{id}
func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), user, scan, "", shares.PermissionEdit); err != nil {
		return err
	}
	if err := r.scansSvc.Delete(req.Context(), scan.ID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /api/v1/scans/{id}/transfer
// Body: {"new_owner_id": 42}.
func (r *Router) handleTransfer(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), user, scan, "", shares.PermissionEdit); err != nil {
		return err
	}
	var body struct {
		NewOwnerID int64 `json:"new_owner_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	if body.NewOwnerID <= 0 {
		return &domain.ValidationError{Field: "new_owner_id", Message: "is required"}
	}
	if err := r.scansSvc.Transfer(req.Context(), scan.ID, body.NewOwnerID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /api/v1/scans/{id}/shares
func (r *Router) handleCreateShare(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	var body struct {
		UserID     *int64     `json:"user_id"`
		Permission string     `json:"permission_level"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	perm, _ := shares.ParsePermission(body.Permission)
	grant, err := r.accessSvc.CreateShare(req.Context(), user, scan, appaccess.CreateShareRequest{
		UserID:     body.UserID,
		Permission: perm,
		ExpiresAt:  body.ExpiresAt,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, grant)
	return nil
}

// GET /api/v1/scans/{id}/shares
func (r *Router) handleListShares(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	list, err := r.accessSvc.ListShares(req.Context(), user, scan)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": list})
	return nil
}

// DELETE /api/v1/scans/{id}/shares/{shareID}
func (r *Router) handleRevokeShare(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	shareID, err := strconv.ParseInt(chi.URLParam(req, "shareID"), 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "shareID", Message: "must be an integer"}
	}
	if err := r.accessSvc.RevokeShare(req.Context(), user, scan, shareID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /api/v1/shared/{token}
// Public entry point: resolves the token to its scan and returns the status
// report. No authentication, view only, dead after expiry.
func (r *Router) handleSharedView(w http.ResponseWriter, req *http.Request) error {
	token := chi.URLParam(req, "token")
	if err := middleware.ValidateScanID(token); err != nil {
		return fmt.Errorf("share token: %w", domain.ErrNotFound)
	}
	scan, err := r.scansSvc.GetByShareToken(req.Context(), token)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), nil, scan, token, shares.PermissionView); err != nil {
		return err
	}
	report, err := r.scansSvc.Status(req.Context(), scan.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, report)
	return nil
}

// GET /api/v1/plugins
func (r *Router) handlePlugins(w http.ResponseWriter, req *http.Request) error {
	if _, err := currentUser(req); err != nil {
		return err
	}
	plugins, err := r.scansSvc.Catalog.ListPlugins(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": plugins})
	return nil
}

// GET /api/v1/stats
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) error {
	if _, err := currentUser(req); err != nil {
		return err
	}
	counts, err := r.scansSvc.Stats(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, counts)
	return nil
}

type profileBody struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	ConfigYAML         string `json:"config_yaml"`
	AllowStandardUsers bool   `json:"allow_standard_users"`
	IsSystemDefault    bool   `json:"is_system_default"`
}

// POST /api/v1/profiles
func (r *Router) handleCreateProfile(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	var body profileBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	p := &profiles.ScanConfigProfile{
		Name:               body.Name,
		Description:        body.Description,
		ConfigYAML:         body.ConfigYAML,
		AllowStandardUsers: body.AllowStandardUsers,
		IsSystemDefault:    body.IsSystemDefault,
	}
	if err := r.profilesSvc.Save(req.Context(), user, p); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, p)
	return nil
}

// PUT /api/v1/profiles/{profileID}
func (r *Router) handleUpdateProfile(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(chi.URLParam(req, "profileID"), 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "profileID", Message: "must be an integer"}
	}
	var body profileBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	p := &profiles.ScanConfigProfile{
		ID:                 id,
		Name:               body.Name,
		Description:        body.Description,
		ConfigYAML:         body.ConfigYAML,
		AllowStandardUsers: body.AllowStandardUsers,
		IsSystemDefault:    body.IsSystemDefault,
	}
	if err := r.profilesSvc.Save(req.Context(), user, p); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, p)
	return nil
}

// DELETE /api/v1/profiles/{profileID}
func (r *Router) handleDeleteProfile(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(chi.URLParam(req, "profileID"), 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "profileID", Message: "must be an integer"}
	}
	if err := r.profilesSvc.Delete(req.Context(), user, id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /api/v1/profiles/{profileID}
func (r *Router) handleGetProfile(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(chi.URLParam(req, "profileID"), 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "profileID", Message: "must be an integer"}
	}
	p, err := r.profilesSvc.Get(req.Context(), user, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, p)
	return nil
}

// GET /api/v1/profiles
func (r *Router) handleListProfiles(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	list, err := r.profilesSvc.List(req.Context(), user)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": list})
	return nil
}

// POST /api/v1/scans/{id}/analyze
func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	if r.aiSvc == nil {
		return fmt.Errorf("ai analysis is not configured")
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), user, scan, "", shares.PermissionEdit); err != nil {
		return err
	}
	a, err := r.aiSvc.AnalyzeScan(req.Context(), scan.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a)
	return nil
}

// GET /api/v1/scans/{id}/analyses?limit=
func (r *Router) handleListAnalyses(w http.ResponseWriter, req *http.Request) error {
	user, err := currentUser(req)
	if err != nil {
		return err
	}
	if r.aiSvc == nil {
		return fmt.Errorf("ai analysis is not configured")
	}
	scan, err := r.scanFromPath(req)
	if err != nil {
		return err
	}
	if err := r.accessSvc.Require(req.Context(), user, scan, "", shares.PermissionView); err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.aiSvc.ListAnalyses(req.Context(), scan.ID, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": list})
	return nil
}
