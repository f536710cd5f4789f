package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/pkg/maskx"
)

// keyView is the masked, operator-facing shape of an upstream key.
type keyView struct {
	ID            string     `json:"id"`
	MaskedSecret  string     `json:"masked_key"`
	Name          string     `json:"name,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at"`
	TotalRequests int64      `json:"total_requests"`
	UsageLast1m   int        `json:"usage_last_1m"`
	UsageLast1h   int        `json:"usage_last_1h"`
	UsageLast24h  int        `json:"usage_last_24h"`
}

func (s *Server) keyView(k domain.UpstreamKey, now time.Time) keyView {
	wc := s.Usage.Aggregate(k.ID, now)
	return keyView{
		ID:            k.ID,
		MaskedSecret:  maskx.Secret(k.Secret),
		Name:          k.Name,
		Status:        string(k.Status),
		CreatedAt:     k.CreatedAt,
		LastUsedAt:    k.LastUsedAt,
		TotalRequests: k.TotalRequests,
		UsageLast1m:   wc.Last1m,
		UsageLast1h:   wc.Last1h,
		UsageLast24h:  wc.Last24h,
	}
}

// AdminLogin is POST /admin/token: username+password in, bearer token out.
// Accepts form encoding or JSON.
func (s *Server) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var username, password string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("invalid json: %w", domain.ErrInvalidArgument), nil)
			return
		}
		username, password = req.Username, req.Password
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, fmt.Errorf("invalid form: %w", domain.ErrInvalidArgument), nil)
			return
		}
		username = r.PostFormValue("username")
		password = r.PostFormValue("password")
	}

	if username != s.Cfg.AdminUsername || !credentialMatches(password, s.Cfg.AdminPassword) {
		LoggerFrom(r).Warn("admin login rejected", "username", username)
		writeError(w, r, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized), nil)
		return
	}
	token, exp, err := s.Tokens.Issue(username)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   exp.Format(time.RFC3339),
	})
}

// AdminListKeys is GET /admin/api/keys: every key, masked, with counts of
// usable vs unusable keys.
func (s *Server) AdminListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Repo.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	now := time.Now().UTC()
	views := make([]keyView, 0, len(keys))
	var valid, invalid int
	for _, k := range keys {
		if k.Status == domain.KeyActive {
			valid++
		} else {
			invalid++
		}
		views = append(views, s.keyView(k, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":          views,
		"valid_count":   valid,
		"invalid_count": invalid,
	})
}

// AdminListKeysPaginated is GET /admin/api/keys/paginated.
func (s *Server) AdminListKeysPaginated(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 10)
	status := domain.KeyStatus(r.URL.Query().Get("status"))
	if status != "" && !domain.ValidStatus(status) {
		writeError(w, r, fmt.Errorf("unknown status %q: %w", status, domain.ErrInvalidArgument), nil)
		return
	}
	keys, total, err := s.Repo.ListPaginated(r.Context(), page, pageSize, status)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	now := time.Now().UTC()
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, s.keyView(k, now))
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": views,
		"page_info": domain.PageInfo{
			Total:      total,
			Page:       page,
			PageSize:   pageSize,
			TotalPages: totalPages,
		},
	})
}

type addKeyRequest struct {
	Secret string `json:"key" validate:"required"`
	Name   string `json:"name"`
}

// AdminAddKey is POST /admin/api/keys.
func (s *Server) AdminAddKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("invalid json: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	id, err := s.Repo.Add(r.Context(), strings.TrimSpace(req.Secret), strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.rebuildRing(r)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(domain.KeyActive)})
}

type bulkAddRequest struct {
	Keys string `json:"keys" validate:"required"`
}

// AdminBulkAddKeys is POST /admin/api/keys/bulk. One key per line, either
// "secret" or "secret,name". Duplicates and blank lines are skipped.
func (s *Server) AdminBulkAddKeys(w http.ResponseWriter, r *http.Request) {
	var req bulkAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("invalid json: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	var added, skipped int
	for _, line := range strings.Split(req.Keys, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		secret, name := line, ""
		if idx := strings.Index(line, ","); idx >= 0 {
			secret = strings.TrimSpace(line[:idx])
			name = strings.TrimSpace(line[idx+1:])
		}
		if secret == "" {
			skipped++
			continue
		}
		if _, err := s.Repo.Add(r.Context(), secret, name); err != nil {
			if errors.Is(err, domain.ErrDuplicateSecret) {
				skipped++
				continue
			}
			writeError(w, r, err, nil)
			return
		}
		added++
	}
	if added > 0 {
		s.rebuildRing(r)
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added, "skipped": skipped})
}

type setStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive revoked"`
}

// AdminSetKeyStatus is PUT /admin/api/keys/{id}/status. This is the only path
// that can revoke a key or bring a revoked key back.
func (s *Server) AdminSetKeyStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("invalid json: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	ok, err := s.Repo.SetStatus(r.Context(), id, domain.KeyStatus(req.Status))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !ok {
		writeError(w, r, fmt.Errorf("key %s: %w", id, domain.ErrNotFound), nil)
		return
	}
	s.rebuildRing(r)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

type setNameRequest struct {
	Name string `json:"name"`
}

// AdminSetKeyName is PUT /admin/api/keys/{id}/name.
func (s *Server) AdminSetKeyName(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("invalid json: %w", domain.ErrInvalidArgument), nil)
		return
	}
	ok, err := s.Repo.SetName(r.Context(), id, strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !ok {
		writeError(w, r, fmt.Errorf("key %s: %w", id, domain.ErrNotFound), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": strings.TrimSpace(req.Name)})
}

// AdminDeleteKey is DELETE /admin/api/keys/{id}: remove the row, drop its
// usage window, refresh the ring.
func (s *Server) AdminDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.Repo.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !ok {
		writeError(w, r, fmt.Errorf("key %s: %w", id, domain.ErrNotFound), nil)
		return
	}
	s.Usage.Forget(id)
	s.rebuildRing(r)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
}

// AdminResetAllKeys is POST /admin/api/keys/reset_all: every inactive key
// becomes active again. Revoked keys stay revoked.
func (s *Server) AdminResetAllKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Repo.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	var reset int
	for _, k := range keys {
		if k.Status != domain.KeyInactive {
			continue
		}
		if _, err := s.Repo.SetStatus(r.Context(), k.ID, domain.KeyActive); err != nil {
			writeError(w, r, err, nil)
			return
		}
		reset++
	}
	if reset > 0 {
		s.rebuildRing(r)
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": reset})
}

// AdminValidateKeys is POST /admin/api/validate_keys: probe every inactive
// key and reconcile statuses.
func (s *Server) AdminValidateKeys(w http.ResponseWriter, r *http.Request) {
	results, err := s.Validator.ValidateAllInactive(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	var reactivated int
	for _, res := range results {
		if res.NewStatus == string(domain.KeyActive) {
			reactivated++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checked":     len(results),
		"reactivated": reactivated,
		"results":     results,
	})
}

// AdminValidateKey is POST /admin/api/validate_key/{id}.
func (s *Server) AdminValidateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.Validator.ValidateOne(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AdminStats is GET /admin/api/stats.
func (s *Server) AdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Repo.StatsSnapshot(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     st,
		"ring_size": s.Ring.Size(),
	})
}

// AdminCleanupUsage is POST /admin/api/cleanup_usage: evict expired usage
// entries and drop windows belonging to keys that no longer exist.
func (s *Server) AdminCleanupUsage(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Repo.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	existing := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		existing[k.ID] = struct{}{}
	}
	var dropped int
	for _, keyID := range s.Usage.TrackedKeys() {
		if _, ok := existing[keyID]; !ok {
			s.Usage.Forget(keyID)
			dropped++
		}
	}
	remaining := s.Usage.GC(time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped, "tracked": remaining})
}

func (s *Server) rebuildRing(r *http.Request) {
	if err := s.Ring.Rebuild(r.Context()); err != nil {
		LoggerFrom(r).Error("ring rebuild failed", "error", err)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
