package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/userstore"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

type createUserRequest struct {
	Token        string                      `json:"token,omitempty"`
	Type         proxy.UserType              `json:"type,omitempty"`
	TokenLimits  map[proxy.ModelFamily]int64 `json:"token_limits,omitempty"`
	TokenRefresh map[proxy.ModelFamily]int64 `json:"token_refresh,omitempty"`
	ExpiresAt    time.Time                   `json:"expires_at,omitzero"`
	MaxIPs       int                         `json:"max_ips,omitempty"`
	Meta         map[string]string           `json:"meta,omitempty"`
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.deps.Users.Create(userstore.CreateOptions{
		Token:        req.Token,
		Type:         req.Type,
		TokenLimits:  req.TokenLimits,
		TokenRefresh: req.TokenRefresh,
		ExpiresAt:    req.ExpiresAt,
		MaxIPs:       req.MaxIPs,
		Meta:         req.Meta,
	})
	if err != nil {
		writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Users.List())
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.deps.Users.Get(chi.URLParam(r, "token"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type disableUserRequest struct {
	Reason string `json:"reason"`
}

func (s *server) handleDisableUser(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, ok := s.deps.Users.Get(token); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	var req disableUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}
	s.deps.Users.Disable(token, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *server) handleRefreshUser(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, ok := s.deps.Users.Get(token); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	s.deps.Users.RefreshQuota(token)
	user, _ := s.deps.Users.Get(token)
	writeJSON(w, http.StatusOK, user)
}

func (s *server) handleResetUser(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, ok := s.deps.Users.Get(token); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	s.deps.Users.ResetUsage(token)
	user, _ := s.deps.Users.Get(token)
	writeJSON(w, http.StatusOK, user)
}
