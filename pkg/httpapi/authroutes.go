package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/response"
)

func (s *Server) mountAuthRoutes(r chi.Router) {
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/refresh", s.handleRefresh)
	r.With(s.requireAuth).Post("/api/tokens", s.handleCreateApiToken)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	RoleNames []string  `json:"roleNames"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func sessionBody(t *auth.AuthToken) sessionResponse {
	return sessionResponse{
		Token:     t.Bearer,
		UserID:    t.UserID.String(),
		Username:  t.Username,
		RoleNames: t.RoleNames,
		ExpiresAt: t.ExpiresAt,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, sessionBody(token))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	bearer, _ := bearerFrom(r)
	if bearer == "" {
		response.Error(w, apierrors.New(apierrors.KindInvalidToken, "missing credentials"))
		return
	}
	token, err := s.auth.RefreshToken(bearer)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, sessionBody(token))
}

type createApiTokenRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleCreateApiToken(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req createApiTokenRequest
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.Name == "" {
		response.Error(w, apierrors.Validation("token name must not be empty"))
		return
	}
	// A token can never grant more than its creator holds.
	for _, scope := range req.Scopes {
		if !p.HasScope(scope) {
			response.Error(w, apierrors.New(apierrors.KindForbidden,
				"cannot grant scope %s you do not hold", scope))
			return
		}
	}
	token, raw, err := s.auth.CreateApiToken(p.UserID, req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, map[string]any{
		"id":        token.ID,
		"name":      token.Name,
		"scopes":    token.Scopes,
		"token":     raw,
		"createdAt": token.CreatedAt,
		"expiresAt": token.ExpiresAt,
	})
}
