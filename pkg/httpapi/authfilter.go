package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/response"
)

// Principal is the authenticated identity a request carries after passing
// the filter.
type Principal struct {
	UserID     uuid.UUID
	Username   string
	Scopes     []string
	ApiToken   *auth.ApiToken
	MatchToken *auth.MatchToken
}

// HasScope applies wildcard scope matching against the principal's grants.
func (p *Principal) HasScope(required string) bool {
	return auth.Matches(p.Scopes, required)
}

type principalKey struct{}

// PrincipalFrom returns the request's authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// bearerFrom extracts the credential: Authorization bearer first, then the
// X-Api-Token header, then the token query parameter (WebSocket clients
// cannot set headers from browsers).
func bearerFrom(r *http.Request) (token string, isApiToken bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		t := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		return t, strings.HasPrefix(t, "sft_")
	}
	if h := r.Header.Get("X-Api-Token"); h != "" {
		return h, true
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, strings.HasPrefix(q, "sft_")
	}
	return "", false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

// resolvePrincipal authenticates the request's credential. Session bearers,
// API tokens, and match tokens all resolve to a Principal.
func (s *Server) resolvePrincipal(r *http.Request) (*Principal, error) {
	raw, isApiToken := bearerFrom(r)
	if raw == "" {
		return nil, apierrors.New(apierrors.KindInvalidToken, "missing credentials")
	}

	if isApiToken {
		t, err := s.auth.VerifyApiToken(raw, clientIP(r))
		if err != nil {
			return nil, err
		}
		return &Principal{UserID: t.UserID, Username: t.Name, Scopes: t.Scopes, ApiToken: t}, nil
	}

	if session, err := s.auth.VerifyToken(raw); err == nil {
		return &Principal{
			UserID:   session.UserID,
			Username: session.Username,
			Scopes:   session.Scopes,
		}, nil
	}

	// Not a session: try the match-token path before giving up.
	mt, err := s.auth.VerifyMatchToken(raw)
	if err != nil {
		return nil, err
	}
	return &Principal{Username: mt.PlayerName, Scopes: mt.Scopes, MatchToken: mt}, nil
}

// requireScope gates a route on the given scope. 401 without a valid
// credential, 403 without the scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.resolvePrincipal(r)
			if err != nil {
				response.Error(w, err)
				return
			}
			if !p.HasScope(scope) {
				response.Error(w, apierrors.New(apierrors.KindForbidden,
					"scope %s required", scope))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

// requireMatchAccess additionally enforces match-token binding on routes
// addressing a specific container and match. Session and API credentials
// pass on scope alone; a match token must be bound to the URL's ids.
func (s *Server) requireMatchAccess(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.resolvePrincipal(r)
			if err != nil {
				response.Error(w, err)
				return
			}
			if !p.HasScope(scope) {
				response.Error(w, apierrors.New(apierrors.KindForbidden,
					"scope %s required", scope))
				return
			}
			if p.MatchToken != nil {
				cid, _ := strconv.ParseUint(chi.URLParam(r, "cid"), 10, 64)
				mid, _ := strconv.ParseUint(chi.URLParam(r, "mid"), 10, 64)
				if mid == 0 {
					mid = p.MatchToken.MatchID // command routes carry it in the body
				}
				if !p.MatchToken.IsValidForMatchAndContainer(mid, cid, timeNow()) {
					response.Error(w, apierrors.New(apierrors.KindForbidden,
						"match token not valid for this match"))
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}
