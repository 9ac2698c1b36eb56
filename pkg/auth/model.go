package auth

import (
	"time"

	"github.com/google/uuid"
)

// User is an authenticating principal. Effective scopes are the union of
// DirectScopes and the scopes of every role reachable through inclusion.
type User struct {
	ID           uuid.UUID   `json:"id"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"-"`
	RoleIDs      []uuid.UUID `json:"roleIds"`
	DirectScopes []string    `json:"directScopes"`
	CreatedAt    time.Time   `json:"createdAt"`
	Enabled      bool        `json:"enabled"`
}

// Role is a named scope bundle. Roles include other roles transitively;
// the inclusion graph is kept acyclic by the service's update validation.
type Role struct {
	ID              uuid.UUID   `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Scopes          []string    `json:"scopes"`
	IncludedRoleIDs []uuid.UUID `json:"includedRoleIds"`
}

// ApiToken is a long-lived credential for programmatic access. The raw
// token is shown once at creation; only its hash is stored.
type ApiToken struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"userId"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	LastUsedIP string     `json:"lastUsedIp,omitempty"`
}

// IsActive reports whether the token is neither revoked nor expired.
func (t *ApiToken) IsActive(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// MatchToken is a player credential bound to one match, and optionally to
// one container.
type MatchToken struct {
	ID           uuid.UUID  `json:"id"`
	MatchID      uint64     `json:"matchId"`
	ContainerID  *uint64    `json:"containerId,omitempty"`
	PlayerID     uint64     `json:"playerId"`
	UserID       *uuid.UUID `json:"userId,omitempty"`
	PlayerName   string     `json:"playerName"`
	Scopes       []string   `json:"scopes"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	SignedBearer string     `json:"signedBearer,omitempty"`
}

// IsActive reports whether the token is neither revoked nor expired.
func (t *MatchToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// IsValidForMatchAndContainer enforces the token's binding: the match must
// match exactly; the container only when the token was bound to one.
func (t *MatchToken) IsValidForMatchAndContainer(matchID, containerID uint64, now time.Time) bool {
	if !t.IsActive(now) {
		return false
	}
	if t.MatchID != matchID {
		return false
	}
	return t.ContainerID == nil || *t.ContainerID == containerID
}

// AuthToken is a verified session: the claims carried by a signed bearer.
type AuthToken struct {
	UserID    uuid.UUID `json:"userId"`
	Username  string    `json:"username"`
	RoleNames []string  `json:"roleNames"`
	Scopes    []string  `json:"scopes"`
	Bearer    string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HasScope reports whether the session satisfies the required scope under
// wildcard matching.
func (t *AuthToken) HasScope(required string) bool {
	return Matches(t.Scopes, required)
}
