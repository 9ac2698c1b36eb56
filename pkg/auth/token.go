package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/apierrors"
)

// tokenHeader is the fixed first segment of every signed bearer.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// claims is the signed payload. Kind distinguishes user sessions from
// match-bound player tokens sharing the same signer.
type claims struct {
	Kind        string    `json:"kind"`
	Subject     uuid.UUID `json:"sub"`
	Username    string    `json:"username,omitempty"`
	RoleNames   []string  `json:"roles,omitempty"`
	Scopes      []string  `json:"scopes"`
	MatchID     uint64    `json:"matchId,omitempty"`
	ContainerID *uint64   `json:"containerId,omitempty"`
	PlayerID    uint64    `json:"playerId,omitempty"`
	Issuer      string    `json:"iss"`
	IssuedAt    int64     `json:"iat"`
	ExpiresAt   int64     `json:"exp"`
}

const (
	kindSession = "session"
	kindMatch   = "match"
)

// Signer signs and verifies bearer tokens with HMAC-SHA256. The key is
// immutable after construction.
type Signer struct {
	key    []byte
	issuer string
}

// NewSigner builds a signer from an explicit secret. With an empty secret
// a random key is generated, which invalidates every previously issued
// token at process restart; the warning makes that visible in logs.
func NewSigner(secret, issuer string, logger *slog.Logger) (*Signer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("no signing key configured, generated an ephemeral one; " +
			"previously issued tokens are now invalid")
	}
	return &Signer{key: key, issuer: issuer}, nil
}

var encoding = base64.RawURLEncoding

func (s *Signer) sign(c claims) (string, error) {
	header, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "SFT"})
	if err != nil {
		return "", fmt.Errorf("marshal token header: %w", err)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}
	signing := encoding.EncodeToString(header) + "." + encoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(signing))
	return signing + "." + encoding.EncodeToString(mac.Sum(nil)), nil
}

// verify checks the signature and expiry and returns the claims. Any
// malformation, tampering, or expiry is INVALID_TOKEN.
func (s *Signer) verify(bearer string, now time.Time) (*claims, error) {
	parts := strings.Split(bearer, ".")
	if len(parts) != 3 {
		return nil, apierrors.New(apierrors.KindInvalidToken, "malformed token")
	}
	signing := parts[0] + "." + parts[1]
	sig, err := encoding.DecodeString(parts[2])
	if err != nil {
		return nil, apierrors.New(apierrors.KindInvalidToken, "malformed token signature")
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(signing))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, apierrors.New(apierrors.KindInvalidToken, "token signature mismatch")
	}

	payload, err := encoding.DecodeString(parts[1])
	if err != nil {
		return nil, apierrors.New(apierrors.KindInvalidToken, "malformed token payload")
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, apierrors.New(apierrors.KindInvalidToken, "malformed token claims")
	}
	if s.issuer != "" && c.Issuer != s.issuer {
		return nil, apierrors.New(apierrors.KindInvalidToken, "unexpected token issuer")
	}
	if now.Unix() >= c.ExpiresAt {
		return nil, apierrors.New(apierrors.KindInvalidToken, "token expired")
	}
	return &c, nil
}

// SignSession issues a session bearer for the user.
func (s *Signer) SignSession(userID uuid.UUID, username string, roleNames, scopes []string, expiry time.Duration) (*AuthToken, error) {
	now := time.Now()
	c := claims{
		Kind:      kindSession,
		Subject:   userID,
		Username:  username,
		RoleNames: roleNames,
		Scopes:    scopes,
		Issuer:    s.issuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(expiry).Unix(),
	}
	bearer, err := s.sign(c)
	if err != nil {
		return nil, err
	}
	return &AuthToken{
		UserID:    userID,
		Username:  username,
		RoleNames: roleNames,
		Scopes:    scopes,
		Bearer:    bearer,
		IssuedAt:  now,
		ExpiresAt: now.Add(expiry),
	}, nil
}

// VerifySession decodes a session bearer back into an AuthToken.
func (s *Signer) VerifySession(bearer string) (*AuthToken, error) {
	c, err := s.verify(bearer, time.Now())
	if err != nil {
		return nil, err
	}
	if c.Kind != kindSession {
		return nil, apierrors.New(apierrors.KindInvalidToken, "not a session token")
	}
	return &AuthToken{
		UserID:    c.Subject,
		Username:  c.Username,
		RoleNames: c.RoleNames,
		Scopes:    c.Scopes,
		Bearer:    bearer,
		IssuedAt:  time.Unix(c.IssuedAt, 0),
		ExpiresAt: time.Unix(c.ExpiresAt, 0),
	}, nil
}

// SignMatchToken attaches a signed bearer to a match token.
func (s *Signer) SignMatchToken(t *MatchToken) error {
	c := claims{
		Kind:        kindMatch,
		Subject:     t.ID,
		Username:    t.PlayerName,
		Scopes:      t.Scopes,
		MatchID:     t.MatchID,
		ContainerID: t.ContainerID,
		PlayerID:    t.PlayerID,
		Issuer:      s.issuer,
		IssuedAt:    t.CreatedAt.Unix(),
		ExpiresAt:   t.ExpiresAt.Unix(),
	}
	bearer, err := s.sign(c)
	if err != nil {
		return err
	}
	t.SignedBearer = bearer
	return nil
}

// VerifyMatchToken decodes a match bearer. The store-backed revocation
// check is the service's job; the signature proves the binding claims.
func (s *Signer) VerifyMatchToken(bearer string) (*MatchToken, error) {
	c, err := s.verify(bearer, time.Now())
	if err != nil {
		return nil, err
	}
	if c.Kind != kindMatch {
		return nil, apierrors.New(apierrors.KindInvalidToken, "not a match token")
	}
	return &MatchToken{
		ID:           c.Subject,
		MatchID:      c.MatchID,
		ContainerID:  c.ContainerID,
		PlayerID:     c.PlayerID,
		PlayerName:   c.Username,
		Scopes:       c.Scopes,
		CreatedAt:    time.Unix(c.IssuedAt, 0),
		ExpiresAt:    time.Unix(c.ExpiresAt, 0),
		SignedBearer: bearer,
	}, nil
}

// HashApiToken derives the stored digest of a raw API token.
func HashApiToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return encoding.EncodeToString(sum[:])
}

// GenerateApiToken produces a new raw API token with a recognizable prefix.
func GenerateApiToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api token: %w", err)
	}
	return "sft_" + encoding.EncodeToString(buf), nil
}
