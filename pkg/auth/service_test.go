package auth

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/simforge/pkg/apierrors"
)

func newTestService(t *testing.T, secret string) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer, err := NewSigner(secret, "simforge-test", logger)
	require.NoError(t, err)
	// MinCost keeps bcrypt cheap in tests.
	return NewService(NewMemoryStore(), signer, time.Hour, 4, logger)
}

func TestLoginHappyPath(t *testing.T) {
	s := newTestService(t, "test-secret")

	userRead, err := s.CreateRole("user.read", "read users", []string{"user.read"}, nil)
	require.NoError(t, err)
	admin, err := s.CreateRole("admin", "", []string{"control-plane.*"}, []uuid.UUID{userRead.ID})
	require.NoError(t, err)
	_, err = s.CreateUser("alice", "pw", []uuid.UUID{admin.ID}, nil)
	require.NoError(t, err)

	token, err := s.Login("alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", token.Username)
	assert.ElementsMatch(t, []string{"admin", "user.read"}, token.RoleNames)

	verified, err := s.VerifyToken(token.Bearer)
	require.NoError(t, err)
	assert.Equal(t, token.UserID, verified.UserID)
	// Scopes from included roles apply transitively.
	assert.True(t, Matches(verified.Scopes, "user.read"))
	assert.True(t, verified.HasScope(ScopeClusterRead))
}

func TestLoginFailures(t *testing.T) {
	s := newTestService(t, "test-secret")
	u, err := s.CreateUser("bob", "secret", nil, nil)
	require.NoError(t, err)

	_, err = s.Login("bob", "wrong")
	assert.Equal(t, apierrors.KindInvalidCredentials, apierrors.KindOf(err))
	_, err = s.Login("nobody", "secret")
	assert.Equal(t, apierrors.KindInvalidCredentials, apierrors.KindOf(err))

	require.NoError(t, s.SetUserEnabled(u.ID, false))
	_, err = s.Login("bob", "secret")
	assert.Equal(t, apierrors.KindUserDisabled, apierrors.KindOf(err))
}

func TestDuplicateUsername(t *testing.T) {
	s := newTestService(t, "test-secret")
	_, err := s.CreateUser("carol", "pw", nil, nil)
	require.NoError(t, err)
	_, err = s.CreateUser("Carol", "pw", nil, nil)
	assert.Equal(t, apierrors.KindConflict, apierrors.KindOf(err))
}

func TestTokenTamperAndExpiry(t *testing.T) {
	s := newTestService(t, "test-secret")
	_, err := s.CreateUser("alice", "pw", nil, []string{"*"})
	require.NoError(t, err)
	token, err := s.Login("alice", "pw")
	require.NoError(t, err)

	_, err = s.VerifyToken(token.Bearer + "x")
	assert.Equal(t, apierrors.KindInvalidToken, apierrors.KindOf(err))
	_, err = s.VerifyToken("not.a.token")
	assert.Equal(t, apierrors.KindInvalidToken, apierrors.KindOf(err))

	// A different key refuses tokens signed with the old one, which is the
	// documented consequence of running without a configured secret.
	other := newTestService(t, "")
	_, err = other.VerifyToken(token.Bearer)
	assert.Equal(t, apierrors.KindInvalidToken, apierrors.KindOf(err))
}

func TestRefreshPicksUpScopeChanges(t *testing.T) {
	s := newTestService(t, "test-secret")
	u, err := s.CreateUser("alice", "pw", nil, []string{"a.read"})
	require.NoError(t, err)
	token, err := s.Login("alice", "pw")
	require.NoError(t, err)
	assert.False(t, token.HasScope("b.read"))

	u.DirectScopes = append(u.DirectScopes, "b.read")
	require.NoError(t, s.store.UpdateUser(u))

	refreshed, err := s.RefreshToken(token.Bearer)
	require.NoError(t, err)
	assert.True(t, refreshed.HasScope("b.read"))

	// Disabling kills the refresh path even while the bearer is unexpired.
	require.NoError(t, s.SetUserEnabled(u.ID, false))
	_, err = s.RefreshToken(token.Bearer)
	assert.Equal(t, apierrors.KindUserDisabled, apierrors.KindOf(err))
}

func TestRoleInclusion(t *testing.T) {
	s := newTestService(t, "test-secret")
	c, err := s.CreateRole("c", "", []string{"c.scope"}, nil)
	require.NoError(t, err)
	b, err := s.CreateRole("b", "", nil, []uuid.UUID{c.ID})
	require.NoError(t, err)
	a, err := s.CreateRole("a", "", nil, []uuid.UUID{b.ID})
	require.NoError(t, err)

	// Reflexive and transitive.
	for _, tc := range []struct {
		from, to uuid.UUID
		want     bool
	}{
		{a.ID, a.ID, true},
		{a.ID, b.ID, true},
		{a.ID, c.ID, true},
		{c.ID, a.ID, false},
	} {
		got, err := s.Includes(tc.from, tc.to)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestRoleCycleRejected(t *testing.T) {
	s := newTestService(t, "test-secret")
	c, err := s.CreateRole("c", "", nil, nil)
	require.NoError(t, err)
	b, err := s.CreateRole("b", "", nil, []uuid.UUID{c.ID})
	require.NoError(t, err)
	a, err := s.CreateRole("a", "", nil, []uuid.UUID{b.ID})
	require.NoError(t, err)

	// Closing the loop c → a is a cycle.
	c.IncludedRoleIDs = []uuid.UUID{a.ID}
	err = s.UpdateRole(c)
	assert.Equal(t, apierrors.KindValidation, apierrors.KindOf(err))

	// Self-inclusion is the degenerate cycle.
	a.IncludedRoleIDs = append(a.IncludedRoleIDs, a.ID)
	err = s.UpdateRole(a)
	assert.Equal(t, apierrors.KindValidation, apierrors.KindOf(err))
}

func TestApiTokenLifecycle(t *testing.T) {
	s := newTestService(t, "test-secret")
	u, err := s.CreateUser("alice", "pw", nil, nil)
	require.NoError(t, err)

	token, raw, err := s.CreateApiToken(u.ID, "ci", []string{"control-plane.module.*"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.True(t, token.IsActive(time.Now()))

	got, err := s.VerifyApiToken(raw, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)
	assert.Equal(t, "10.0.0.1", got.LastUsedIP)
	assert.NotNil(t, got.LastUsedAt)

	require.NoError(t, s.RevokeApiToken(got))
	_, err = s.VerifyApiToken(raw, "10.0.0.1")
	assert.Equal(t, apierrors.KindInvalidToken, apierrors.KindOf(err))

	_, err = s.VerifyApiToken("sft_bogus", "10.0.0.1")
	assert.Equal(t, apierrors.KindInvalidToken, apierrors.KindOf(err))
}

func TestApiTokenExpiry(t *testing.T) {
	s := newTestService(t, "test-secret")
	u, err := s.CreateUser("alice", "pw", nil, nil)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	_, raw, err := s.CreateApiToken(u.ID, "stale", nil, &past)
	require.NoError(t, err)
	_, err = s.VerifyApiToken(raw, "")
	assert.Equal(t, apierrors.KindInvalidToken, apierrors.KindOf(err))
}

func TestMatchTokenBinding(t *testing.T) {
	s := newTestService(t, "test-secret")
	cid := uint64(7)
	token, err := s.IssueMatchToken(3, &cid, 12, "alice", nil, nil, time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, DefaultMatchScopes(), token.Scopes)
	require.NotEmpty(t, token.SignedBearer)

	got, err := s.VerifyMatchToken(token.SignedBearer)
	require.NoError(t, err)
	now := time.Now()
	assert.True(t, got.IsValidForMatchAndContainer(3, 7, now))
	assert.False(t, got.IsValidForMatchAndContainer(3, 8, now))
	assert.False(t, got.IsValidForMatchAndContainer(4, 7, now))

	// Without a container binding any container passes.
	unbound, err := s.IssueMatchToken(3, nil, 12, "alice", nil, nil, time.Hour)
	require.NoError(t, err)
	assert.True(t, unbound.IsValidForMatchAndContainer(3, 99, now))

	require.NoError(t, s.RevokeMatchToken(token.ID))
	_, err = s.VerifyMatchToken(token.SignedBearer)
	assert.Equal(t, apierrors.KindInvalidToken, apierrors.KindOf(err))
}
