package auth

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/apierrors"
)

// Service wires the auth store, the password hasher, and the token signer
// into the operations the HTTP layer calls.
type Service struct {
	store      Store
	signer     *Signer
	logger     *slog.Logger
	expiry     time.Duration
	bcryptCost int
}

// NewService creates the auth service.
func NewService(store Store, signer *Signer, expiry time.Duration, bcryptCost int, logger *slog.Logger) *Service {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		store:      store,
		signer:     signer,
		logger:     logger,
		expiry:     expiry,
		bcryptCost: bcryptCost,
	}
}

// ── Users and roles ───────────────────────────────────────────────

// CreateUser registers a user with a freshly hashed password.
func (s *Service) CreateUser(username, password string, roleIDs []uuid.UUID, directScopes []string) (*User, error) {
	if username == "" {
		return nil, apierrors.Validation("username must not be empty")
	}
	if password == "" {
		return nil, apierrors.Validation("password must not be empty")
	}
	for _, id := range roleIDs {
		if _, err := s.store.RoleByID(id); err != nil {
			return nil, err
		}
	}
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		RoleIDs:      roleIDs,
		DirectScopes: directScopes,
		CreatedAt:    time.Now(),
		Enabled:      true,
	}
	if err := s.store.CreateUser(u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", u.ID, "username", username)
	return u, nil
}

// SetUserEnabled toggles a user's enabled flag. Disabling does not revoke
// already-issued session tokens; those die at refresh.
func (s *Service) SetUserEnabled(id uuid.UUID, enabled bool) error {
	u, err := s.store.UserByID(id)
	if err != nil {
		return err
	}
	u.Enabled = enabled
	return s.store.UpdateUser(u)
}

// CreateRole registers a role. Included roles must already exist.
func (s *Service) CreateRole(name, description string, scopes []string, includedRoleIDs []uuid.UUID) (*Role, error) {
	if name == "" {
		return nil, apierrors.Validation("role name must not be empty")
	}
	for _, id := range includedRoleIDs {
		if _, err := s.store.RoleByID(id); err != nil {
			return nil, err
		}
	}
	r := &Role{
		ID:              uuid.New(),
		Name:            name,
		Description:     description,
		Scopes:          scopes,
		IncludedRoleIDs: includedRoleIDs,
	}
	if err := s.store.CreateRole(r); err != nil {
		return nil, err
	}
	s.logger.Info("role created", "role_id", r.ID, "role", name)
	return r, nil
}

// UpdateRole replaces a role's definition after validating that the new
// inclusion list does not close a cycle back to the role.
func (s *Service) UpdateRole(r *Role) error {
	for _, id := range r.IncludedRoleIDs {
		if id == r.ID {
			return apierrors.Validation("role %s cannot include itself", r.Name)
		}
		included, err := s.store.RoleByID(id)
		if err != nil {
			return err
		}
		reaches, err := s.reaches(included, r.ID, map[uuid.UUID]struct{}{})
		if err != nil {
			return err
		}
		if reaches {
			return apierrors.Validation("including role %s in %s would create a cycle", included.Name, r.Name)
		}
	}
	return s.store.UpdateRole(r)
}

// Includes reports the reflexive transitive inclusion relation.
func (s *Service) Includes(roleID, otherID uuid.UUID) (bool, error) {
	if roleID == otherID {
		return true, nil
	}
	r, err := s.store.RoleByID(roleID)
	if err != nil {
		return false, err
	}
	return s.reaches(r, otherID, map[uuid.UUID]struct{}{})
}

// reaches is the DFS behind inclusion and cycle checks. The visited set
// makes it terminate even on (invalid) cyclic data.
func (s *Service) reaches(from *Role, target uuid.UUID, visited map[uuid.UUID]struct{}) (bool, error) {
	if from.ID == target {
		return true, nil
	}
	visited[from.ID] = struct{}{}
	for _, id := range from.IncludedRoleIDs {
		if _, seen := visited[id]; seen {
			continue
		}
		next, err := s.store.RoleByID(id)
		if err != nil {
			return false, err
		}
		ok, err := s.reaches(next, target, visited)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// EffectiveScopes derives a user's scope set: direct scopes unioned with
// the scopes of every role reachable through inclusion.
func (s *Service) EffectiveScopes(u *User) ([]string, []string, error) {
	scopes := make(map[string]struct{})
	for _, sc := range u.DirectScopes {
		scopes[sc] = struct{}{}
	}
	var roleNames []string
	visited := make(map[uuid.UUID]struct{})
	var walk func(id uuid.UUID) error
	walk = func(id uuid.UUID) error {
		if _, seen := visited[id]; seen {
			return nil
		}
		visited[id] = struct{}{}
		r, err := s.store.RoleByID(id)
		if err != nil {
			return err
		}
		roleNames = append(roleNames, r.Name)
		for _, sc := range r.Scopes {
			scopes[sc] = struct{}{}
		}
		for _, inc := range r.IncludedRoleIDs {
			if err := walk(inc); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range u.RoleIDs {
		if err := walk(id); err != nil {
			return nil, nil, err
		}
	}

	out := make([]string, 0, len(scopes))
	for sc := range scopes {
		out = append(out, sc)
	}
	sort.Strings(out)
	sort.Strings(roleNames)
	return out, roleNames, nil
}

// ── Sessions ──────────────────────────────────────────────────────

// Login authenticates a username and password and issues a session token.
// Unknown users and bad passwords are indistinguishable to the caller.
func (s *Service) Login(username, password string) (*AuthToken, error) {
	u, err := s.store.UserByName(username)
	if err != nil {
		// Burn comparable time so missing users are not observable.
		CheckPassword("$2a$10$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva", password)
		return nil, apierrors.New(apierrors.KindInvalidCredentials, "invalid username or password")
	}
	if !CheckPassword(u.PasswordHash, password) {
		return nil, apierrors.New(apierrors.KindInvalidCredentials, "invalid username or password")
	}
	if !u.Enabled {
		return nil, apierrors.New(apierrors.KindUserDisabled, "user %s is disabled", username)
	}
	scopes, roleNames, err := s.EffectiveScopes(u)
	if err != nil {
		return nil, err
	}
	token, err := s.signer.SignSession(u.ID, u.Username, roleNames, scopes, s.expiry)
	if err != nil {
		return nil, err
	}
	s.logger.Info("login", "user_id", u.ID, "username", username)
	return token, nil
}

// VerifyToken checks signature and expiry and returns the session.
func (s *Service) VerifyToken(bearer string) (*AuthToken, error) {
	return s.signer.VerifySession(bearer)
}

// RefreshToken re-issues a session from a still-valid bearer, re-checking
// the user and re-deriving scopes so grants changed since login apply.
func (s *Service) RefreshToken(bearer string) (*AuthToken, error) {
	old, err := s.signer.VerifySession(bearer)
	if err != nil {
		return nil, err
	}
	u, err := s.store.UserByID(old.UserID)
	if err != nil {
		return nil, apierrors.New(apierrors.KindInvalidToken, "token user no longer exists")
	}
	if !u.Enabled {
		return nil, apierrors.New(apierrors.KindUserDisabled, "user %s is disabled", u.Username)
	}
	scopes, roleNames, err := s.EffectiveScopes(u)
	if err != nil {
		return nil, err
	}
	return s.signer.SignSession(u.ID, u.Username, roleNames, scopes, s.expiry)
}

// ── API tokens ────────────────────────────────────────────────────

// CreateApiToken mints a long-lived token for the user. The returned raw
// string is shown once; only the hash is persisted.
func (s *Service) CreateApiToken(userID uuid.UUID, name string, scopes []string, expiresAt *time.Time) (*ApiToken, string, error) {
	if _, err := s.store.UserByID(userID); err != nil {
		return nil, "", err
	}
	raw, err := GenerateApiToken()
	if err != nil {
		return nil, "", err
	}
	t := &ApiToken{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		TokenHash: HashApiToken(raw),
		Scopes:    scopes,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := s.store.CreateApiToken(t); err != nil {
		return nil, "", err
	}
	s.logger.Info("api token created", "token_id", t.ID, "user_id", userID, "name", name)
	return t, raw, nil
}

// VerifyApiToken resolves a raw token, enforces active state, and records
// usage.
func (s *Service) VerifyApiToken(raw, ip string) (*ApiToken, error) {
	t, err := s.store.ApiTokenByHash(HashApiToken(raw))
	if err != nil {
		return nil, apierrors.New(apierrors.KindInvalidToken, "unknown api token")
	}
	if !t.IsActive(time.Now()) {
		return nil, apierrors.New(apierrors.KindInvalidToken, "api token revoked or expired")
	}
	now := time.Now()
	t.LastUsedAt = &now
	t.LastUsedIP = ip
	if err := s.store.UpdateApiToken(t); err != nil {
		s.logger.Warn("api token usage not recorded", "token_id", t.ID, "error", err)
	}
	return t, nil
}

// RevokeApiToken marks the token revoked. Idempotent.
func (s *Service) RevokeApiToken(t *ApiToken) error {
	if t.RevokedAt != nil {
		return nil
	}
	now := time.Now()
	t.RevokedAt = &now
	return s.store.UpdateApiToken(t)
}

// ── Match tokens ──────────────────────────────────────────────────

// IssueMatchToken creates a signed player credential bound to a match and
// optionally a container. Empty scopes select the defaults.
func (s *Service) IssueMatchToken(matchID uint64, containerID *uint64, playerID uint64, playerName string, userID *uuid.UUID, scopes []string, expiry time.Duration) (*MatchToken, error) {
	if len(scopes) == 0 {
		scopes = DefaultMatchScopes()
	}
	if expiry <= 0 {
		expiry = s.expiry
	}
	now := time.Now()
	t := &MatchToken{
		ID:          uuid.New(),
		MatchID:     matchID,
		ContainerID: containerID,
		PlayerID:    playerID,
		UserID:      userID,
		PlayerName:  playerName,
		Scopes:      scopes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiry),
	}
	if err := s.signer.SignMatchToken(t); err != nil {
		return nil, err
	}
	if err := s.store.CreateMatchToken(t); err != nil {
		return nil, err
	}
	return t, nil
}

// VerifyMatchToken checks the bearer's signature, then the stored record
// for revocation.
func (s *Service) VerifyMatchToken(bearer string) (*MatchToken, error) {
	claimed, err := s.signer.VerifyMatchToken(bearer)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.MatchTokenByID(claimed.ID)
	if err != nil {
		return nil, apierrors.New(apierrors.KindInvalidToken, "unknown match token")
	}
	if !stored.IsActive(time.Now()) {
		return nil, apierrors.New(apierrors.KindInvalidToken, "match token revoked or expired")
	}
	return stored, nil
}

// RevokeMatchToken marks the token revoked.
func (s *Service) RevokeMatchToken(id uuid.UUID) error {
	t, err := s.store.MatchTokenByID(id)
	if err != nil {
		return err
	}
	if t.RevokedAt != nil {
		return nil
	}
	now := time.Now()
	t.RevokedAt = &now
	return s.store.UpdateMatchToken(t)
}
