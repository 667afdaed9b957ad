package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"petify-core/internal/kvstore"
	"petify-core/internal/observability"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 30 * time.Minute
)

// Service owns the credential lifecycle: registration policy, login with
// lockout, token refresh, and best-effort logout. All shared mutable state
// (attempt counters, refresh sessions, the blacklist) lives in the keyed
// store under TTLs; nothing is cached in-process.
type Service struct {
	identities IdentityStore
	store      kvstore.Store
	tokens     *TokenIssuer
	logger     *observability.Logger

	maxAttempts int
	lockWindow  time.Duration
}

func NewService(identities IdentityStore, store kvstore.Store, tokens *TokenIssuer, logger *observability.Logger) *Service {
	return &Service{
		identities:  identities,
		store:       store,
		tokens:      tokens,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		lockWindow:  defaultLockWindow,
	}
}

func (s *Service) WithLockoutPolicy(maxAttempts int, lockWindow time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockWindow > 0 {
		s.lockWindow = lockWindow
	}
}

// Register persists a new identity with a hashed secret and the default
// role. Uniqueness is checked on username and email together before the
// insert.
func (s *Service) Register(ctx context.Context, username, email, password, phone, realName string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))

	exists, err := s.identities.ExistsByUsernameOrEmail(ctx, username, email)
	if err != nil {
		return fmt.Errorf("register %s: %w", username, err)
	}
	if exists {
		return ErrDuplicateIdentity
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userID, err := s.identities.Create(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Phone:        strings.TrimSpace(phone),
		RealName:     strings.TrimSpace(realName),
		Status:       statusActive,
	}, DefaultRole)
	if err != nil {
		return fmt.Errorf("register %s: %w", username, err)
	}

	s.logger.Info("user_registered", map[string]any{"user_id": userID, "username": username})
	return nil
}

// Login verifies the secret, enforcing the per-identifier lockout, and on
// success issues a fresh access/refresh pair and overwrites the refresh
// session for (user, device).
func (s *Service) Login(ctx context.Context, identifier, password, deviceID, clientAddr string) (LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	locked, retryAfter, err := s.isLocked(ctx, identifier)
	if err != nil {
		return LoginResult{}, fmt.Errorf("check lockout: %w", err)
	}
	if locked {
		return LoginResult{}, AccountLockedError{RetryAfter: retryAfter}
	}

	user, found, err := s.identities.FindByIdentifier(ctx, identifier)
	if err != nil {
		return LoginResult{}, fmt.Errorf("lookup identity: %w", err)
	}
	if !found {
		return LoginResult{}, s.recordFailure(ctx, identifier)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, s.recordFailure(ctx, identifier)
	}

	if !user.Active() {
		return LoginResult{}, ErrAccountDisabled
	}

	if err := s.store.Delete(ctx, loginAttemptsKey(identifier)); err != nil {
		return LoginResult{}, fmt.Errorf("reset attempt counter: %w", err)
	}

	roles, err := s.identities.RolesByUserID(ctx, user.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("load roles: %w", err)
	}

	accessToken, err := s.tokens.IssueAccess(user.ID, user.Username, roles)
	if err != nil {
		return LoginResult{}, err
	}
	refreshToken, err := s.tokens.IssueRefresh(user.ID, deviceID, clientAddr)
	if err != nil {
		return LoginResult{}, err
	}

	// One active refresh session per device: overwrite, never append.
	if err := s.store.SetWithTTL(ctx, refreshSessionKey(user.ID, deviceID), refreshToken, s.tokens.RefreshTTL()); err != nil {
		return LoginResult{}, fmt.Errorf("store refresh session: %w", err)
	}

	s.logger.Info("user_login", map[string]any{
		"user_id":   user.ID,
		"username":  user.Username,
		"device_id": deviceID,
	})

	return LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User: Profile{
			ID:        user.ID,
			Username:  user.Username,
			Email:     user.Email,
			RealName:  user.RealName,
			AvatarURL: user.AvatarURL,
			Roles:     roles,
		},
	}, nil
}

// Refresh validates a refresh token and issues a new access token. Status
// and roles are re-read from the identity store, never trusted from the
// token's claims. The refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken, deviceID, clientAddr string) (string, error) {
	claims, err := s.tokens.Parse(refreshToken)
	if err != nil {
		return "", err
	}
	if claims.Type != TokenTypeRefresh {
		return "", ErrTokenTypeMismatch
	}

	revoked, err := s.store.Exists(ctx, blacklistKey(claims.JTI))
	if err != nil {
		return "", fmt.Errorf("check blacklist: %w", err)
	}
	if revoked {
		return "", ErrTokenRevoked
	}

	if deviceID != "" && claims.DeviceID != deviceID {
		s.logger.Warn("refresh_device_mismatch", map[string]any{
			"user_id":      claims.UserID,
			"token_device": claims.DeviceID,
			"seen_device":  deviceID,
			"client_addr":  clientAddr,
		})
	}

	user, found, err := s.identities.FindByID(ctx, claims.UserID)
	if err != nil {
		return "", fmt.Errorf("lookup identity: %w", err)
	}
	if !found || !user.Active() {
		return "", ErrAccountDisabled
	}

	roles, err := s.identities.RolesByUserID(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("load roles: %w", err)
	}

	return s.tokens.IssueAccess(user.ID, user.Username, roles)
}

// Logout revokes whichever tokens are presented. It is best-effort: every
// failure is logged and swallowed so the caller-visible flow always
// succeeds.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) {
	now := time.Now().UTC()

	if accessToken != "" {
		if claims, err := s.tokens.Parse(accessToken); err == nil {
			s.blacklist(ctx, claims, now)
		} else {
			s.logger.Warn("logout_access_parse_failed", map[string]any{"error": err.Error()})
		}
	}

	if refreshToken == "" {
		return
	}
	claims, err := s.tokens.Parse(refreshToken)
	if err != nil {
		s.logger.Warn("logout_refresh_parse_failed", map[string]any{"error": err.Error()})
		return
	}

	s.blacklist(ctx, claims, now)

	if err := s.store.DeleteByPrefix(ctx, refreshSessionPrefix(claims.UserID)); err != nil {
		s.logger.Error("logout_session_delete_failed", map[string]any{
			"user_id": claims.UserID,
			"error":   err.Error(),
		})
	}
}

// CheckAccess verifies a bearer access token for request authentication:
// signature, type claim, and blacklist membership.
func (s *Service) CheckAccess(ctx context.Context, accessToken string) (Claims, error) {
	claims, err := s.tokens.Parse(accessToken)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != TokenTypeAccess {
		return Claims{}, ErrTokenTypeMismatch
	}

	revoked, err := s.store.Exists(ctx, blacklistKey(claims.JTI))
	if err != nil {
		return Claims{}, fmt.Errorf("check blacklist: %w", err)
	}
	if revoked {
		return Claims{}, ErrTokenRevoked
	}

	return claims, nil
}

// isLocked reports whether the identifier is locked out and, when it is, the
// counter's remaining window as the retry hint.
func (s *Service) isLocked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	key := loginAttemptsKey(identifier)

	raw, found, err := s.store.Get(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if !found {
		return false, 0, nil
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || count < int64(s.maxAttempts) {
		return false, 0, nil
	}

	remaining, found, err := s.store.TTL(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if !found || remaining <= 0 {
		// The counter expired between the read and the TTL lookup.
		return false, 0, nil
	}

	return true, remaining, nil
}

// recordFailure atomically bumps the attempt counter; the window TTL is
// anchored at the first failure. Always returns ErrInvalidCredentials unless
// the counter itself cannot be updated.
func (s *Service) recordFailure(ctx context.Context, identifier string) error {
	count, err := s.store.Increment(ctx, loginAttemptsKey(identifier), s.lockWindow)
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}

	if count >= int64(s.maxAttempts) {
		s.logger.Warn("login_locked", map[string]any{
			"identifier": identifier,
			"attempts":   count,
		})
	}

	return ErrInvalidCredentials
}

func (s *Service) blacklist(ctx context.Context, claims Claims, now time.Time) {
	remaining := claims.Remaining(now)
	if remaining <= 0 {
		// Already expired; signature verification will reject it anyway.
		return
	}

	if err := s.store.SetWithTTL(ctx, blacklistKey(claims.JTI), "1", remaining); err != nil {
		s.logger.Error("blacklist_write_failed", map[string]any{
			"jti":   claims.JTI,
			"error": err.Error(),
		})
	}
}

func loginAttemptsKey(identifier string) string {
	return "login_attempts:" + identifier
}

func refreshSessionKey(userID int64, deviceID string) string {
	return refreshSessionPrefix(userID) + deviceID
}

func refreshSessionPrefix(userID int64) string {
	return "refresh_token:" + strconv.FormatInt(userID, 10) + ":"
}

func blacklistKey(jti string) string {
	return "blacklist:" + jti
}
