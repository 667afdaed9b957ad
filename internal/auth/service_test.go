package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"petify-core/internal/kvstore"
	"petify-core/internal/observability"
)

type fakeIdentities struct {
	mu     sync.Mutex
	users  map[int64]User
	roles  map[int64][]string
	nextID int64
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{
		users: make(map[int64]User),
		roles: make(map[int64][]string),
	}
}

func (f *fakeIdentities) FindByIdentifier(ctx context.Context, identifier string) (User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == identifier || user.Email == identifier {
			return user, true, nil
		}
	}
	return User{}, false, nil
}

func (f *fakeIdentities) FindByID(ctx context.Context, id int64) (User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	return user, ok, nil
}

func (f *fakeIdentities) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == username || user.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIdentities) Create(ctx context.Context, user User, role string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	user.ID = f.nextID
	f.users[user.ID] = user
	f.roles[user.ID] = []string{role}
	return user.ID, nil
}

func (f *fakeIdentities) RolesByUserID(ctx context.Context, id int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roles[id]...), nil
}

func (f *fakeIdentities) setRoles(id int64, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[id] = roles
}

func (f *fakeIdentities) setStatus(id int64, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[id]
	user.Status = status
	f.users[id] = user
}

type serviceClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *serviceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *serviceClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceFixture struct {
	service    *Service
	identities *fakeIdentities
	store      *kvstore.MemoryStore
	issuer     *TokenIssuer
	clock      *serviceClock
	userID     int64
}

const testPassword = "correct-horse-battery"

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	clock := &serviceClock{now: time.Now()}
	store := kvstore.NewMemoryStore(kvstore.WithClock(clock.Now))
	identities := newFakeIdentities()
	issuer := NewTokenIssuer("test-secret")
	service := NewService(identities, store, issuer, observability.NewLogger())

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash fixture password: %v", err)
	}
	userID, err := identities.Create(context.Background(), User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: string(hash),
		Status:       statusActive,
	}, DefaultRole)
	if err != nil {
		t.Fatalf("create fixture user: %v", err)
	}

	return &serviceFixture{
		service:    service,
		identities: identities,
		store:      store,
		issuer:     issuer,
		clock:      clock,
		userID:     userID,
	}
}

func TestService_LoginSuccess(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	result, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "203.0.113.9")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if result.User.Username != "alice" || result.User.Email != "alice@example.com" {
		t.Fatalf("profile = %+v", result.User)
	}
	if len(result.User.Roles) != 1 || result.User.Roles[0] != DefaultRole {
		t.Fatalf("roles = %v, want [USER]", result.User.Roles)
	}

	access, err := fx.issuer.Parse(result.AccessToken)
	if err != nil || access.Type != TokenTypeAccess {
		t.Fatalf("access token: type=%q err=%v", access.Type, err)
	}
	refresh, err := fx.issuer.Parse(result.RefreshToken)
	if err != nil || refresh.Type != TokenTypeRefresh {
		t.Fatalf("refresh token: type=%q err=%v", refresh.Type, err)
	}
	if refresh.DeviceID != "device-1" || refresh.IPAddress != "203.0.113.9" {
		t.Fatalf("refresh claims = %+v", refresh)
	}

	stored, found, _ := fx.store.Get(ctx, refreshSessionKey(fx.userID, "device-1"))
	if !found || stored != result.RefreshToken {
		t.Fatal("refresh session entry must hold the issued token")
	}
}

func TestService_LoginByEmail(t *testing.T) {
	fx := newServiceFixture(t)

	if _, err := fx.service.Login(context.Background(), "alice@example.com", testPassword, "device-1", ""); err != nil {
		t.Fatalf("login by email: %v", err)
	}
}

func TestService_ReloginOverwritesDeviceSession(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	first, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	stored, found, _ := fx.store.Get(ctx, refreshSessionKey(fx.userID, "device-1"))
	if !found || stored != second.RefreshToken {
		t.Fatal("session entry must be overwritten, not appended")
	}
	if stored == first.RefreshToken {
		t.Fatal("old refresh token should no longer be the active session")
	}
}

func TestService_LockoutAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	for i := 0; i < 5; i++ {
		_, err := fx.service.Login(ctx, "alice", "wrong-password", "device-1", "")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: err = %v, want ErrInvalidCredentials", i, err)
		}
	}

	// Correct credentials no longer matter once locked.
	_, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	var locked AccountLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want AccountLockedError", err)
	}
	if locked.RetryAfter <= 0 {
		t.Fatal("lockout must carry a retry hint")
	}

	// Window elapses, counter expires, login succeeds again.
	fx.clock.Advance(31 * time.Minute)
	if _, err := fx.service.Login(ctx, "alice", testPassword, "device-1", ""); err != nil {
		t.Fatalf("login after window: %v", err)
	}
}

func TestService_LockoutRetryHintTracksWindow(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	for i := 0; i < 5; i++ {
		_, _ = fx.service.Login(ctx, "alice", "wrong-password", "device-1", "")
	}

	// 29 minutes into the 30-minute window the hint is the last minute,
	// not the full window over again.
	fx.clock.Advance(29 * time.Minute)

	_, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	var locked AccountLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want AccountLockedError", err)
	}
	if locked.RetryAfter != time.Minute {
		t.Fatalf("retry hint = %s, want 1m0s", locked.RetryAfter)
	}
}

func TestService_UnknownIdentifierCountsTowardLockout(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	for i := 0; i < 5; i++ {
		_, err := fx.service.Login(ctx, "nobody", "whatever", "device-1", "")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	_, err := fx.service.Login(ctx, "nobody", "whatever", "device-1", "")
	var locked AccountLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want AccountLockedError", err)
	}
}

func TestService_SuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	for i := 0; i < 4; i++ {
		_, _ = fx.service.Login(ctx, "alice", "wrong-password", "device-1", "")
	}
	if _, err := fx.service.Login(ctx, "alice", testPassword, "device-1", ""); err != nil {
		t.Fatalf("login at 4 failures: %v", err)
	}

	// The counter restarted, so four more failures still do not lock.
	for i := 0; i < 4; i++ {
		_, _ = fx.service.Login(ctx, "alice", "wrong-password", "device-1", "")
	}
	if _, err := fx.service.Login(ctx, "alice", testPassword, "device-1", ""); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestService_DisabledAccount(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)
	fx.identities.setStatus(fx.userID, statusDisabled)

	_, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("err = %v, want ErrAccountDisabled", err)
	}
}

func TestService_RefreshIssuesAccessWithCurrentRoles(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	result, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Role changes after login must show up in refreshed access tokens.
	fx.identities.setRoles(fx.userID, "USER", "ADMIN")

	accessToken, err := fx.service.Refresh(ctx, result.RefreshToken, "device-1", "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	claims, err := fx.issuer.Parse(accessToken)
	if err != nil {
		t.Fatalf("parse refreshed access: %v", err)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles = %v, want current roles from the identity store", claims.Roles)
	}
}

func TestService_RefreshRejectsAccessToken(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	result, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	_, err = fx.service.Refresh(ctx, result.AccessToken, "device-1", "")
	if !errors.Is(err, ErrTokenTypeMismatch) {
		t.Fatalf("err = %v, want ErrTokenTypeMismatch", err)
	}
}

func TestService_RefreshRejectsExpiredToken(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	fx.issuer.now = func() time.Time { return time.Now().Add(-defaultRefreshTTL - time.Hour) }
	expired, err := fx.issuer.IssueRefresh(fx.userID, "device-1", "")
	if err != nil {
		t.Fatalf("issue expired refresh: %v", err)
	}
	fx.issuer.now = time.Now

	_, err = fx.service.Refresh(ctx, expired, "device-1", "")
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestService_RefreshRejectsDisabledAccount(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	result, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	fx.identities.setStatus(fx.userID, statusDisabled)

	_, err = fx.service.Refresh(ctx, result.RefreshToken, "device-1", "")
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("err = %v, want ErrAccountDisabled", err)
	}
}

func TestService_LogoutRevokesTokens(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	result, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	fx.service.Logout(ctx, result.AccessToken, result.RefreshToken)

	if _, err := fx.service.Refresh(ctx, result.RefreshToken, "device-1", ""); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh after logout: err = %v, want ErrTokenRevoked", err)
	}
	if _, err := fx.service.CheckAccess(ctx, result.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("access after logout: err = %v, want ErrTokenRevoked", err)
	}

	if exists, _ := fx.store.Exists(ctx, refreshSessionKey(fx.userID, "device-1")); exists {
		t.Fatal("logout must delete the refresh session entry")
	}
}

func TestService_LogoutSwallowsGarbageTokens(t *testing.T) {
	fx := newServiceFixture(t)

	// Must not panic or fail the flow.
	fx.service.Logout(context.Background(), "garbage", "also-garbage")
}

func TestService_RegisterPolicy(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	err := fx.service.Register(ctx, "bob", "bob@example.com", "another-password", "", "Bob B")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	user, found, _ := fx.identities.FindByIdentifier(ctx, "bob")
	if !found {
		t.Fatal("registered identity not found")
	}
	if !user.Active() {
		t.Fatal("new identities must start active")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("another-password")); err != nil {
		t.Fatal("stored secret must be the bcrypt hash of the password")
	}
	roles, _ := fx.identities.RolesByUserID(ctx, user.ID)
	if len(roles) != 1 || roles[0] != DefaultRole {
		t.Fatalf("roles = %v, want default role", roles)
	}

	if err := fx.service.Register(ctx, "bob", "other@example.com", "another-password", "", ""); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("duplicate username: err = %v, want ErrDuplicateIdentity", err)
	}
	if err := fx.service.Register(ctx, "carol", "bob@example.com", "another-password", "", ""); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("duplicate email: err = %v, want ErrDuplicateIdentity", err)
	}
}

func TestService_CheckAccessRejectsRefreshToken(t *testing.T) {
	ctx := context.Background()
	fx := newServiceFixture(t)

	result, err := fx.service.Login(ctx, "alice", testPassword, "device-1", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := fx.service.CheckAccess(ctx, result.RefreshToken); !errors.Is(err, ErrTokenTypeMismatch) {
		t.Fatalf("err = %v, want ErrTokenTypeMismatch", err)
	}
}
