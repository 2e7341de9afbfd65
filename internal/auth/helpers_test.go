package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/kanzleiportal/authcore/internal/store"
	"github.com/kanzleiportal/authcore/internal/testutil"
	"github.com/stretchr/testify/require"
)

// testArgon2Params keeps hashing cheap in tests while staying inside Verify's bounds.
var testArgon2Params = Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1, SaltLen: 16, KeyLen: 32}

var testTokenConfig = TokenConfig{
	Method:     MethodHS256,
	Secret:     []byte("test-secret-0123456789-abcdefghijklmnop"),
	Issuer:     "https://auth.kanzlei.test",
	Audience:   "kanzlei-portal",
	AccessTTL:  15 * time.Minute,
	RefreshTTL: 7 * 24 * time.Hour,
}

const testPassword = "Steuer-Akte-2024!"

func testHasher(t *testing.T) *PasswordHasher {
	t.Helper()
	h, err := NewPasswordHasher(testArgon2Params)
	require.NoError(t, err)
	return h
}

func testTokenService(t *testing.T, now func() time.Time) *TokenService {
	t.Helper()
	s, err := NewTokenService(testTokenConfig)
	require.NoError(t, err)
	s.Now = now
	return s
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// testClock is a settable clock shared by every service under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// authFixture is an Authenticator over in-memory stores with a controllable clock.
type authFixture struct {
	auth   *Authenticator
	store  *testutil.MockStore
	cache  *testutil.MockCache
	mailer *testutil.MockMailer
	clock  *testClock
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	ms := testutil.NewMockStore()
	mc := testutil.NewMockCache()
	mm := &testutil.MockMailer{}

	totpSvc := NewTOTPService("Kanzleiportal")
	totpSvc.Now = clock.Now

	a := &Authenticator{
		Store:   ms,
		Cache:   mc,
		Hasher:  testHasher(t),
		Policy:  DefaultPasswordPolicy,
		TOTP:    totpSvc,
		Tokens:  testTokenService(t, clock.Now),
		Mailer:  mm,
		Timeout: time.Second,
		RefreshTokens: &RefreshLifecycle{
			Store:   ms,
			TTL:     testTokenConfig.RefreshTTL,
			Timeout: time.Second,
			Now:     clock.Now,
		},
		ProfileTTL: 15 * time.Minute,
		Now:        clock.Now,
	}
	return &authFixture{auth: a, store: ms, cache: mc, mailer: mm, clock: clock}
}

// register creates a password account through the service and returns its ID.
func (f *authFixture) register(t *testing.T, email string) uuid.UUID {
	t.Helper()
	id, err := f.auth.Register(context.Background(), RegisterInput{
		Email:     email,
		Password:  testPassword,
		FirstName: "Erika",
		LastName:  "Mustermann",
	})
	require.NoError(t, err)
	return id
}

func (f *authFixture) login(t *testing.T, email string) *TokenPair {
	t.Helper()
	pair, err := f.auth.Login(context.Background(), LoginInput{Email: email, Password: testPassword})
	require.NoError(t, err)
	return pair
}

// enableMFA enrolls and confirms TOTP for userID, returning the secret and backup codes.
func (f *authFixture) enableMFA(t *testing.T, userID uuid.UUID) *MFAEnrollment {
	t.Helper()
	ctx := context.Background()
	enr, err := f.auth.EnrollMFA(ctx, userID)
	require.NoError(t, err)
	code, err := f.auth.TOTP.CurrentCode(enr.Secret)
	require.NoError(t, err)
	require.NoError(t, f.auth.ConfirmMFA(ctx, userID, code, ClientMeta{}))
	return enr
}

// liveTokens counts unrevoked refresh tokens of userID.
func (f *authFixture) liveTokens(userID uuid.UUID) int {
	return len(f.store.LiveTokens(userID))
}

func mustHash(t *testing.T, raw string) []byte {
	t.Helper()
	h, err := HashRefreshToken(raw)
	require.NoError(t, err)
	return h
}

func mustUser(t *testing.T, ms *testutil.MockStore, email string) *store.User {
	t.Helper()
	u, err := ms.GetUserByEmail(context.Background(), strings.ToLower(email))
	require.NoError(t, err)
	return u
}
