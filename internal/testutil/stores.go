// stores.go
//
// Shared mock implementations of auth.Store, auth.RefreshStore, auth.ProfileCache,
// auth.RateCounter and mail.Mailer.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/kanzleiportal/authcore/internal/mail"
	"github.com/kanzleiportal/authcore/internal/store"
)

// MockStore implements auth.Store and auth.RefreshStore for tests.
//
// Always stateful...users, history, refresh tokens and MFA enrollments are maps, like a
// real store. Refresh rotation follows the same state machine as the Postgres store and
// is atomic under the mutex.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	CreateUserErr         error
	GetUserByEmailErr     error
	GetUserByIDErr        error
	UpdateUserPasswordErr error
	GetMFASecretErr       error
	CreateRefreshTokenErr error
	GetRefreshTokenErr    error
	RotateRefreshTokenErr error
	RevokeErr             error
	HealthErr             error

	Users         map[uuid.UUID]*store.User
	History       map[uuid.UUID][]store.PasswordHistoryEntry // newest first
	RefreshTokens map[uuid.UUID]*store.RefreshToken
	MFA           map[uuid.UUID]*store.MFASecret

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:         make(map[uuid.UUID]*store.User),
		History:       make(map[uuid.UUID][]store.PasswordHistoryEntry),
		RefreshTokens: make(map[uuid.UUID]*store.RefreshToken),
		MFA:           make(map[uuid.UUID]*store.MFASecret),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

func cloneUser(u *store.User) *store.User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	return &c
}

func cloneToken(t *store.RefreshToken) *store.RefreshToken {
	c := *t
	c.TokenHash = bytes.Clone(t.TokenHash)
	return &c
}

// --- Users ---

func (m *MockStore) CreateUser(_ context.Context, u *store.User) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Users {
		if existing.Email == u.Email {
			return store.ErrDuplicateEmail
		}
	}
	c := cloneUser(u)
	if len(c.Roles) == 0 {
		c.Roles = []string{"client"}
	}
	m.Users[u.ID] = c
	if u.PasswordHash != nil {
		created := time.Now()
		if u.PasswordChangedAt != nil {
			created = *u.PasswordChangedAt
		}
		m.History[u.ID] = []store.PasswordHistoryEntry{{UserID: u.ID, PasswordHash: *u.PasswordHash, CreatedAt: created}}
	}
	return nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserByEmailErr != nil {
		return nil, m.GetUserByEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserByIDErr != nil {
		return nil, m.GetUserByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MockStore) GetUserByOAuthProvider(_ context.Context, provider, providerID string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.OAuthProvider != nil && *u.OAuthProvider == provider &&
			u.OAuthProviderID != nil && *u.OAuthProviderID == providerID {
			return cloneUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) LinkOAuthToUser(_ context.Context, userID uuid.UUID, provider, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok || u.OAuthProvider != nil {
		return store.ErrNotFound
	}
	u.OAuthProvider, u.OAuthProviderID = &provider, &providerID
	return nil
}

func (m *MockStore) UpdateUserPassword(_ context.Context, userID uuid.UUID, passwordHash string, changedAt time.Time, keep int) error {
	if m.UpdateUserPasswordErr != nil {
		return m.UpdateUserPasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = &passwordHash
	u.PasswordChangedAt = &changedAt
	h := append([]store.PasswordHistoryEntry{{UserID: userID, PasswordHash: passwordHash, CreatedAt: changedAt}}, m.History[userID]...)
	if keep > 0 && len(h) > keep {
		h = h[:keep]
	}
	m.History[userID] = h
	return nil
}

func (m *MockStore) GetPasswordHistory(_ context.Context, userID uuid.UUID, limit int) ([]store.PasswordHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.History[userID]
	if limit >= 0 && len(h) > limit {
		h = h[:limit]
	}
	return slices.Clone(h), nil
}

// SetPasswordChangedAt backdates a user's last password change.
func (m *MockStore) SetPasswordChangedAt(userID uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[userID]; ok {
		u.PasswordChangedAt = &at
	}
}

// --- MFA ---

func (m *MockStore) UpsertMFASecret(_ context.Context, s *store.MFASecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	c.Enabled = false
	c.EnabledAt = nil
	c.BackupCodeHashes = slices.Clone(s.BackupCodeHashes)
	c.CreatedAt = time.Now()
	m.MFA[s.UserID] = &c
	return nil
}

func (m *MockStore) GetMFASecret(_ context.Context, userID uuid.UUID) (*store.MFASecret, error) {
	if m.GetMFASecretErr != nil {
		return nil, m.GetMFASecretErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.MFA[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s
	c.BackupCodeHashes = slices.Clone(s.BackupCodeHashes)
	return &c, nil
}

func (m *MockStore) EnableMFA(_ context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.MFA[userID]
	if !ok || s.Enabled {
		return store.ErrNotFound
	}
	s.Enabled = true
	s.EnabledAt = &at
	return nil
}

func (m *MockStore) DisableMFA(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.MFA, userID)
	return nil
}

func (m *MockStore) ConsumeBackupCode(_ context.Context, userID uuid.UUID, codeHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.MFA[userID]
	if !ok || !s.Enabled {
		return store.ErrBackupCodeUsed
	}
	i := slices.Index(s.BackupCodeHashes, codeHash)
	if i < 0 {
		return store.ErrBackupCodeUsed
	}
	s.BackupCodeHashes = slices.Delete(s.BackupCodeHashes, i, i+1)
	return nil
}

func (m *MockStore) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// --- Refresh tokens ---

func (m *MockStore) CreateRefreshToken(_ context.Context, t *store.RefreshToken) error {
	if m.CreateRefreshTokenErr != nil {
		return m.CreateRefreshTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshTokens[t.ID] = cloneToken(t)
	return nil
}

// findByHash must be called with mu held.
func (m *MockStore) findByHash(hash []byte) *store.RefreshToken {
	for _, t := range m.RefreshTokens {
		if bytes.Equal(t.TokenHash, hash) {
			return t
		}
	}
	return nil
}

// TokenByHash returns a copy of the stored token with hash, or nil.
func (m *MockStore) TokenByHash(hash []byte) *store.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.findByHash(hash); t != nil {
		return cloneToken(t)
	}
	return nil
}

// LiveTokens returns copies of every unrevoked token of userID, oldest first.
func (m *MockStore) LiveTokens(userID uuid.UUID) []*store.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.RefreshToken
	for _, t := range m.RefreshTokens {
		if t.UserID == userID && t.RevokedAt == nil {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (m *MockStore) GetRefreshTokenByHash(_ context.Context, tokenHash []byte) (*store.RefreshToken, error) {
	if m.GetRefreshTokenErr != nil {
		return nil, m.GetRefreshTokenErr
	}
	if t := m.TokenByHash(tokenHash); t != nil {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) RotateRefreshToken(_ context.Context, presentedHash []byte, next *store.RefreshToken, now time.Time) (*store.RefreshToken, error) {
	if m.RotateRefreshTokenErr != nil {
		return nil, m.RotateRefreshTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.findByHash(presentedHash)
	if cur == nil {
		return nil, store.ErrNotFound
	}
	before := cloneToken(cur)

	switch cur.State(now) {
	case store.TokenRotated, store.TokenRevoked:
		m.revokeChain(cur.ID, now)
		return before, store.ErrRefreshTokenReused
	case store.TokenExpired:
		return before, store.ErrRefreshTokenExpired
	}

	next.UserID = cur.UserID
	next.FamilyID = cur.FamilyID
	reason := store.ReasonRotated
	nextID := next.ID
	cur.RevokedAt = &now
	cur.ReplacedByID = &nextID
	cur.ReasonRevoked = &reason
	m.RefreshTokens[next.ID] = cloneToken(next)
	return before, nil
}

// revokeChain must be called with mu held.
func (m *MockStore) revokeChain(startID uuid.UUID, now time.Time) {
	reason := store.ReasonReuseDetected
	for id := &startID; id != nil; {
		t, ok := m.RefreshTokens[*id]
		if !ok {
			return
		}
		if t.RevokedAt == nil {
			at := now
			t.RevokedAt = &at
			t.ReasonRevoked = &reason
		}
		id = t.ReplacedByID
	}
}

func (m *MockStore) RevokeRefreshToken(_ context.Context, userID uuid.UUID, tokenHash []byte, reason string, now time.Time) error {
	if m.RevokeErr != nil {
		return m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findByHash(tokenHash)
	if t == nil || t.UserID != userID || t.RevokedAt != nil {
		return nil
	}
	t.RevokedAt = &now
	t.ReasonRevoked = &reason
	return nil
}

func (m *MockStore) RevokeAllUserRefreshTokens(_ context.Context, userID uuid.UUID, reason string, now time.Time) (int64, error) {
	if m.RevokeErr != nil {
		return 0, m.RevokeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.RefreshTokens {
		if t.UserID == userID && t.RevokedAt == nil {
			at, r := now, reason
			t.RevokedAt = &at
			t.ReasonRevoked = &r
			n++
		}
	}
	return n, nil
}

func (m *MockStore) RevokeExpiredRefreshTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.RefreshTokens {
		if t.RevokedAt == nil && !now.Before(t.ExpiresAt) {
			at, r := now, store.ReasonExpired
			t.RevokedAt = &at
			t.ReasonRevoked = &r
			n++
		}
	}
	return n, nil
}

// MockCache implements auth.ProfileCache for tests.
type MockCache struct {
	GetErr    error
	SetErr    error
	HealthErr error

	Profiles map[uuid.UUID]store.CachedProfile
	Sets     int

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache.
func NewMockCache() *MockCache {
	return &MockCache{Profiles: make(map[uuid.UUID]store.CachedProfile)}
}

func (c *MockCache) GetProfile(_ context.Context, userID uuid.UUID) (*store.CachedProfile, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.Profiles[userID]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	p.Roles = slices.Clone(p.Roles)
	return &p, nil
}

func (c *MockCache) SetProfile(_ context.Context, p *store.CachedProfile, _ time.Duration) error {
	if c.SetErr != nil {
		return c.SetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	cp.Roles = slices.Clone(p.Roles)
	c.Profiles[p.UserID] = cp
	c.Sets++
	return nil
}

func (c *MockCache) DeleteProfile(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Profiles, userID)
	return nil
}

func (c *MockCache) CheckHealth(_ context.Context) error {
	return c.HealthErr
}

// Has reports whether a profile is cached for userID.
func (c *MockCache) Has(userID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Profiles[userID]
	return ok
}

// MockCounter implements auth.RateCounter with in-memory fixed windows.
// Now drives window expiry; nil means time.Now. Err, when set, fails every call.
type MockCounter struct {
	Err error
	Now func() time.Time

	windows map[string]*mockWindow
	mu      sync.Mutex
}

type mockWindow struct {
	count     int
	expiresAt time.Time
}

func (c *MockCounter) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *MockCounter) Allow(_ context.Context, key string, policy store.RateLimit) (time.Duration, error) {
	if c.Err != nil {
		return 0, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windows == nil {
		c.windows = make(map[string]*mockWindow)
	}
	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &mockWindow{expiresAt: now.Add(policy.Window)}
		c.windows[key] = w
	}
	remaining := w.expiresAt.Sub(now)
	if w.count >= policy.MaxAttempts {
		return remaining, store.ErrRateLimitExceeded
	}
	w.count++
	return remaining, nil
}

// Count returns the admitted attempts in key's current window.
func (c *MockCounter) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[key]; ok {
		return w.count
	}
	return 0
}

// SentNotice is one recorded MockMailer call.
type SentNotice struct {
	ToEmail string
	Notice  mail.Notice
	Vars    map[string]string
}

// MockMailer implements mail.Mailer and records every notice.
type MockMailer struct {
	Err  error
	Sent []SentNotice

	mu sync.Mutex
}

func (m *MockMailer) SendSecurityNotice(_ context.Context, toEmail string, notice mail.Notice, vars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentNotice{ToEmail: toEmail, Notice: notice, Vars: vars})
	return m.Err
}

// Notices returns the notice kinds sent so far, in order.
func (m *MockMailer) Notices() []mail.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mail.Notice, len(m.Sent))
	for i, s := range m.Sent {
		out[i] = s.Notice
	}
	return out
}
