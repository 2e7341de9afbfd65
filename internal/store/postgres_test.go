package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Users ---

func TestCreateUser(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("round trips and decrypts pii", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "$argon2id$stub-1")

		got, err := testStore.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Email, got.Email)
		require.NotNil(t, got.FirstName)
		assert.Equal(t, "Erika", *got.FirstName)
		require.NotNil(t, got.TaxID)
		assert.Equal(t, "12345678901", *got.TaxID)
		assert.Nil(t, got.Phone)
		assert.Equal(t, []string{"client"}, got.Roles)

		byEmail, err := testStore.GetUserByEmail(ctx, u.Email)
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)
	})

	t.Run("pii is ciphertext at rest", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "$argon2id$stub-2")

		var taxEnc string
		require.NoError(t, testStore.pool.QueryRow(ctx,
			"SELECT tax_id_enc FROM users WHERE id = $1", u.ID).Scan(&taxEnc))
		assert.NotContains(t, taxEnc, "12345678901")

		plain, err := testCipher.Decrypt(taxEnc)
		require.NoError(t, err)
		assert.Equal(t, "12345678901", plain)
	})

	t.Run("email is sealed and found by lookup hash", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "$argon2id$stub-7")

		var emailEnc string
		var lookup []byte
		require.NoError(t, testStore.pool.QueryRow(ctx,
			"SELECT email_enc, email_lookup FROM users WHERE id = $1", u.ID).Scan(&emailEnc, &lookup))
		assert.NotContains(t, emailEnc, u.Email)
		assert.Equal(t, testCipher.LookupHash(u.Email), lookup)

		plain, err := testCipher.Decrypt(emailEnc)
		require.NoError(t, err)
		assert.Equal(t, u.Email, plain)
	})

	t.Run("tampered pii fails the read", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "$argon2id$stub-3")

		_, err := testStore.pool.Exec(ctx,
			"UPDATE users SET last_name_enc = $2 WHERE id = $1", u.ID, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		require.NoError(t, err)

		_, err = testStore.GetUserByID(ctx, u.ID)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})

	t.Run("duplicate email", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "$argon2id$stub-4")
		hash := "$argon2id$stub-5"
		dup := &User{ID: uuid.Must(uuid.NewV7()), Email: u.Email, PasswordHash: &hash}

		err := testStore.CreateUser(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	})

	t.Run("first history entry is written", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "$argon2id$stub-6")

		hist, err := testStore.GetPasswordHistory(ctx, u.ID, 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "$argon2id$stub-6", hist[0].PasswordHash)
		assert.True(t, u.PasswordChangedAt.Equal(hist[0].CreatedAt))
	})

	t.Run("first history entry uses the caller's timestamp", func(t *testing.T) {
		hash := "$argon2id$stub-8"
		changedAt := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Microsecond)
		u := &User{
			ID:                uuid.Must(uuid.NewV7()),
			Email:             fmt.Sprintf("backdated-%d@kanzlei.test", changedAt.UnixNano()),
			PasswordHash:      &hash,
			PasswordChangedAt: &changedAt,
		}
		require.NoError(t, testStore.CreateUser(ctx, u))
		t.Cleanup(func() {
			testStore.pool.Exec(context.Background(), "DELETE FROM users WHERE id = $1", u.ID)
		})

		hist, err := testStore.GetPasswordHistory(ctx, u.ID, 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.True(t, changedAt.Equal(hist[0].CreatedAt), "history %v, changed %v", hist[0].CreatedAt, changedAt)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := testStore.GetUserByID(ctx, uuid.Must(uuid.NewV7()))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = testStore.GetUserByEmail(ctx, "nobody@kanzlei.test")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOAuthLinking(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "$argon2id$stub-oauth")
	subject := "sub-" + u.ID.String()

	_, err := testStore.GetUserByOAuthProvider(ctx, "google", subject)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, testStore.LinkOAuthToUser(ctx, u.ID, "google", subject))

	got, err := testStore.GetUserByOAuthProvider(ctx, "google", subject)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	// Already linked accounts are never relinked.
	err = testStore.LinkOAuthToUser(ctx, u.ID, "datev", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Password history ---

func TestUpdateUserPassword(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "hash-0")

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 1; i <= 7; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, testStore.UpdateUserPassword(ctx, u.ID, fmt.Sprintf("hash-%d", i), at, 5))
	}

	got, err := testStore.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PasswordHash)
	assert.Equal(t, "hash-7", *got.PasswordHash)
	require.NotNil(t, got.PasswordChangedAt)
	assert.True(t, got.PasswordChangedAt.Equal(base.Add(7*time.Minute)))

	hist, err := testStore.GetPasswordHistory(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 5, "history is trimmed to keep")
	for i, e := range hist {
		assert.Equal(t, fmt.Sprintf("hash-%d", 7-i), e.PasswordHash, "newest first")
	}

	t.Run("limit caps the read", func(t *testing.T) {
		hist, err := testStore.GetPasswordHistory(ctx, u.ID, 2)
		require.NoError(t, err)
		assert.Len(t, hist, 2)
	})

	t.Run("missing user", func(t *testing.T) {
		err := testStore.UpdateUserPassword(ctx, uuid.Must(uuid.NewV7()), "x", base, 5)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// --- Refresh tokens ---

func TestRotateRefreshToken(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "hash-rt")
	now := time.Now().UTC().Truncate(time.Microsecond)
	family := uuid.Must(uuid.NewV7())

	head := newRefreshToken(t, u.ID, family, now, time.Hour)
	require.NoError(t, testStore.CreateRefreshToken(ctx, head))

	t.Run("active token rotates", func(t *testing.T) {
		next := newRefreshToken(t, uuid.Nil, uuid.Nil, now, time.Hour)
		old, err := testStore.RotateRefreshToken(ctx, head.TokenHash, next, now)
		require.NoError(t, err)
		assert.Equal(t, head.ID, old.ID)
		assert.Equal(t, u.ID, next.UserID)
		assert.Equal(t, family, next.FamilyID)

		stored, err := testStore.GetRefreshTokenByHash(ctx, head.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, TokenRotated, stored.State(now))
		require.NotNil(t, stored.ReplacedByID)
		assert.Equal(t, next.ID, *stored.ReplacedByID)

		succ, err := testStore.GetRefreshTokenByHash(ctx, next.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, TokenActive, succ.State(now))

		t.Run("reuse revokes the chain", func(t *testing.T) {
			third := newRefreshToken(t, uuid.Nil, uuid.Nil, now, time.Hour)
			old, err := testStore.RotateRefreshToken(ctx, head.TokenHash, third, now)
			require.ErrorIs(t, err, ErrRefreshTokenReused)
			require.NotNil(t, old)
			assert.Equal(t, u.ID, old.UserID)

			succ, err := testStore.GetRefreshTokenByHash(ctx, next.TokenHash)
			require.NoError(t, err)
			assert.Equal(t, TokenRevoked, succ.State(now))
			require.NotNil(t, succ.ReasonRevoked)
			assert.Equal(t, ReasonReuseDetected, *succ.ReasonRevoked)

			_, err = testStore.GetRefreshTokenByHash(ctx, third.TokenHash)
			assert.ErrorIs(t, err, ErrNotFound, "no successor is minted on reuse")

			// The revoked successor is itself reuse now.
			_, err = testStore.RotateRefreshToken(ctx, next.TokenHash, newRefreshToken(t, uuid.Nil, uuid.Nil, now, time.Hour), now)
			assert.ErrorIs(t, err, ErrRefreshTokenReused)
		})
	})

	t.Run("expired token", func(t *testing.T) {
		tok := newRefreshToken(t, u.ID, uuid.Must(uuid.NewV7()), now.Add(-2*time.Hour), time.Hour)
		require.NoError(t, testStore.CreateRefreshToken(ctx, tok))

		_, err := testStore.RotateRefreshToken(ctx, tok.TokenHash, newRefreshToken(t, uuid.Nil, uuid.Nil, now, time.Hour), now)
		assert.ErrorIs(t, err, ErrRefreshTokenExpired)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := testStore.RotateRefreshToken(ctx, make([]byte, 32), newRefreshToken(t, uuid.Nil, uuid.Nil, now, time.Hour), now)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRotateRefreshTokenConcurrent(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "hash-race")
	now := time.Now().UTC().Truncate(time.Microsecond)

	head := newRefreshToken(t, u.ID, uuid.Must(uuid.NewV7()), now, time.Hour)
	require.NoError(t, testStore.CreateRefreshToken(ctx, head))

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, reused := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := newRefreshToken(t, uuid.Nil, uuid.Nil, now, time.Hour)
			_, err := testStore.RotateRefreshToken(ctx, head.TokenHash, next, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrRefreshTokenReused):
				reused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, reused)

	var live int
	require.NoError(t, testStore.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM refresh_tokens WHERE family_id = $1 AND revoked_at IS NULL", head.FamilyID,
	).Scan(&live))
	assert.Zero(t, live, "losing racers revoke the winner's successor")
}

func TestRevokeRefreshTokens(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "hash-revoke")
	other := mustCreateUser(t, ctx, "hash-other")
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("single token, owner only", func(t *testing.T) {
		tok := newRefreshToken(t, u.ID, uuid.Must(uuid.NewV7()), now, time.Hour)
		require.NoError(t, testStore.CreateRefreshToken(ctx, tok))

		require.NoError(t, testStore.RevokeRefreshToken(ctx, other.ID, tok.TokenHash, ReasonLogout, now))
		got, err := testStore.GetRefreshTokenByHash(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, TokenActive, got.State(now))

		require.NoError(t, testStore.RevokeRefreshToken(ctx, u.ID, tok.TokenHash, ReasonLogout, now))
		got, err = testStore.GetRefreshTokenByHash(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, TokenRevoked, got.State(now))

		// Idempotent.
		require.NoError(t, testStore.RevokeRefreshToken(ctx, u.ID, tok.TokenHash, ReasonLogout, now))
	})

	t.Run("all of a user's tokens", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, testStore.CreateRefreshToken(ctx,
				newRefreshToken(t, u.ID, uuid.Must(uuid.NewV7()), now, time.Hour)))
		}
		keep := newRefreshToken(t, other.ID, uuid.Must(uuid.NewV7()), now, time.Hour)
		require.NoError(t, testStore.CreateRefreshToken(ctx, keep))

		n, err := testStore.RevokeAllUserRefreshTokens(ctx, u.ID, ReasonLogoutAll, now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		got, err := testStore.GetRefreshTokenByHash(ctx, keep.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, TokenActive, got.State(now))
	})

	t.Run("expiry sweep", func(t *testing.T) {
		stale := newRefreshToken(t, other.ID, uuid.Must(uuid.NewV7()), now.Add(-3*time.Hour), time.Hour)
		require.NoError(t, testStore.CreateRefreshToken(ctx, stale))

		n, err := testStore.RevokeExpiredRefreshTokens(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		got, err := testStore.GetRefreshTokenByHash(ctx, stale.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, TokenExpired, got.State(now))

		// A swept token is expired, not reuse.
		_, err = testStore.RotateRefreshToken(ctx, stale.TokenHash, newRefreshToken(t, uuid.Nil, uuid.Nil, now, time.Hour), now)
		assert.ErrorIs(t, err, ErrRefreshTokenExpired)
	})
}

// --- MFA ---

func TestMFASecret(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "hash-mfa")
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := testStore.GetMFASecret(ctx, u.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, testStore.UpsertMFASecret(ctx, &MFASecret{
		UserID:           u.ID,
		Secret:           "JBSWY3DPEHPK3PXP",
		BackupCodeHashes: []string{"code-a", "code-b"},
	}))

	var enc string
	require.NoError(t, testStore.pool.QueryRow(ctx,
		"SELECT secret_enc FROM mfa_secrets WHERE user_id = $1", u.ID).Scan(&enc))
	assert.NotEqual(t, "JBSWY3DPEHPK3PXP", enc)

	m, err := testStore.GetMFASecret(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", m.Secret)
	assert.False(t, m.Enabled)

	// Pending enrollments have no usable backup codes.
	assert.ErrorIs(t, testStore.ConsumeBackupCode(ctx, u.ID, "code-a"), ErrBackupCodeUsed)

	require.NoError(t, testStore.EnableMFA(ctx, u.ID, now))
	assert.ErrorIs(t, testStore.EnableMFA(ctx, u.ID, now), ErrNotFound)

	m, err = testStore.GetMFASecret(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, m.Enabled)

	t.Run("backup codes are single use", func(t *testing.T) {
		require.NoError(t, testStore.ConsumeBackupCode(ctx, u.ID, "code-a"))
		assert.ErrorIs(t, testStore.ConsumeBackupCode(ctx, u.ID, "code-a"), ErrBackupCodeUsed)

		m, err := testStore.GetMFASecret(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"code-b"}, m.BackupCodeHashes)
	})

	t.Run("disable removes the enrollment", func(t *testing.T) {
		require.NoError(t, testStore.DisableMFA(ctx, u.ID))
		_, err := testStore.GetMFASecret(ctx, u.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
