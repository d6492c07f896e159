package service

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/signer"
)

func newClockedHarness(t *testing.T) (*harness, *clock) {
	h := newHarness(t)
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.keys.now = c.Now
	return h, c
}

func TestKeyManager_CreateSession(t *testing.T) {
	ctx := context.Background()
	h, c := newClockedHarness(t)
	owner := h.newAccount(t)

	t.Run("issues a normal session by default", func(t *testing.T) {
		session, err := h.keys.CreateSession(ctx, owner, time.Hour)
		require.NoError(t, err)

		assert.Equal(t, addressKey(owner), session.AccountAddress)
		assert.Equal(t, model.KeyRoleNormal, session.Role)
		assert.Equal(t, c.Now().Add(time.Hour), session.ExpiresAt)
		assert.True(t, common.IsHexAddress(session.PublicKey))
		assert.NotContains(t, session.KeyCiphertext, session.PublicKey)
	})

	t.Run("WithRole issues an admin session", func(t *testing.T) {
		session, err := h.keys.CreateSession(ctx, owner, time.Hour, WithRole(model.KeyRoleAdmin))
		require.NoError(t, err)
		assert.Equal(t, model.KeyRoleAdmin, session.Role)
	})

	t.Run("rejects out of range ttl", func(t *testing.T) {
		_, err := h.keys.CreateSession(ctx, owner, time.Second)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("rejects unknown account", func(t *testing.T) {
		_, err := h.keys.CreateSession(ctx, common.HexToAddress("0x1234"), time.Hour)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("signer matches the published key", func(t *testing.T) {
		session, err := h.keys.CreateSession(ctx, owner, time.Hour)
		require.NoError(t, err)

		key, err := h.keys.Signer(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(session.PublicKey), key.Address())

		digest := make([]byte, signer.DigestLength)
		digest[0] = 0x42
		sig, err := key.SignDigest(digest)
		require.NoError(t, err)
		got, err := signer.Recover(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, key.Address(), got)
	})
}

func TestKeyManager_ExpiryEnforcement(t *testing.T) {
	ctx := context.Background()
	h, c := newClockedHarness(t)
	owner := h.newAccount(t)

	session, err := h.keys.CreateSession(ctx, owner, 10*time.Minute)
	require.NoError(t, err)

	_, err = h.keys.GetActive(ctx, session.ID)
	require.NoError(t, err)

	c.Advance(10 * time.Minute)

	_, err = h.keys.GetActive(ctx, session.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExpired), "expired exactly at expiry")

	_, err = h.keys.Signer(ctx, session.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExpired))

	_, err = h.keys.CurrentForAccount(ctx, owner)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))

	got, err := h.keys.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = h.keys.Get(ctx, "not-a-uuid")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))
}

func TestKeyManager_Rotate(t *testing.T) {
	ctx := context.Background()
	h, c := newClockedHarness(t)
	owner := h.newAccount(t)

	old, err := h.keys.CreateSession(ctx, owner, 30*time.Minute, WithRole(model.KeyRoleAdmin))
	require.NoError(t, err)

	c.Advance(5 * time.Minute)
	next, err := h.keys.Rotate(ctx, old.ID)
	require.NoError(t, err)

	t.Run("replacement never collides with the old session", func(t *testing.T) {
		assert.NotEqual(t, old.ID, next.ID)
		assert.NotEqual(t, old.PublicKey, next.PublicKey)
		assert.NotEqual(t, old.KeyCiphertext, next.KeyCiphertext)
	})

	t.Run("replacement keeps owner role and ttl", func(t *testing.T) {
		assert.Equal(t, old.AccountAddress, next.AccountAddress)
		assert.Equal(t, model.KeyRoleAdmin, next.Role)
		assert.Equal(t, 30*time.Minute, next.TTL())
		assert.Equal(t, c.Now().Add(30*time.Minute), next.ExpiresAt)
	})

	t.Run("old session is superseded", func(t *testing.T) {
		_, err := h.keys.GetActive(ctx, old.ID)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExpired))

		stored, err := h.keys.Get(ctx, old.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.RotatedTo)
		assert.Equal(t, next.ID, *stored.RotatedTo)

		current, err := h.keys.CurrentForAccount(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, next.ID, current.ID)
	})

	t.Run("rotating twice is rejected", func(t *testing.T) {
		_, err := h.keys.Rotate(ctx, old.ID)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExpired))
	})

	t.Run("an expired session can still be rotated", func(t *testing.T) {
		c.Advance(time.Hour)
		replacement, err := h.keys.Rotate(ctx, next.ID)
		require.NoError(t, err)
		_, err = h.keys.GetActive(ctx, replacement.ID)
		assert.NoError(t, err)
	})
}

func TestKeyManager_SweepExpired(t *testing.T) {
	ctx := context.Background()
	h, c := newClockedHarness(t)
	owner := h.newAccount(t)

	short, err := h.keys.CreateSession(ctx, owner, 5*time.Minute)
	require.NoError(t, err)
	long, err := h.keys.CreateSession(ctx, owner, time.Hour)
	require.NoError(t, err)

	c.Advance(10 * time.Minute)

	n, err := h.keys.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = h.keys.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "sweep is idempotent")

	_, err = h.keys.Get(ctx, short.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))
	_, err = h.keys.GetActive(ctx, long.ID)
	assert.NoError(t, err)
}

func TestKeyManager_NonceAndAttempts(t *testing.T) {
	ctx := context.Background()
	h, _ := newClockedHarness(t)
	owner := h.newAccount(t)

	session, err := h.keys.CreateSession(ctx, owner, time.Hour)
	require.NoError(t, err)

	first, err := h.keys.NextNonce(ctx, session.ID)
	require.NoError(t, err)
	second, err := h.keys.NextNonce(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	bundleID := "0xabc"
	h.keys.RecordAttempt(ctx, session.ID, &bundleID, model.AttemptSent, nil)
	h.keys.RecordAttempt(ctx, session.ID, nil, model.AttemptRejected, apperrors.KeyNotAuthorized("nope"))

	attempts, err := h.keys.Attempts(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, model.AttemptSent, attempts[0].Outcome)
	require.NotNil(t, attempts[1].ErrorCode)
	assert.Equal(t, string(apperrors.ErrCodeKeyNotAuthorized), *attempts[1].ErrorCode)
}
