package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/audit"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/repository"
	"github.com/pixelpets/gasless/internal/signer"
	"github.com/pixelpets/gasless/internal/util"
)

const (
	minSessionTTL = time.Minute
	maxSessionTTL = 7 * 24 * time.Hour
)

type sessionOptions struct {
	role model.KeyRole
}

type SessionOption func(*sessionOptions)

// WithRole issues the session with the given role instead of normal.
func WithRole(role model.KeyRole) SessionOption {
	return func(o *sessionOptions) {
		o.role = role
	}
}

// KeyManager issues, rotates and expires session keys. Key material is kept
// encrypted and only decrypted for active sessions.
type KeyManager struct {
	sessions repository.SessionKeyRepository
	accounts repository.AccountRepository
	tx       TxRunner
	cipher   *util.KeyCipher
	now      func() time.Time
}

func NewKeyManager(
	sessions repository.SessionKeyRepository,
	accounts repository.AccountRepository,
	tx TxRunner,
	cipher *util.KeyCipher,
) *KeyManager {
	return &KeyManager{
		sessions: sessions,
		accounts: accounts,
		tx:       tx,
		cipher:   cipher,
		now:      time.Now,
	}
}

func (m *KeyManager) CreateSession(ctx context.Context, owner common.Address, ttl time.Duration, opts ...SessionOption) (*model.SessionKey, error) {
	o := sessionOptions{role: model.KeyRoleNormal}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.role.Valid() {
		return nil, apperrors.InvalidInput("role", "must be admin or normal")
	}
	if ttl < minSessionTTL || ttl > maxSessionTTL {
		return nil, apperrors.InvalidInput("ttl", fmt.Sprintf("must be between %s and %s", minSessionTTL, maxSessionTTL))
	}

	address := addressKey(owner)
	account, err := m.accounts.FindByAddress(ctx, address)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}

	session, err := m.issue(ctx, m.sessions, address, o.role, ttl)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		AccountID: address,
		SessionID: session.ID,
		Details: map[string]interface{}{
			"role":       string(session.Role),
			"public_key": session.PublicKey,
			"expires_at": session.ExpiresAt,
		},
	})

	return session, nil
}

// issue generates a key and persists it under a fresh id. The id is bound into
// the ciphertext so a row's key cannot be replayed under another session.
func (m *KeyManager) issue(ctx context.Context, repo repository.SessionKeyRepository, address string, role model.KeyRole, ttl time.Duration) (*model.SessionKey, error) {
	key, err := signer.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	id := uuid.NewString()
	ciphertext, err := m.cipher.Seal(key.Bytes(), id)
	if err != nil {
		return nil, fmt.Errorf("encrypt session key: %w", err)
	}

	now := m.now()
	session, err := repo.Create(ctx, model.CreateSessionKeyParams{
		ID:             id,
		AccountAddress: address,
		PublicKey:      key.Address().Hex(),
		KeyCiphertext:  ciphertext,
		Role:           role,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return session, nil
}

// Get returns a session regardless of its state.
func (m *KeyManager) Get(ctx context.Context, id string) (*model.SessionKey, error) {
	if !util.IsValidUUID(id) {
		return nil, apperrors.SessionNotFound(id)
	}
	session, err := m.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.SessionNotFound(id)
	}
	return session, nil
}

// GetActive returns the session only while it is neither expired nor rotated.
func (m *KeyManager) GetActive(ctx context.Context, id string) (*model.SessionKey, error) {
	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Active(m.now()) {
		return nil, apperrors.SessionExpired(id)
	}
	return session, nil
}

// CurrentForAccount returns the newest active session of owner.
func (m *KeyManager) CurrentForAccount(ctx context.Context, owner common.Address) (*model.SessionKey, error) {
	address := addressKey(owner)
	session, err := m.sessions.FindActiveByAccount(ctx, address, m.now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionNotFound, fmt.Sprintf("account %s has no active session", address))
	}
	return session, nil
}

func (m *KeyManager) ListForAccount(ctx context.Context, owner common.Address) ([]model.SessionKey, error) {
	sessions, err := m.sessions.ListByAccount(ctx, addressKey(owner))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return sessions, nil
}

// Rotate supersedes id with a new session for the same owner, role and TTL.
// An expired session may still be rotated; a rotated one may not.
func (m *KeyManager) Rotate(ctx context.Context, id string) (*model.SessionKey, error) {
	old, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Rotated() {
		return nil, apperrors.SessionExpired(id)
	}

	var next *model.SessionKey
	err = m.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		repo := m.sessions.WithTx(tx)

		created, err := m.issue(ctx, repo, old.AccountAddress, old.Role, old.TTL())
		if err != nil {
			return err
		}
		if err := repo.MarkRotated(ctx, old.ID, created.ID, m.now()); err != nil {
			if errors.Is(err, repository.ErrStaleState) {
				return apperrors.Conflict(fmt.Sprintf("session %s was rotated concurrently", old.ID))
			}
			return apperrors.Database(err)
		}
		next = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionRotate,
		AccountID: old.AccountAddress,
		SessionID: old.ID,
		Details: map[string]interface{}{
			"rotated_to": next.ID,
			"public_key": next.PublicKey,
		},
	})

	return next, nil
}

// SweepExpired deletes every session past its expiry.
func (m *KeyManager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, apperrors.Database(err)
	}
	if n > 0 {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventSessionSweep,
			Details: map[string]interface{}{"deleted": n},
		})
	}
	return n, nil
}

// Signer decrypts the key of an active session.
func (m *KeyManager) Signer(ctx context.Context, id string) (signer.Signer, error) {
	session, err := m.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, err := m.cipher.Open(session.KeyCiphertext, session.ID)
	if err != nil {
		return nil, fmt.Errorf("decrypt session key %s: %w", session.ID, err)
	}
	key, err := signer.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("load session key %s: %w", session.ID, err)
	}
	if !common.IsHexAddress(session.PublicKey) || key.Address() != common.HexToAddress(session.PublicKey) {
		return nil, apperrors.Internal(fmt.Sprintf("session %s key does not match its public key", session.ID))
	}
	return key, nil
}

// NextNonce advances the session's local nonce and returns the new value.
func (m *KeyManager) NextNonce(ctx context.Context, id string) (int64, error) {
	n, err := m.sessions.IncrementNonce(ctx, id)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	return n, nil
}

// RecordAttempt appends to the session's attempt log. Failures are logged, not returned:
// the log is bookkeeping and must not change a submission's outcome.
func (m *KeyManager) RecordAttempt(ctx context.Context, id string, bundleID *string, outcome model.AttemptOutcome, cause error) {
	var code *string
	if cause != nil {
		code = ptr(string(apperrors.GetCode(cause)))
	}
	_, err := m.sessions.AppendAttempt(ctx, model.CreateSessionAttemptParams{
		SessionID: id,
		BundleID:  bundleID,
		Outcome:   outcome,
		ErrorCode: code,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Str("outcome", string(outcome)).Msg("failed to record session attempt")
	}
}

func (m *KeyManager) Attempts(ctx context.Context, id string) ([]model.SessionAttempt, error) {
	attempts, err := m.sessions.ListAttempts(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return attempts, nil
}
