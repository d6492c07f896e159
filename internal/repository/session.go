package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pixelpets/gasless/internal/model"
)

type SessionKeyRepository interface {
	Create(ctx context.Context, params model.CreateSessionKeyParams) (*model.SessionKey, error)
	FindByID(ctx context.Context, id string) (*model.SessionKey, error)
	// FindActiveByAccount returns the newest session that is neither expired nor rotated at now.
	FindActiveByAccount(ctx context.Context, address string, now time.Time) (*model.SessionKey, error)
	ListByAccount(ctx context.Context, address string) ([]model.SessionKey, error)
	// MarkRotated fails with ErrStaleState when the session was already rotated.
	MarkRotated(ctx context.Context, id, rotatedTo string, at time.Time) error
	IncrementNonce(ctx context.Context, id string) (int64, error)
	AppendAttempt(ctx context.Context, params model.CreateSessionAttemptParams) (*model.SessionAttempt, error)
	ListAttempts(ctx context.Context, sessionID string) ([]model.SessionAttempt, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionKeyRepository
}

type sessionKeyRepo struct {
	db sqlxDB
}

func NewSessionKeyRepository(db *sqlx.DB) SessionKeyRepository {
	return &sessionKeyRepo{db: db}
}

func (r *sessionKeyRepo) WithTx(tx *sqlx.Tx) SessionKeyRepository {
	return &sessionKeyRepo{db: tx}
}

func (r *sessionKeyRepo) Create(ctx context.Context, params model.CreateSessionKeyParams) (*model.SessionKey, error) {
	var session model.SessionKey
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO session_keys (id, account_address, public_key, key_ciphertext, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, params.ID, params.AccountAddress, params.PublicKey, params.KeyCiphertext, params.Role,
		params.CreatedAt, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionKeyRepo) FindByID(ctx context.Context, id string) (*model.SessionKey, error) {
	var session model.SessionKey
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM session_keys WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionKeyRepo) FindActiveByAccount(ctx context.Context, address string, now time.Time) (*model.SessionKey, error) {
	var session model.SessionKey
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM session_keys
		WHERE account_address = $1
		AND rotated_to IS NULL
		AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, address, now)
	return HandleNotFound(&session, err)
}

func (r *sessionKeyRepo) ListByAccount(ctx context.Context, address string) ([]model.SessionKey, error) {
	var sessions []model.SessionKey
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM session_keys
		WHERE account_address = $1
		ORDER BY created_at DESC
	`, address)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionKeyRepo) MarkRotated(ctx context.Context, id, rotatedTo string, at time.Time) error {
	return requireAffected(r.db.ExecContext(ctx, `
		UPDATE session_keys SET rotated_to = $2, rotated_at = $3
		WHERE id = $1 AND rotated_to IS NULL
	`, id, rotatedTo, at))
}

func (r *sessionKeyRepo) IncrementNonce(ctx context.Context, id string) (int64, error) {
	var nonce int64
	err := r.db.GetContext(ctx, &nonce, `
		UPDATE session_keys SET nonce = nonce + 1
		WHERE id = $1
		RETURNING nonce
	`, id)
	return nonce, err
}

func (r *sessionKeyRepo) AppendAttempt(ctx context.Context, params model.CreateSessionAttemptParams) (*model.SessionAttempt, error) {
	var attempt model.SessionAttempt
	err := r.db.GetContext(ctx, &attempt, `
		INSERT INTO session_attempts (session_id, bundle_id, outcome, error_code)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.SessionID, params.BundleID, params.Outcome, params.ErrorCode)
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *sessionKeyRepo) ListAttempts(ctx context.Context, sessionID string) ([]model.SessionAttempt, error) {
	var attempts []model.SessionAttempt
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT * FROM session_attempts
		WHERE session_id = $1
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *sessionKeyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM session_keys WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
