package model

import (
	"time"
)

// SessionKey is a short-lived signing key bound to an owning account.
// Rotation supersedes a session by setting RotatedTo; rows are only removed by the expiry sweep.
type SessionKey struct {
	ID             string     `db:"id" json:"id"`
	AccountAddress string     `db:"account_address" json:"accountAddress"`
	PublicKey      string     `db:"public_key" json:"publicKey"`
	KeyCiphertext  string     `db:"key_ciphertext" json:"-"`
	Role           KeyRole    `db:"role" json:"role"`
	Nonce          int64      `db:"nonce" json:"nonce"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expiresAt"`
	RotatedTo      *string    `db:"rotated_to" json:"rotatedTo,omitempty"`
	RotatedAt      *time.Time `db:"rotated_at" json:"rotatedAt,omitempty"`
}

func (s *SessionKey) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *SessionKey) Rotated() bool {
	return s.RotatedTo != nil
}

func (s *SessionKey) Active(now time.Time) bool {
	return !s.Expired(now) && !s.Rotated()
}

// TTL is the lifetime the session was issued with.
func (s *SessionKey) TTL() time.Duration {
	return s.ExpiresAt.Sub(s.CreatedAt)
}

type CreateSessionKeyParams struct {
	ID             string
	AccountAddress string
	PublicKey      string
	KeyCiphertext  string
	Role           KeyRole
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// SessionAttempt is one entry of a session's append-only transaction log.
type SessionAttempt struct {
	ID        int64          `db:"id" json:"id"`
	SessionID string         `db:"session_id" json:"sessionId"`
	BundleID  *string        `db:"bundle_id" json:"bundleId,omitempty"`
	Outcome   AttemptOutcome `db:"outcome" json:"outcome"`
	ErrorCode *string        `db:"error_code" json:"errorCode,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

type CreateSessionAttemptParams struct {
	SessionID string
	BundleID  *string
	Outcome   AttemptOutcome
	ErrorCode *string
}
