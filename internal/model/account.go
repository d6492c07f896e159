package model

import (
	"time"
)

type Account struct {
	Address            string          `db:"address" json:"address"`
	DelegationState    DelegationState `db:"delegation_state" json:"delegationState"`
	NonceMarker        *string         `db:"nonce_marker" json:"nonceMarker,omitempty"`
	OwnerKeyCiphertext *string         `db:"owner_key_ciphertext" json:"-"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
}

func (a *Account) HasOwnerKey() bool {
	return a.OwnerKeyCiphertext != nil && *a.OwnerKeyCiphertext != ""
}

type CreateAccountParams struct {
	Address            string
	OwnerKeyCiphertext *string
}
