package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Receipt is an on-chain result reported by the relay for a bundle.
type Receipt struct {
	Status          hexutil.Uint64 `json:"status"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

func (r Receipt) Succeeded() bool {
	return r.Status == 1
}

type Receipts []Receipt

func (r Receipts) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Receipts) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("scan receipts: unsupported type %T", src)
	}
}

// EffectSpec records the post-condition a bundle was sent for, so a later
// resume can check it without the original caller.
type EffectSpec struct {
	Kind  string `json:"kind"`
	Owner string `json:"owner"`
	Name  string `json:"name,omitempty"`
	Since int64  `json:"since,omitempty"`
}

func (e EffectSpec) Value() (driver.Value, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (e *EffectSpec) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return fmt.Errorf("scan effect spec: unsupported type %T", src)
	}
}

type Bundle struct {
	ID               string       `db:"id" json:"id"`
	AccountAddress   string       `db:"account_address" json:"accountAddress"`
	SessionID        *string      `db:"session_id" json:"sessionId,omitempty"`
	SignerRole       SignerRole   `db:"signer_role" json:"signerRole"`
	PreCallsAttached bool         `db:"pre_calls_attached" json:"preCallsAttached"`
	Status           BundleStatus `db:"status" json:"status"`
	TxHash           *string      `db:"tx_hash" json:"txHash,omitempty"`
	GasUsed          *int64       `db:"gas_used" json:"gasUsed,omitempty"`
	Receipts         Receipts     `db:"receipts" json:"receipts"`
	Effect           *EffectSpec  `db:"effect" json:"effect,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

type CreateBundleParams struct {
	ID               string
	AccountAddress   string
	SessionID        *string
	SignerRole       SignerRole
	PreCallsAttached bool
	Effect           *EffectSpec
}

type UpdateBundleStatusParams struct {
	Status   BundleStatus
	TxHash   *string
	GasUsed  *int64
	Receipts Receipts
}
