package relay

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/pixelpets/gasless/internal/model"
)

// Bundle status codes reported by wallet_getCallsStatus.
const (
	StatusPending           = 100
	StatusConfirmed         = 200
	StatusOffchainFailure   = 300
	StatusReverted          = 400
	StatusPartiallyReverted = 500
)

// KeyRef identifies which authorised key produced a signature.
type KeyRef struct {
	PublicKey string `json:"publicKey"`
	Type      string `json:"type"`
	Prehash   bool   `json:"prehash"`
}

const KeyTypeSecp256k1 = "secp256k1"

func Secp256k1Key(addr common.Address) KeyRef {
	return KeyRef{PublicKey: addr.Hex(), Type: KeyTypeSecp256k1}
}

type DelegationRequest struct {
	Account common.Address
	Target  common.Address
	ChainID uint64
	Keys    model.AuthorizedKeys
}

type PreparedDelegation struct {
	AuthDigest hexutil.Bytes
	ExecDigest hexutil.Bytes
	Context    json.RawMessage
	// PreCall is the deploy payload a later intent must carry. Empty when the relay omits it.
	PreCall json.RawMessage
}

type DelegationSignatures struct {
	Auth hexutil.Bytes `json:"auth"`
	Exec hexutil.Bytes `json:"exec"`
}

type PreparedIntent struct {
	Digest           hexutil.Bytes
	Context          json.RawMessage
	PreCallsAttached bool
}

type BundleStatus struct {
	ID       string
	Code     int
	Receipts model.Receipts
}

func (s BundleStatus) Pending() bool {
	return s.Code < StatusConfirmed
}

func (s BundleStatus) Confirmed() bool {
	return s.Code == StatusConfirmed
}

// Succeeded reports a confirmed bundle whose receipts all succeeded.
func (s BundleStatus) Succeeded() bool {
	if !s.Confirmed() || len(s.Receipts) == 0 {
		return false
	}
	for _, r := range s.Receipts {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

// Wire types. Field names follow the relay's JSON-RPC schema.

type wireKey struct {
	PublicKey string         `json:"publicKey"`
	Role      model.KeyRole  `json:"role"`
	Type      string         `json:"type"`
	Expiry    hexutil.Uint64 `json:"expiry"`
}

type prepareUpgradeAccountParams struct {
	Address      common.Address      `json:"address"`
	Delegation   common.Address      `json:"delegation"`
	ChainID      hexutil.Uint64      `json:"chainId"`
	Capabilities upgradeCapabilities `json:"capabilities"`
}

type upgradeCapabilities struct {
	AuthorizeKeys []wireKey `json:"authorizeKeys"`
}

type prepareUpgradeAccountResult struct {
	Context json.RawMessage `json:"context"`
	Digests struct {
		Auth hexutil.Bytes `json:"auth"`
		Exec hexutil.Bytes `json:"exec"`
	} `json:"digests"`
}

type upgradeAccountParams struct {
	Context    json.RawMessage      `json:"context"`
	Signatures DelegationSignatures `json:"signatures"`
}

type wireCall struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

type prepareCallsParams struct {
	From         common.Address    `json:"from"`
	ChainID      hexutil.Uint64    `json:"chainId"`
	Calls        []wireCall        `json:"calls"`
	Capabilities callsCapabilities `json:"capabilities"`
}

type callsCapabilities struct {
	Meta     callsMeta         `json:"meta"`
	PreCalls []json.RawMessage `json:"preCalls,omitempty"`
}

type callsMeta struct {
	FeeToken  common.Address `json:"feeToken"`
	Sponsored bool           `json:"sponsored"`
}

type prepareCallsResult struct {
	Context      json.RawMessage `json:"context"`
	Digest       hexutil.Bytes   `json:"digest"`
	Capabilities struct {
		PreCalls json.RawMessage `json:"preCalls"`
	} `json:"capabilities"`
}

type sendPreparedCallsParams struct {
	Context   json.RawMessage `json:"context"`
	Key       KeyRef          `json:"key"`
	Signature hexutil.Bytes   `json:"signature"`
}

type sendPreparedCallsResult struct {
	ID string `json:"id"`
}

type callsStatusResult struct {
	ID       string         `json:"id"`
	Status   int            `json:"status"`
	Receipts model.Receipts `json:"receipts"`
}

type getKeysParams struct {
	Address common.Address `json:"address"`
	ChainID hexutil.Uint64 `json:"chainId"`
}
