// Package relay is the JSON-RPC client for the fee-sponsoring relay.
//
// The client performs no retries: relay operations are not idempotent, so
// retry policy belongs to callers. Every error it returns is already
// classified into the closed set of codes in internal/errors.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/config"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
)

const (
	methodPrepareUpgradeAccount = "wallet_prepareUpgradeAccount"
	methodUpgradeAccount        = "wallet_upgradeAccount"
	methodPrepareCalls          = "wallet_prepareCalls"
	methodSendPreparedCalls     = "wallet_sendPreparedCalls"
	methodGetCallsStatus        = "wallet_getCallsStatus"
	methodGetKeys               = "wallet_getKeys"
)

type Client interface {
	PrepareDelegation(ctx context.Context, req DelegationRequest) (*PreparedDelegation, error)
	StoreDelegation(ctx context.Context, delegationContext json.RawMessage, sigs DelegationSignatures) error
	PrepareIntent(ctx context.Context, intent model.Intent) (*PreparedIntent, error)
	SendIntent(ctx context.Context, prepared *PreparedIntent, key KeyRef, signature hexutil.Bytes) (string, error)
	GetBundleStatus(ctx context.Context, bundleID string) (*BundleStatus, error)
	GetAuthorizedKeys(ctx context.Context, account common.Address, chainID uint64) (model.AuthorizedKeys, error)
}

type RPCClient struct {
	rpc     *rpc.Client
	timeout time.Duration
}

var _ Client = (*RPCClient)(nil)

func Dial(ctx context.Context, url string) (*RPCClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return NewRPCClient(c), nil
}

func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{rpc: c, timeout: config.RelayCallTimeout}
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		classified := Classify(err)
		log.Debug().Err(err).
			Str("method", method).
			Str("code", string(apperrors.GetCode(classified))).
			Msg("relay call failed")
		return classified
	}
	return nil
}

func (c *RPCClient) PrepareDelegation(ctx context.Context, req DelegationRequest) (*PreparedDelegation, error) {
	keys := make([]wireKey, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = wireKey{PublicKey: k.PublicKey, Role: k.Role, Type: k.Type, Expiry: hexutil.Uint64(k.Expiry)}
	}

	var result prepareUpgradeAccountResult
	err := c.call(ctx, &result, methodPrepareUpgradeAccount, prepareUpgradeAccountParams{
		Address:      req.Account,
		Delegation:   req.Target,
		ChainID:      hexutil.Uint64(req.ChainID),
		Capabilities: upgradeCapabilities{AuthorizeKeys: keys},
	})
	if err != nil {
		return nil, err
	}
	if len(result.Digests.Auth) == 0 || len(result.Digests.Exec) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeRelayRejected, "relay returned a delegation without digests")
	}

	return &PreparedDelegation{
		AuthDigest: result.Digests.Auth,
		ExecDigest: result.Digests.Exec,
		Context:    result.Context,
		PreCall:    preCallFromContext(result.Context),
	}, nil
}

func (c *RPCClient) StoreDelegation(ctx context.Context, delegationContext json.RawMessage, sigs DelegationSignatures) error {
	var result json.RawMessage
	return c.call(ctx, &result, methodUpgradeAccount, upgradeAccountParams{
		Context:    delegationContext,
		Signatures: sigs,
	})
}

func (c *RPCClient) PrepareIntent(ctx context.Context, intent model.Intent) (*PreparedIntent, error) {
	calls := make([]wireCall, len(intent.Calls))
	for i, call := range intent.Calls {
		calls[i] = wireCall{To: call.To, Value: call.Value, Data: call.Data}
	}

	var result prepareCallsResult
	err := c.call(ctx, &result, methodPrepareCalls, prepareCallsParams{
		From:    intent.Account,
		ChainID: hexutil.Uint64(intent.ChainID),
		Calls:   calls,
		Capabilities: callsCapabilities{
			Meta:     callsMeta{FeeToken: intent.FeeToken, Sponsored: intent.Sponsored},
			PreCalls: intent.PreCalls,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result.Digest) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeRelayRejected, "relay returned a prepared intent without a digest")
	}

	return &PreparedIntent{
		Digest:           result.Digest,
		Context:          result.Context,
		PreCallsAttached: intent.HasPreCalls() || hasPreCalls(result.Context, result.Capabilities.PreCalls),
	}, nil
}

func (c *RPCClient) SendIntent(ctx context.Context, prepared *PreparedIntent, key KeyRef, signature hexutil.Bytes) (string, error) {
	var result sendPreparedCallsResult
	err := c.call(ctx, &result, methodSendPreparedCalls, sendPreparedCallsParams{
		Context:   prepared.Context,
		Key:       key,
		Signature: signature,
	})
	if err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", apperrors.New(apperrors.ErrCodeRelayRejected, "relay accepted the intent without a bundle id")
	}
	return result.ID, nil
}

func (c *RPCClient) GetBundleStatus(ctx context.Context, bundleID string) (*BundleStatus, error) {
	var result callsStatusResult
	if err := c.call(ctx, &result, methodGetCallsStatus, bundleID); err != nil {
		return nil, err
	}
	id := result.ID
	if id == "" {
		id = bundleID
	}
	return &BundleStatus{ID: id, Code: result.Status, Receipts: result.Receipts}, nil
}

func (c *RPCClient) GetAuthorizedKeys(ctx context.Context, account common.Address, chainID uint64) (model.AuthorizedKeys, error) {
	var result []wireKey
	err := c.call(ctx, &result, methodGetKeys, getKeysParams{Address: account, ChainID: hexutil.Uint64(chainID)})
	if err != nil {
		return nil, err
	}

	keys := make(model.AuthorizedKeys, len(result))
	for i, k := range result {
		keys[i] = model.AuthorizedKey{PublicKey: k.PublicKey, Role: k.Role, Type: k.Type, Expiry: int64(k.Expiry)}
	}
	return keys, nil
}
