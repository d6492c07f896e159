package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/audit"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/relay"
	"github.com/pixelpets/gasless/internal/repository"
	"github.com/pixelpets/gasless/internal/signer"
)

// DelegationRequest asks for Account to delegate to Target with Keys authorised.
// A zero Target falls back to the configured default.
type DelegationRequest struct {
	Account common.Address
	Target  common.Address
	Keys    model.AuthorizedKeys
}

// Reconciliation is what the coordinator learned about a stored delegation.
// PreCalls holds the retained deploy payload when the relay no longer attaches it.
type Reconciliation struct {
	State    model.DelegationState
	PreCalls []json.RawMessage
}

// DelegationCoordinator drives an account through
// unregistered -> offchain_prepared -> offchain_stored -> onchain_deployed,
// and back to offchain_prepared when a deployed account needs another key.
// The on-chain step happens as a side effect of the first intent that carries
// the deploy pre-call; nothing here sends a transaction.
type DelegationCoordinator struct {
	delegations   repository.DelegationRepository
	accounts      repository.AccountRepository
	relay         relay.Client
	chainID       uint64
	defaultTarget common.Address
	now           func() time.Time
}

func NewDelegationCoordinator(
	delegations repository.DelegationRepository,
	accounts repository.AccountRepository,
	relayClient relay.Client,
	chainID uint64,
	defaultTarget common.Address,
) *DelegationCoordinator {
	return &DelegationCoordinator{
		delegations:   delegations,
		accounts:      accounts,
		relay:         relayClient,
		chainID:       chainID,
		defaultTarget: defaultTarget,
		now:           time.Now,
	}
}

// RequireOwnerSignature reports whether an intent must be signed by the owner key.
// While the deploy pre-call is attached the session key is not yet authorised on-chain.
func RequireOwnerSignature(preCallsAttached bool) bool {
	return preCallsAttached
}

func SignerRoleFor(preCallsAttached bool) model.SignerRole {
	if RequireOwnerSignature(preCallsAttached) {
		return model.SignerRoleOwner
	}
	return model.SignerRoleSession
}

// Prepare asks the relay for fresh delegation digests. A deployed delegation is
// returned as is unless req adds keys, in which case the new set is prepared and
// rides on-chain with the next pre-call intent.
func (c *DelegationCoordinator) Prepare(ctx context.Context, req DelegationRequest) (*model.DelegationRecord, error) {
	if !req.Keys.HasAdmin() {
		return nil, apperrors.ValidationError("at least one admin key must be authorised")
	}
	for _, k := range req.Keys {
		if !k.Role.Valid() || !common.IsHexAddress(k.PublicKey) {
			return nil, apperrors.InvalidInput("keys", fmt.Sprintf("key %q is not a valid secp256k1 key", k.PublicKey))
		}
	}
	target := req.Target
	if target == (common.Address{}) {
		target = c.defaultTarget
	}
	if target == (common.Address{}) {
		return nil, apperrors.MissingRequired("target")
	}

	address := addressKey(req.Account)
	account, err := c.accounts.FindByAddress(ctx, address)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}

	existing, err := c.delegations.FindByAccount(ctx, address)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	keyUpdate := false
	if existing != nil {
		sameTarget := strings.EqualFold(existing.Target, target.Hex())
		switch {
		case existing.State == model.DelegationOnchainDeployed && sameTarget &&
			existing.AuthorizedKeys.Covers(req.Keys):
			return existing, nil
		case existing.State == model.DelegationOnchainDeployed:
			keyUpdate = true
		case existing.State == model.DelegationOffchainStored && sameTarget &&
			existing.AuthorizedKeys.SameSet(req.Keys):
			return existing, nil
		}
	}

	prepared, err := c.relay.PrepareDelegation(ctx, relay.DelegationRequest{
		Account: req.Account,
		Target:  target,
		ChainID: c.chainID,
		Keys:    req.Keys,
	})
	if err != nil {
		return nil, err
	}

	record, err := c.delegations.Upsert(ctx, model.UpsertDelegationParams{
		AccountAddress: address,
		Target:         addressKey(target),
		AuthorizedKeys: req.Keys,
		AuthDigest:     prepared.AuthDigest.String(),
		ExecDigest:     prepared.ExecDigest.String(),
		Context:        prepared.Context,
		PreCall:        prepared.PreCall,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventDelegationPrepare,
		AccountID: address,
		Details: map[string]interface{}{
			"target":       record.Target,
			"key_count":    len(req.Keys),
			"has_pre_call": record.HasPreCall(),
			"key_update":   keyUpdate,
		},
	})

	return record, nil
}

// Store signs the prepared digests with the owner key and hands them to the relay.
// Repeating it on a stored or deployed record is a no-op.
func (c *DelegationCoordinator) Store(ctx context.Context, account common.Address, owner signer.Signer) (*model.DelegationRecord, error) {
	record, err := c.Record(ctx, account)
	if err != nil {
		return nil, err
	}

	switch record.State {
	case model.DelegationOffchainStored, model.DelegationOnchainDeployed:
		return record, nil
	case model.DelegationOffchainPrepared:
	default:
		return nil, apperrors.Conflict(fmt.Sprintf("delegation for %s is %s, prepare it first", record.AccountAddress, record.State))
	}

	if owner == nil || owner.Address() != account {
		return nil, apperrors.KeyNotAuthorized("only the account owner key may sign a delegation")
	}

	authSig, err := signer.SignHexDigest(owner, record.AuthDigest)
	if err != nil {
		return nil, fmt.Errorf("sign auth digest: %w", err)
	}
	execSig, err := signer.SignHexDigest(owner, record.ExecDigest)
	if err != nil {
		return nil, fmt.Errorf("sign exec digest: %w", err)
	}

	if err := c.relay.StoreDelegation(ctx, record.Context, relay.DelegationSignatures{Auth: authSig, Exec: execSig}); err != nil {
		return nil, err
	}

	now := c.now()
	if err := c.delegations.MarkStored(ctx, record.AccountAddress, now); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, apperrors.Conflict(fmt.Sprintf("delegation for %s changed while it was being stored", record.AccountAddress))
		}
		return nil, apperrors.Database(err)
	}
	record.State = model.DelegationOffchainStored
	record.StoredAt = &now

	audit.Log(ctx, audit.Event{
		Type:      audit.EventDelegationStore,
		AccountID: record.AccountAddress,
		Details:   map[string]interface{}{"target": record.Target},
	})

	return record, nil
}

func (c *DelegationCoordinator) Bootstrap(ctx context.Context, req DelegationRequest, owner signer.Signer) (*model.DelegationRecord, error) {
	if _, err := c.Prepare(ctx, req); err != nil {
		return nil, err
	}
	return c.Store(ctx, req.Account, owner)
}

func (c *DelegationCoordinator) State(ctx context.Context, account common.Address) (model.DelegationState, error) {
	record, err := c.delegations.FindByAccount(ctx, addressKey(account))
	if err != nil {
		return "", apperrors.Database(err)
	}
	if record == nil {
		return model.DelegationUnregistered, nil
	}
	return record.State, nil
}

func (c *DelegationCoordinator) Record(ctx context.Context, account common.Address) (*model.DelegationRecord, error) {
	record, err := c.delegations.FindByAccount(ctx, addressKey(account))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if record == nil {
		return nil, apperrors.NotFound("Delegation")
	}
	return record, nil
}

// Reconcile settles a stored delegation against what the relay reports on-chain.
func (c *DelegationCoordinator) Reconcile(ctx context.Context, account common.Address) (*Reconciliation, error) {
	record, err := c.delegations.FindByAccount(ctx, addressKey(account))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if record == nil {
		return &Reconciliation{State: model.DelegationUnregistered}, nil
	}
	if record.State != model.DelegationOffchainStored {
		return &Reconciliation{State: record.State}, nil
	}

	onchain, err := c.relay.GetAuthorizedKeys(ctx, account, c.chainID)
	if err != nil {
		return nil, err
	}
	if len(onchain) > 0 && onchain.Covers(record.AuthorizedKeys) {
		if err := c.markDeployed(ctx, record.AccountAddress, nil, "reconcile"); err != nil {
			return nil, err
		}
		return &Reconciliation{State: model.DelegationOnchainDeployed}, nil
	}

	out := &Reconciliation{State: record.State}
	if record.HasPreCall() {
		out.PreCalls = []json.RawMessage{record.PreCall}
	} else {
		log.Warn().Str("account", record.AccountAddress).Msg("stored delegation has no retained pre-call")
	}
	return out, nil
}

// ConfirmDeployed records that bundleID, which carried the deploy pre-call, confirmed.
func (c *DelegationCoordinator) ConfirmDeployed(ctx context.Context, account common.Address, bundleID string) error {
	record, err := c.delegations.FindByAccount(ctx, addressKey(account))
	if err != nil {
		return apperrors.Database(err)
	}
	if record == nil || record.State == model.DelegationOnchainDeployed {
		return nil
	}
	if record.State != model.DelegationOffchainStored {
		log.Warn().
			Str("account", record.AccountAddress).
			Str("bundleId", bundleID).
			Str("state", string(record.State)).
			Msg("pre-call bundle confirmed for a delegation that was not stored")
		return nil
	}
	return c.markDeployed(ctx, record.AccountAddress, &bundleID, "bundle")
}

func (c *DelegationCoordinator) markDeployed(ctx context.Context, address string, bundleID *string, source string) error {
	if err := c.delegations.MarkDeployed(ctx, address, bundleID, c.now()); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil
		}
		return apperrors.Database(err)
	}

	event := audit.Event{
		Type:      audit.EventDelegationDeployed,
		AccountID: address,
		Details:   map[string]interface{}{"source": source},
	}
	if bundleID != nil {
		event.BundleID = *bundleID
	}
	audit.Log(ctx, event)
	return nil
}

// Invalidate returns the record to unregistered so bootstrap can run again.
func (c *DelegationCoordinator) Invalidate(ctx context.Context, account common.Address, reason string) error {
	address := addressKey(account)
	if err := c.delegations.MarkUnregistered(ctx, address); err != nil {
		return apperrors.Database(err)
	}
	audit.Log(ctx, audit.Event{
		Type:      audit.EventDelegationInvalidate,
		AccountID: address,
		Details:   map[string]interface{}{"reason": reason},
	})
	return nil
}

// AuthorizedKeys lists the keys the relay sees on-chain for account.
func (c *DelegationCoordinator) AuthorizedKeys(ctx context.Context, account common.Address) (model.AuthorizedKeys, error) {
	keys, err := c.relay.GetAuthorizedKeys(ctx, account, c.chainID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = model.AuthorizedKeys{}
	}
	return keys, nil
}

// KeyAuthorized reports whether the relay lists publicKey as authorised on-chain.
func (c *DelegationCoordinator) KeyAuthorized(ctx context.Context, account common.Address, publicKey string) (bool, error) {
	keys, err := c.AuthorizedKeys(ctx, account)
	if err != nil {
		return false, err
	}
	return keys.Contains(publicKey), nil
}
