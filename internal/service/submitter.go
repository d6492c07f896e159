package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/audit"
	"github.com/pixelpets/gasless/internal/chain"
	"github.com/pixelpets/gasless/internal/config"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/intent"
	"github.com/pixelpets/gasless/internal/lock"
	"github.com/pixelpets/gasless/internal/model"
	redisclient "github.com/pixelpets/gasless/internal/redis"
	"github.com/pixelpets/gasless/internal/relay"
	"github.com/pixelpets/gasless/internal/repository"
	"github.com/pixelpets/gasless/internal/signer"
)

type SubmitterConfig struct {
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	FeeToken     common.Address
	// BalanceGuard reads the account balance around each submission and
	// flags any decrease as a sponsorship violation.
	BalanceGuard bool
}

type SubmitRequest struct {
	Account common.Address
	Calls   []model.Call
	// SessionID pins the session key used once the account is delegated.
	// Empty selects the account's newest active session.
	SessionID string
	Expect    chain.Expectation
}

type SubmitResult struct {
	Bundle              *model.Bundle    `json:"bundle"`
	SignerRole          model.SignerRole `json:"signerRole"`
	SessionID           string           `json:"sessionId,omitempty"`
	PreCallsAttached    bool             `json:"preCallsAttached"`
	EffectChecked       bool             `json:"effectChecked"`
	Rebootstrapped      bool             `json:"rebootstrapped,omitempty"`
	BalanceBefore       *hexutil.Big     `json:"balanceBefore,omitempty"`
	BalanceAfter        *hexutil.Big     `json:"balanceAfter,omitempty"`
	SponsorshipViolated bool             `json:"sponsorshipViolated,omitempty"`
}

// Submitter runs the full prepare, sign, send and await flow for one account at a time.
type Submitter struct {
	builder    *intent.Builder
	relay      relay.Client
	keys       *KeyManager
	accounts   *AccountService
	delegation *DelegationCoordinator
	poller     *StatusPoller
	bundles    repository.BundleRepository
	locker     lock.Locker
	chain      chain.Reader
	cfg        SubmitterConfig
}

func NewSubmitter(
	builder *intent.Builder,
	relayClient relay.Client,
	keys *KeyManager,
	accounts *AccountService,
	delegation *DelegationCoordinator,
	poller *StatusPoller,
	bundles repository.BundleRepository,
	locker lock.Locker,
	reader chain.Reader,
	cfg SubmitterConfig,
) *Submitter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	s := &Submitter{
		builder:    builder,
		relay:      relayClient,
		keys:       keys,
		accounts:   accounts,
		delegation: delegation,
		poller:     poller,
		bundles:    bundles,
		locker:     locker,
		chain:      reader,
		cfg:        cfg,
	}
	poller.OnTerminal(s.afterTerminal)
	return s
}

// Submit holds the account lock until the bundle is terminal or ctx is done.
// The returned result is non-nil whenever a bundle was issued, even alongside an error.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if _, err := s.builder.Build(req.Account, req.Calls, s.cfg.FeeToken); err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, redisclient.AccountLockKey(addressKey(req.Account)))
	if err != nil {
		return nil, fmt.Errorf("acquire account lock: %w", err)
	}
	defer release()

	if err := s.ensureDelegation(ctx, req); err != nil {
		return nil, err
	}

	result, err := s.submitOnce(ctx, req)
	if result == nil && apperrors.HasCode(err, apperrors.ErrCodeDelegationNotActive) {
		if rerr := s.rebootstrap(ctx, req.Account); rerr != nil {
			log.Warn().Err(rerr).Str("account", addressKey(req.Account)).Msg("delegation re-bootstrap failed")
			return nil, err
		}
		result, err = s.submitOnce(ctx, req)
		if result != nil {
			result.Rebootstrapped = true
		}
	}
	return result, err
}

// Resume awaits a bundle issued earlier without resubmitting anything. The
// expectation stored with the bundle is checked even when expect is nil.
func (s *Submitter) Resume(ctx context.Context, bundleID string, expect chain.Expectation) (*SubmitResult, error) {
	outcome, err := s.poller.Await(ctx, bundleID, expect)
	if outcome == nil {
		return nil, err
	}

	bundle := outcome.Bundle
	result := &SubmitResult{
		Bundle:           bundle,
		SignerRole:       bundle.SignerRole,
		PreCallsAttached: bundle.PreCallsAttached,
		EffectChecked:    outcome.EffectChecked,
	}
	if bundle.SessionID != nil {
		result.SessionID = *bundle.SessionID
	}
	return result, err
}

// RecoverPending resumes bundles left pending past the poll timeout, typically by a
// process that exited mid-poll. It returns how many bundles reached a terminal status.
func (s *Submitter) RecoverPending(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.poller.cfg.Timeout)
	stranded, err := s.bundles.ListPending(ctx, cutoff, config.RecoverBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending bundles: %w", err)
	}

	var settled int64
	for _, bundle := range stranded {
		result, err := s.Resume(ctx, bundle.ID, nil)
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if result != nil && result.Bundle.Status.Terminal() {
			settled++
			continue
		}
		log.Warn().Err(err).Str("bundleId", bundle.ID).Msg("pending bundle still unresolved")
	}
	return settled, nil
}

// ensureDelegation bootstraps an account that has never been delegated, authorising
// the owner as admin and the active session, if any, as a normal key. A delegated
// account whose record lacks the session key is prepared again with the key added,
// and the update lands with the next intent.
func (s *Submitter) ensureDelegation(ctx context.Context, req SubmitRequest) error {
	session, err := s.resolveSession(ctx, req)
	switch {
	case err == nil:
	case req.SessionID != "" || !apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound):
		return err
	default:
		session = nil
	}

	state, err := s.delegation.State(ctx, req.Account)
	if err != nil {
		return err
	}

	var keys model.AuthorizedKeys
	if state == model.DelegationOffchainStored || state == model.DelegationOnchainDeployed {
		if session == nil {
			return nil
		}
		record, err := s.delegation.Record(ctx, req.Account)
		if err != nil {
			return err
		}
		if record.AuthorizedKeys.Contains(session.PublicKey) {
			return nil
		}
		keys = record.AuthorizedKeys.Unexpired(time.Now())
		log.Info().
			Str("account", addressKey(req.Account)).
			Str("sessionId", session.ID).
			Str("state", string(state)).
			Msg("authorising new session key")
	}

	owner, err := s.accounts.OwnerSigner(ctx, req.Account)
	if err != nil {
		return err
	}
	if !keys.HasAdmin() {
		keys = append(model.AuthorizedKeys{{
			PublicKey: owner.Address().Hex(),
			Role:      model.KeyRoleAdmin,
			Type:      relay.KeyTypeSecp256k1,
		}}, keys...)
	}
	if session != nil {
		keys = append(keys, model.AuthorizedKey{
			PublicKey: session.PublicKey,
			Role:      session.Role,
			Type:      relay.KeyTypeSecp256k1,
			Expiry:    session.ExpiresAt.Unix(),
		})
	}

	_, err = s.delegation.Bootstrap(ctx, DelegationRequest{Account: req.Account, Keys: keys}, owner)
	return err
}

func (s *Submitter) rebootstrap(ctx context.Context, account common.Address) error {
	record, err := s.delegation.Record(ctx, account)
	if err != nil {
		return err
	}
	owner, err := s.accounts.OwnerSigner(ctx, account)
	if err != nil {
		return err
	}
	if err := s.delegation.Invalidate(ctx, account, "relay reported delegation not active"); err != nil {
		return err
	}
	_, err = s.delegation.Bootstrap(ctx, DelegationRequest{
		Account: account,
		Target:  common.HexToAddress(record.Target),
		Keys:    record.AuthorizedKeys,
	}, owner)
	return err
}

func (s *Submitter) submitOnce(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	in, err := s.builder.Build(req.Account, req.Calls, s.cfg.FeeToken)
	if err != nil {
		return nil, err
	}

	before := s.balance(ctx, req.Account)

	prepared, err := s.prepare(ctx, in)
	if err != nil {
		return nil, s.annotatePrepareError(ctx, req.Account, err)
	}
	if !prepared.PreCallsAttached {
		rec, err := s.delegation.Reconcile(ctx, req.Account)
		if err != nil {
			return nil, err
		}
		if len(rec.PreCalls) > 0 {
			log.Info().Str("account", addressKey(req.Account)).Msg("relay dropped the deploy pre-call, attaching retained copy")
			prepared, err = s.prepare(ctx, intent.WithPreCalls(in, rec.PreCalls))
			if err != nil {
				return nil, s.annotatePrepareError(ctx, req.Account, err)
			}
		}
	}

	role := SignerRoleFor(prepared.PreCallsAttached)
	var (
		key     signer.Signer
		session *model.SessionKey
	)
	if role == model.SignerRoleOwner {
		key, err = s.accounts.OwnerSigner(ctx, req.Account)
	} else {
		session, err = s.resolveSession(ctx, req)
		if err == nil {
			key, err = s.keys.Signer(ctx, session.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	signature, err := key.SignDigest(prepared.Digest)
	if err != nil {
		return nil, fmt.Errorf("sign intent: %w", err)
	}

	signed := audit.Event{
		Type:      audit.EventIntentSigned,
		AccountID: addressKey(req.Account),
		Details: map[string]interface{}{
			"signer_role":        string(role),
			"public_key":         key.Address().Hex(),
			"pre_calls_attached": prepared.PreCallsAttached,
			"call_count":         len(in.Calls),
		},
	}
	if session != nil {
		signed.SessionID = session.ID
	}
	audit.Log(ctx, signed)

	bundleID, err := withRetry(ctx, s.cfg, "sendIntent", func() (string, error) {
		return s.relay.SendIntent(ctx, prepared, relay.Secp256k1Key(key.Address()), signature)
	})
	if err != nil {
		err = s.annotateSendError(ctx, req.Account, key.Address(), prepared.PreCallsAttached, err)
		if session != nil {
			s.keys.RecordAttempt(ctx, session.ID, nil, model.AttemptRejected, err)
		}
		return nil, err
	}

	result := &SubmitResult{
		SignerRole:       role,
		PreCallsAttached: prepared.PreCallsAttached,
		BalanceBefore:    (*hexutil.Big)(before),
	}
	params := model.CreateBundleParams{
		ID:               bundleID,
		AccountAddress:   addressKey(req.Account),
		SignerRole:       role,
		PreCallsAttached: prepared.PreCallsAttached,
	}
	if req.Expect != nil {
		params.Effect = req.Expect.Spec()
	}
	if session != nil {
		result.SessionID = session.ID
		params.SessionID = &session.ID
	}

	bundle, err := s.bundles.Create(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("bundleId", bundleID).Msg("bundle sent but not recorded")
		result.Bundle = &model.Bundle{
			ID:               bundleID,
			AccountAddress:   params.AccountAddress,
			SessionID:        params.SessionID,
			SignerRole:       role,
			PreCallsAttached: params.PreCallsAttached,
			Effect:           params.Effect,
			Status:           model.BundleStatusPending,
		}
		return result, apperrors.Database(err)
	}
	result.Bundle = bundle
	s.recordSent(ctx, req.Account, session, bundleID)

	log.Info().
		Str("bundleId", bundleID).
		Str("account", params.AccountAddress).
		Str("signerRole", string(role)).
		Bool("preCallsAttached", prepared.PreCallsAttached).
		Msg("intent sent")

	outcome, err := s.poller.Await(ctx, bundleID, req.Expect)
	if outcome == nil {
		return result, err
	}
	result.Bundle = outcome.Bundle
	result.EffectChecked = outcome.EffectChecked

	if before != nil {
		s.guardBalance(ctx, req.Account, outcome.Bundle.ID, before, result)
	}
	return result, err
}

func (s *Submitter) prepare(ctx context.Context, in model.Intent) (*relay.PreparedIntent, error) {
	return withRetry(ctx, s.cfg, "prepareIntent", func() (*relay.PreparedIntent, error) {
		return s.relay.PrepareIntent(ctx, in)
	})
}

func (s *Submitter) resolveSession(ctx context.Context, req SubmitRequest) (*model.SessionKey, error) {
	if req.SessionID == "" {
		return s.keys.CurrentForAccount(ctx, req.Account)
	}
	session, err := s.keys.GetActive(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.AccountAddress != addressKey(req.Account) {
		return nil, apperrors.KeyNotAuthorized(fmt.Sprintf("session %s does not belong to %s", session.ID, addressKey(req.Account)))
	}
	return session, nil
}

func (s *Submitter) recordSent(ctx context.Context, account common.Address, session *model.SessionKey, bundleID string) {
	if session == nil {
		s.accounts.RecordNonceMarker(ctx, account, bundleID)
		return
	}
	s.keys.RecordAttempt(ctx, session.ID, &bundleID, model.AttemptSent, nil)
	nonce, err := s.keys.NextNonce(ctx, session.ID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to advance session nonce")
		return
	}
	s.accounts.RecordNonceMarker(ctx, account, fmt.Sprintf("%s:%d", session.ID, nonce))
}

// afterTerminal records what a terminal bundle means for the delegation and session log.
// The poller runs it once per bundle, even when the submitting caller has gone.
// A confirmed bundle that carried the deploy pre-call deployed the delegation even
// when the intended call's effect was not observed.
func (s *Submitter) afterTerminal(ctx context.Context, bundle *model.Bundle, awaitErr error) {
	if bundle.Status == model.BundleStatusConfirmed && bundle.PreCallsAttached {
		account := common.HexToAddress(bundle.AccountAddress)
		if err := s.delegation.ConfirmDeployed(ctx, account, bundle.ID); err != nil {
			log.Error().Err(err).Str("bundleId", bundle.ID).Msg("failed to confirm delegation deployment")
		}
	}
	if bundle.SessionID == nil || !bundle.Status.Terminal() {
		return
	}
	outcome := model.AttemptConfirmed
	if awaitErr != nil {
		outcome = model.AttemptFailed
	}
	s.keys.RecordAttempt(ctx, *bundle.SessionID, &bundle.ID, outcome, awaitErr)
}

func (s *Submitter) balance(ctx context.Context, account common.Address) *big.Int {
	if !s.cfg.BalanceGuard || s.chain == nil {
		return nil
	}
	balance, err := chain.BalanceOf(ctx, s.chain, account)
	if err != nil {
		log.Warn().Err(err).Str("account", addressKey(account)).Msg("balance guard read failed")
		return nil
	}
	return balance
}

func (s *Submitter) guardBalance(ctx context.Context, account common.Address, bundleID string, before *big.Int, result *SubmitResult) {
	after := s.balance(ctx, account)
	if after == nil {
		return
	}
	result.BalanceAfter = (*hexutil.Big)(after)
	if after.Cmp(before) >= 0 {
		return
	}

	result.SponsorshipViolated = true
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSponsorshipViolation,
		AccountID: addressKey(account),
		BundleID:  bundleID,
		Details: map[string]interface{}{
			"balance_before": before.String(),
			"balance_after":  after.String(),
		},
	})
}

// annotatePrepareError marks a funding shortfall as eligible for the deploy-funding
// workaround while the delegation has not reached the chain yet.
func (s *Submitter) annotatePrepareError(ctx context.Context, account common.Address, err error) error {
	if !apperrors.HasCode(err, apperrors.ErrCodeRelayFundingShortfall) {
		return err
	}
	state, serr := s.delegation.State(ctx, account)
	deploying := serr == nil && state == model.DelegationOffchainStored
	return s.fundingShortfall(ctx, account, deploying, err)
}

func (s *Submitter) annotateSendError(ctx context.Context, account, key common.Address, preCallsAttached bool, err error) error {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return err
	}

	switch appErr.Code {
	case apperrors.ErrCodeRelayFundingShortfall:
		return s.fundingShortfall(ctx, account, preCallsAttached, err)
	case apperrors.ErrCodeKeyNotAuthorized:
		appErr.WithDetail("publicKey", key.Hex())
		authorized, kerr := s.delegation.KeyAuthorized(ctx, account, key.Hex())
		if kerr != nil {
			log.Warn().Err(kerr).Str("account", addressKey(account)).Msg("key authorisation lookup failed")
		} else {
			appErr.WithDetail("keyAuthorized", authorized)
		}
	}
	return err
}

func (s *Submitter) fundingShortfall(ctx context.Context, account common.Address, deploying bool, err error) error {
	if appErr, ok := apperrors.AsAppError(err); ok {
		appErr.WithDetail("deployFundingEligible", deploying)
	}
	audit.Log(ctx, audit.Event{
		Type:      audit.EventFundingShortfall,
		AccountID: addressKey(account),
		Details: map[string]interface{}{
			"deploy_funding_eligible": deploying,
			"error":                   err.Error(),
		},
	})
	return err
}

// withRetry retries fn on transient failures only, with exponential backoff,
// for at most cfg.MaxAttempts calls.
func withRetry[T any](ctx context.Context, cfg SubmitterConfig, op string, fn func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryInitial
	policy.MaxInterval = cfg.RetryMax
	policy.Multiplier = config.BackoffMultiplier
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.MaxAttempts-1)), ctx)
	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := fn()
		if err != nil && !apperrors.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, func(err error, next time.Duration) {
		log.Warn().Err(err).Str("op", op).Dur("retryIn", next).Msg("relay call failed, retrying")
	})
}
