package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pixelpets/gasless/internal/audit"
	"github.com/pixelpets/gasless/internal/chain"
	"github.com/pixelpets/gasless/internal/config"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/relay"
	"github.com/pixelpets/gasless/internal/repository"
	"github.com/pixelpets/gasless/internal/sse"
)

var (
	errStillPending  = errors.New("bundle still pending")
	errNoChainReader = errors.New("no chain reader configured")
)

// BundleEvents publishes bundle status changes to an account's subscribers.
type BundleEvents interface {
	PublishJSON(ctx context.Context, account, eventType string, payload any) error
}

var _ BundleEvents = (*sse.Broker)(nil)

// EffectResolver rebuilds an expectation from the spec stored with its bundle.
type EffectResolver interface {
	Resolve(spec model.EffectSpec) (chain.Expectation, error)
}

// TerminalHook runs inside the poll loop once it moves a bundle to a terminal
// status, whether or not any caller is still waiting. err is the outcome every
// awaiting caller sees.
type TerminalHook func(ctx context.Context, bundle *model.Bundle, err error)

type PollerConfig struct {
	Initial time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// Outcome is the terminal state of a bundle as seen by one awaiting caller.
type Outcome struct {
	Bundle        *model.Bundle `json:"bundle"`
	Expectation   string        `json:"expectation,omitempty"`
	EffectChecked bool          `json:"effectChecked"`
}

// settlement is what one poll loop learned about a bundle. It is shared by every
// waiter, so it is never mutated after the loop returns it.
type settlement struct {
	bundle      *model.Bundle
	expectation string
	checked     bool
	observed    bool
	readErr     error
}

func (s *settlement) err() error {
	switch {
	case s.bundle.Status == model.BundleStatusFailed:
		return apperrors.BundleFailed(s.bundle.ID).WithDetail("preCallsAttached", s.bundle.PreCallsAttached)
	case errors.Is(s.readErr, errNoChainReader):
		return apperrors.Internal("no chain reader configured to verify " + s.expectation)
	case s.readErr != nil:
		return apperrors.Transient("read post-condition", s.readErr)
	case s.checked && !s.observed:
		return apperrors.EffectNotObserved(s.bundle.ID, s.expectation).
			WithDetail("preCallsAttached", s.bundle.PreCallsAttached)
	}
	return nil
}

// StatusPoller waits for bundles to reach a terminal status. Concurrent awaits of
// one bundle share a single poll loop, and the loop outlives callers that give up.
type StatusPoller struct {
	relay      relay.Client
	bundles    repository.BundleRepository
	chain      chain.Reader
	resolver   EffectResolver
	events     BundleEvents
	cfg        PollerConfig
	group      singleflight.Group
	onTerminal TerminalHook
}

func NewStatusPoller(
	relayClient relay.Client,
	bundles repository.BundleRepository,
	reader chain.Reader,
	resolver EffectResolver,
	events BundleEvents,
	cfg PollerConfig,
) *StatusPoller {
	return &StatusPoller{
		relay:    relayClient,
		bundles:  bundles,
		chain:    reader,
		resolver: resolver,
		events:   events,
		cfg:      cfg,
	}
}

// OnTerminal registers the hook run when a bundle settles. Set it before the
// first Await.
func (p *StatusPoller) OnTerminal(hook TerminalHook) {
	p.onTerminal = hook
}

// Await blocks until bundleID is terminal, the poll timeout passes, or ctx is done.
// A confirmed bundle only counts as success once its expectation is observed
// on-chain. The expectation stored with the bundle takes precedence over expect.
func (p *StatusPoller) Await(ctx context.Context, bundleID string, expect chain.Expectation) (*Outcome, error) {
	ch := p.group.DoChan(bundleID, func() (any, error) {
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
		defer cancel()
		return p.poll(pollCtx, bundleID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	settled := res.Val.(*settlement)
	bundle := *settled.bundle
	if !settled.checked && expect != nil && bundle.Status == model.BundleStatusConfirmed {
		settled = p.evaluate(ctx, &bundle, expect)
	}

	err := settled.err()
	return &Outcome{
		Bundle:        &bundle,
		Expectation:   settled.expectation,
		EffectChecked: settled.checked && err == nil,
	}, err
}

// settle checks the expectation stored with a confirmed bundle.
func (p *StatusPoller) settle(ctx context.Context, bundle *model.Bundle) *settlement {
	if bundle.Status != model.BundleStatusConfirmed || bundle.Effect == nil {
		return &settlement{bundle: bundle}
	}
	if p.resolver == nil {
		log.Warn().Str("bundleId", bundle.ID).Str("effect", bundle.Effect.Kind).Msg("no resolver for stored effect")
		return &settlement{bundle: bundle}
	}
	expect, err := p.resolver.Resolve(*bundle.Effect)
	if err != nil {
		log.Warn().Err(err).Str("bundleId", bundle.ID).Msg("stored effect could not be rebuilt")
		return &settlement{bundle: bundle}
	}
	return p.evaluate(ctx, bundle, expect)
}

func (p *StatusPoller) evaluate(ctx context.Context, bundle *model.Bundle, expect chain.Expectation) *settlement {
	s := &settlement{bundle: bundle, expectation: expect.Describe(), checked: true}
	if p.chain == nil {
		s.readErr = errNoChainReader
		return s
	}

	s.observed, s.readErr = expect.Observed(ctx, p.chain)
	if s.readErr != nil || s.observed {
		return s
	}

	log.Warn().
		Str("bundleId", bundle.ID).
		Str("account", bundle.AccountAddress).
		Bool("preCallsAttached", bundle.PreCallsAttached).
		Str("expectation", s.expectation).
		Msg("bundle confirmed but effect not observed")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventEffectNotObserved,
		AccountID: bundle.AccountAddress,
		BundleID:  bundle.ID,
		Details: map[string]interface{}{
			"expectation":        s.expectation,
			"pre_calls_attached": bundle.PreCallsAttached,
		},
	})
	return s
}

func (p *StatusPoller) poll(ctx context.Context, bundleID string) (*settlement, error) {
	bundle, err := p.bundles.FindByID(ctx, bundleID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if bundle == nil {
		return nil, apperrors.NotFound("Bundle")
	}
	if bundle.Status.Terminal() {
		return p.settle(ctx, bundle), nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.Initial
	policy.MaxInterval = p.cfg.Max
	policy.Multiplier = config.BackoffMultiplier
	policy.MaxElapsedTime = 0

	attempt := 0
	status, err := backoff.RetryNotifyWithData(func() (*relay.BundleStatus, error) {
		attempt++
		st, err := p.relay.GetBundleStatus(ctx, bundleID)
		if err != nil {
			if apperrors.IsRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if st.Pending() {
			return nil, errStillPending
		}
		return st, nil
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		log.Debug().
			Err(err).
			Str("bundleId", bundleID).
			Int("attempt", attempt).
			Dur("next", next).
			Msg("bundle not terminal yet")
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStillPending) {
			log.Warn().Str("bundleId", bundleID).Int("attempts", attempt).Msg("bundle poll timed out")
			return nil, apperrors.PollTimeout(bundleID)
		}
		return nil, err
	}

	update := model.UpdateBundleStatusParams{
		Status:   model.BundleStatusFailed,
		Receipts: status.Receipts,
	}
	if status.Succeeded() {
		update.Status = model.BundleStatusConfirmed
	}
	if len(status.Receipts) > 0 {
		update.TxHash = ptr(status.Receipts[0].TransactionHash.Hex())
		var gas int64
		for _, r := range status.Receipts {
			gas += int64(r.GasUsed)
		}
		update.GasUsed = &gas
	}

	if err := p.bundles.UpdateStatus(ctx, bundleID, update); err != nil {
		return nil, apperrors.Database(err)
	}
	bundle.Status = update.Status
	bundle.TxHash = update.TxHash
	bundle.GasUsed = update.GasUsed
	bundle.Receipts = update.Receipts

	log.Info().
		Str("bundleId", bundleID).
		Str("account", bundle.AccountAddress).
		Str("status", string(bundle.Status)).
		Int("relayStatus", status.Code).
		Int("attempts", attempt).
		Msg("bundle reached terminal status")

	p.publish(ctx, bundle)

	settled := p.settle(ctx, bundle)
	if p.onTerminal != nil {
		snapshot := *bundle
		p.onTerminal(ctx, &snapshot, settled.err())
	}
	return settled, nil
}

func (p *StatusPoller) publish(ctx context.Context, bundle *model.Bundle) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishJSON(ctx, bundle.AccountAddress, sse.EventBundleStatus, bundle); err != nil {
		log.Error().Err(err).Str("bundleId", bundle.ID).Msg("failed to publish bundle status")
	}
}
