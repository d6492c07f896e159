// Package app wires the shared dependency graph used by the server and the CLI.
package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/chain"
	"github.com/pixelpets/gasless/internal/config"
	"github.com/pixelpets/gasless/internal/database"
	"github.com/pixelpets/gasless/internal/intent"
	"github.com/pixelpets/gasless/internal/lock"
	"github.com/pixelpets/gasless/internal/petgame"
	redisclient "github.com/pixelpets/gasless/internal/redis"
	"github.com/pixelpets/gasless/internal/relay"
	"github.com/pixelpets/gasless/internal/repository"
	"github.com/pixelpets/gasless/internal/service"
	"github.com/pixelpets/gasless/internal/sse"
	"github.com/pixelpets/gasless/internal/util"
)

type App struct {
	Config *config.Config
	DB     *database.DB
	Redis  *redisclient.Client
	Relay  *relay.RPCClient
	Chain  *ethclient.Client
	Broker *sse.Broker
	// Pets is nil when PET_GAME_ADDRESS is unset.
	Pets *petgame.Contract

	Bundles    repository.BundleRepository
	Accounts   *service.AccountService
	Keys       *service.KeyManager
	Delegation *service.DelegationCoordinator
	Poller     *service.StatusPoller
	Submitter  *service.Submitter

	closers []func()
}

// New connects to every backend and builds the services. On error, whatever
// was already opened is closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	defer cancel()
	a.DB, err = database.Connect(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, func() { a.DB.Close() })
	log.Info().Msg("database connected")

	a.Redis, err = redisclient.NewClient(connectCtx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, func() { a.Redis.Close() })
	log.Info().Msg("redis connected")

	a.Relay, err = relay.Dial(ctx, cfg.RelayURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Relay.Close)

	a.Chain, err = chain.Dial(ctx, cfg.ChainRPCURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Chain.Close)

	if addr, ok := cfg.PetGame(); ok {
		if a.Pets, err = petgame.New(addr); err != nil {
			return nil, fmt.Errorf("load pet game abi: %w", err)
		}
	}

	ownerCipher, err := util.NewKeyCipher(cfg.EncryptionKey, util.PurposeOwnerKey)
	if err != nil {
		return nil, err
	}
	sessionCipher, err := util.NewKeyCipher(cfg.EncryptionKey, util.PurposeSessionKey)
	if err != nil {
		return nil, err
	}

	a.Broker = sse.NewBroker(a.Redis)
	a.closers = append(a.closers, a.Broker.Close)

	accountRepo := repository.NewAccountRepository(a.DB.DB)
	sessionRepo := repository.NewSessionKeyRepository(a.DB.DB)
	delegationRepo := repository.NewDelegationRepository(a.DB.DB)
	a.Bundles = repository.NewBundleRepository(a.DB.DB)

	a.Accounts = service.NewAccountService(accountRepo, ownerCipher)
	a.Keys = service.NewKeyManager(sessionRepo, accountRepo, a.DB, sessionCipher)
	a.Delegation = service.NewDelegationCoordinator(
		delegationRepo, accountRepo, a.Relay, cfg.ChainID, cfg.DelegationTargetAddress(),
	)
	var effects service.EffectResolver
	if a.Pets != nil {
		effects = a.Pets
	}
	a.Poller = service.NewStatusPoller(a.Relay, a.Bundles, a.Chain, effects, a.Broker, service.PollerConfig{
		Initial: cfg.PollInitialInterval(),
		Max:     cfg.PollMaxInterval(),
		Timeout: cfg.PollTimeout(),
	})

	locker := lock.NewRedisLocker(a.Redis.Client, config.AccountLockTTL, config.AccountLockRetryDelay)
	a.Submitter = service.NewSubmitter(
		intent.NewBuilder(cfg.ChainID),
		a.Relay,
		a.Keys,
		a.Accounts,
		a.Delegation,
		a.Poller,
		a.Bundles,
		locker,
		a.Chain,
		service.SubmitterConfig{
			MaxAttempts:  cfg.SubmitMaxAttempts,
			RetryInitial: config.SubmitRetryInitial,
			RetryMax:     config.SubmitRetryMax,
			FeeToken:     cfg.FeeTokenAddress(),
			BalanceGuard: true,
		},
	)

	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
