package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/audit"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/repository"
	"github.com/pixelpets/gasless/internal/signer"
	"github.com/pixelpets/gasless/internal/util"
)

type AccountService struct {
	accounts repository.AccountRepository
	cipher   *util.KeyCipher
}

func NewAccountService(accounts repository.AccountRepository, cipher *util.KeyCipher) *AccountService {
	return &AccountService{accounts: accounts, cipher: cipher}
}

// Create registers an account controlled by an owner key. When ownerKeyHex is
// empty a fresh key is generated. The key is stored encrypted, bound to its address.
func (s *AccountService) Create(ctx context.Context, ownerKeyHex string) (*model.Account, error) {
	var (
		owner *signer.LocalSigner
		err   error
	)
	if ownerKeyHex == "" {
		owner, err = signer.Generate()
	} else {
		owner, err = signer.FromHex(ownerKeyHex)
		if err != nil {
			return nil, apperrors.InvalidInput("ownerKey", "must be a hex-encoded secp256k1 private key")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("generate owner key: %w", err)
	}

	address := addressKey(owner.Address())
	existing, err := s.accounts.FindByAddress(ctx, address)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("account %s already exists", address))
	}

	ciphertext, err := s.cipher.Seal(owner.Bytes(), address)
	if err != nil {
		return nil, fmt.Errorf("encrypt owner key: %w", err)
	}

	account, err := s.accounts.Create(ctx, model.CreateAccountParams{
		Address:            address,
		OwnerKeyCiphertext: &ciphertext,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventAccountCreate,
		AccountID: address,
		Details:   map[string]interface{}{"imported": ownerKeyHex != ""},
	})

	return account, nil
}

func (s *AccountService) Get(ctx context.Context, addr common.Address) (*model.Account, error) {
	account, err := s.accounts.FindByAddress(ctx, addressKey(addr))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}
	return account, nil
}

func (s *AccountService) List(ctx context.Context, limit, offset int) ([]model.Account, int, error) {
	accounts, err := s.accounts.FindAll(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	total, err := s.accounts.Count(ctx)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	return accounts, total, nil
}

// OwnerSigner decrypts the account's owner key.
func (s *AccountService) OwnerSigner(ctx context.Context, addr common.Address) (signer.Signer, error) {
	account, err := s.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !account.HasOwnerKey() {
		return nil, apperrors.KeyNotAuthorized(fmt.Sprintf("no owner key held for %s", account.Address))
	}

	raw, err := s.cipher.Open(*account.OwnerKeyCiphertext, account.Address)
	if err != nil {
		return nil, fmt.Errorf("decrypt owner key: %w", err)
	}
	owner, err := signer.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("load owner key: %w", err)
	}
	if addressKey(owner.Address()) != account.Address {
		return nil, apperrors.Internal(fmt.Sprintf("owner key does not control %s", account.Address))
	}
	return owner, nil
}

// RecordNonceMarker remembers the last nonce issued for the account.
func (s *AccountService) RecordNonceMarker(ctx context.Context, addr common.Address, marker string) {
	if err := s.accounts.UpdateNonceMarker(ctx, addressKey(addr), marker); err != nil {
		log.Error().Err(err).Str("account", addressKey(addr)).Msg("failed to record nonce marker")
	}
}
