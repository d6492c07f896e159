// Package chain reads on-chain state independently of the relay.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/pixelpets/gasless/internal/model"
)

// Reader is the read-only slice of ethclient the pipeline needs.
type Reader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Reader = (*ethclient.Client)(nil)

func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return ethclient.NewClient(c), nil
}

// Expectation is a post-condition checked after a bundle confirms.
// A successful receipt only proves the bundle did not revert.
// Spec returns nil when the expectation cannot be stored with the bundle.
type Expectation interface {
	Describe() string
	Observed(ctx context.Context, r Reader) (bool, error)
	Spec() *model.EffectSpec
}

// ContractState calls a view function and applies Predicate to the raw return data.
type ContractState struct {
	Label     string
	Contract  common.Address
	Data      []byte
	Predicate func(result []byte) (bool, error)
	Effect    *model.EffectSpec
}

func (c ContractState) Describe() string {
	return c.Label
}

func (c ContractState) Spec() *model.EffectSpec {
	return c.Effect
}

func (c ContractState) Observed(ctx context.Context, r Reader) (bool, error) {
	out, err := r.CallContract(ctx, ethereum.CallMsg{To: &c.Contract, Data: c.Data}, nil)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", c.Label, err)
	}
	return c.Predicate(out)
}

// BalanceOf reads the latest balance of account.
func BalanceOf(ctx context.Context, r Reader, account common.Address) (*big.Int, error) {
	balance, err := r.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}
