package service

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pixelpets/gasless/internal/database"
	apperrors "github.com/pixelpets/gasless/internal/errors"
)

// TxRunner runs fn inside a single database transaction. *database.DB satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

var _ TxRunner = (*database.DB)(nil)

// addressKey is the canonical form accounts are stored and locked under.
func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// ParseAddress validates a hex account address from user input.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, apperrors.InvalidInput("address", "must be a 20-byte hex address")
	}
	return common.HexToAddress(s), nil
}

func ptr[T any](v T) *T {
	return &v
}
