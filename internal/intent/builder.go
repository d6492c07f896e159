// Package intent assembles sponsored call batches. It performs no I/O.
package intent

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
)

type Builder struct {
	ChainID uint64
}

func NewBuilder(chainID uint64) *Builder {
	return &Builder{ChainID: chainID}
}

// Build returns a sponsored intent whose calls keep the caller's order.
// feeToken only marks which asset the sponsorship is accounted in; the zero
// address is the chain's native asset. A nil value is read as zero and
// payloads are copied, never inspected.
func (b *Builder) Build(account common.Address, calls []model.Call, feeToken common.Address) (model.Intent, error) {
	if account == (common.Address{}) {
		return model.Intent{}, apperrors.MalformedRequest("intent account is the zero address")
	}
	if len(calls) == 0 {
		return model.Intent{}, apperrors.MalformedRequest("intent has no calls")
	}

	out := make([]model.Call, len(calls))
	for i, c := range calls {
		if c.To == (common.Address{}) {
			return model.Intent{}, apperrors.MalformedRequest(fmt.Sprintf("call %d has no target", i))
		}
		value := new(big.Int)
		if c.Value != nil {
			if c.Value.ToInt().Sign() < 0 {
				return model.Intent{}, apperrors.MalformedRequest(fmt.Sprintf("call %d has a negative value", i))
			}
			value.Set(c.Value.ToInt())
		}
		out[i] = model.Call{
			To:    c.To,
			Value: (*hexutil.Big)(value),
			Data:  append(hexutil.Bytes(nil), c.Data...),
		}
	}

	return model.Intent{
		Account:   account,
		ChainID:   b.ChainID,
		Calls:     out,
		FeeToken:  feeToken,
		Sponsored: true,
	}, nil
}

// WithPreCalls returns a copy of in that carries explicit pre-calls.
func WithPreCalls(in model.Intent, preCalls []json.RawMessage) model.Intent {
	out := in
	out.Calls = append([]model.Call(nil), in.Calls...)
	out.PreCalls = make([]json.RawMessage, len(preCalls))
	for i, p := range preCalls {
		out.PreCalls[i] = append(json.RawMessage(nil), p...)
	}
	return out
}
