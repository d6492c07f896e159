package model

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Call is one target/value/payload entry of an intent. Data is opaque to the pipeline.
type Call struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

// Intent is an ordered batch of calls executed atomically under fee sponsorship.
// PreCalls are opaque relay payloads echoed back verbatim.
type Intent struct {
	Account   common.Address    `json:"from"`
	ChainID   uint64            `json:"chainId"`
	Calls     []Call            `json:"calls"`
	FeeToken  common.Address    `json:"feeToken"`
	Sponsored bool              `json:"sponsored"`
	PreCalls  []json.RawMessage `json:"preCalls,omitempty"`
}

func (i Intent) HasPreCalls() bool {
	return len(i.PreCalls) > 0
}
