// Package petgame encodes calls and state reads for the pet game contract.
// The transaction pipeline treats the resulting payloads as opaque bytes.
package petgame

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/pixelpets/gasless/internal/chain"
	"github.com/pixelpets/gasless/internal/model"
)

const contractABI = `[
	{"type":"function","name":"createPet","stateMutability":"nonpayable",
	 "inputs":[{"name":"name","type":"string"}],"outputs":[]},
	{"type":"function","name":"feedPet","stateMutability":"nonpayable",
	 "inputs":[],"outputs":[]},
	{"type":"function","name":"getPet","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[
		{"name":"name","type":"string"},
		{"name":"hunger","type":"uint256"},
		{"name":"lastFed","type":"uint256"},
		{"name":"exists","type":"bool"}
	 ]}
]`

type Pet struct {
	Name    string
	Hunger  *big.Int
	LastFed *big.Int
	Exists  bool
}

type Contract struct {
	Address common.Address
	abi     abi.ABI
}

func New(address common.Address) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse pet game abi: %w", err)
	}
	return &Contract{Address: address, abi: parsed}, nil
}

func (c *Contract) call(method string, args ...any) (model.Call, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return model.Call{}, fmt.Errorf("encode %s: %w", method, err)
	}
	return model.Call{To: c.Address, Value: (*hexutil.Big)(new(big.Int)), Data: data}, nil
}

func (c *Contract) CreatePet(name string) (model.Call, error) {
	if name == "" {
		return model.Call{}, fmt.Errorf("pet name is required")
	}
	return c.call("createPet", name)
}

func (c *Contract) FeedPet() (model.Call, error) {
	return c.call("feedPet")
}

// EncodeGetPet returns calldata for the getPet view.
func (c *Contract) EncodeGetPet(owner common.Address) ([]byte, error) {
	return c.abi.Pack("getPet", owner)
}

func (c *Contract) DecodePet(out []byte) (*Pet, error) {
	var pet Pet
	if err := c.abi.UnpackIntoInterface(&pet, "getPet", out); err != nil {
		return nil, fmt.Errorf("decode getPet: %w", err)
	}
	return &pet, nil
}

// EncodePet produces getPet return data. Used by fakes standing in for the chain.
func (c *Contract) EncodePet(pet Pet) ([]byte, error) {
	hunger, lastFed := pet.Hunger, pet.LastFed
	if hunger == nil {
		hunger = new(big.Int)
	}
	if lastFed == nil {
		lastFed = new(big.Int)
	}
	return c.abi.Methods["getPet"].Outputs.Pack(pet.Name, hunger, lastFed, pet.Exists)
}

func (c *Contract) Get(ctx context.Context, r chain.Reader, owner common.Address) (*Pet, error) {
	data, err := c.EncodeGetPet(owner)
	if err != nil {
		return nil, err
	}
	out, err := r.CallContract(ctx, ethereum.CallMsg{To: &c.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("read pet: %w", err)
	}
	return c.DecodePet(out)
}

// DecodeCall returns the method name and arguments of pet game calldata.
func (c *Contract) DecodeCall(data []byte) (string, []any, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("calldata too short")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return "", nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", method.Name, err)
	}
	return method.Name, args, nil
}

// Effect kinds stored with bundles so their expectation can be rebuilt.
const (
	EffectPetNamed    = "pet_named"
	EffectPetFedSince = "pet_fed_since"
)

// PetNamed expects owner to hold a pet called name.
func (c *Contract) PetNamed(owner common.Address, name string) (chain.Expectation, error) {
	spec := &model.EffectSpec{Kind: EffectPetNamed, Owner: owner.Hex(), Name: name}
	return c.expect(owner, spec, fmt.Sprintf("pet %q for %s", name, owner.Hex()), func(p *Pet) bool {
		return p.Exists && p.Name == name
	})
}

// PetFedSince expects owner's pet to have been fed at or after since.
func (c *Contract) PetFedSince(owner common.Address, since time.Time) (chain.Expectation, error) {
	threshold := big.NewInt(since.Unix())
	spec := &model.EffectSpec{Kind: EffectPetFedSince, Owner: owner.Hex(), Since: since.Unix()}
	return c.expect(owner, spec, fmt.Sprintf("pet of %s fed since %d", owner.Hex(), since.Unix()), func(p *Pet) bool {
		return p.Exists && p.LastFed != nil && p.LastFed.Cmp(threshold) >= 0
	})
}

// Resolve rebuilds the expectation recorded as spec.
func (c *Contract) Resolve(spec model.EffectSpec) (chain.Expectation, error) {
	if !common.IsHexAddress(spec.Owner) {
		return nil, fmt.Errorf("effect %s: invalid owner %q", spec.Kind, spec.Owner)
	}
	owner := common.HexToAddress(spec.Owner)
	switch spec.Kind {
	case EffectPetNamed:
		return c.PetNamed(owner, spec.Name)
	case EffectPetFedSince:
		return c.PetFedSince(owner, time.Unix(spec.Since, 0))
	default:
		return nil, fmt.Errorf("unknown effect kind %q", spec.Kind)
	}
}

func (c *Contract) expect(owner common.Address, spec *model.EffectSpec, label string, check func(*Pet) bool) (chain.Expectation, error) {
	data, err := c.EncodeGetPet(owner)
	if err != nil {
		return nil, err
	}
	return chain.ContractState{
		Label:    label,
		Contract: c.Address,
		Data:     data,
		Predicate: func(out []byte) (bool, error) {
			pet, err := c.DecodePet(out)
			if err != nil {
				return false, err
			}
			return check(pet), nil
		},
		Effect: spec,
	}, nil
}
