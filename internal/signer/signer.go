// Package signer holds secp256k1 keys and signs relay-provided digests.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DigestLength is the only digest size a relay hands out for signing.
const DigestLength = 32

// Signer signs 32-byte digests verbatim. No prefix or re-hashing is applied:
// the relay already computed the exact digest the account contract verifies.
type Signer interface {
	Address() common.Address
	SignDigest(digest []byte) ([]byte, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var _ Signer = (*LocalSigner)(nil)

func Generate() (*LocalSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newLocalSigner(key), nil
}

func FromBytes(b []byte) (*LocalSigner, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newLocalSigner(key), nil
}

func FromHex(s string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newLocalSigner(key), nil
}

func newLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *LocalSigner) Address() common.Address {
	return s.addr
}

// Bytes returns the raw private key for sealing at rest.
func (s *LocalSigner) Bytes() []byte {
	return crypto.FromECDSA(s.key)
}

// SignDigest returns a 65-byte [R || S || V] signature with V in {27, 28}.
func (s *LocalSigner) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != DigestLength {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", DigestLength, len(digest))
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignHexDigest decodes a 0x-prefixed digest and signs it.
func SignHexDigest(s Signer, digest string) (hexutil.Bytes, error) {
	raw, err := hexutil.Decode(digest)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	sig, err := s.SignDigest(raw)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Recover returns the address that produced sig over digest.
func Recover(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
