package signer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSigner(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("intent"))

	t.Run("signature recovers to signer address", func(t *testing.T) {
		sig, err := s.SignDigest(digest)
		require.NoError(t, err)
		require.Len(t, sig, 65)
		assert.Contains(t, []byte{27, 28}, sig[64])

		addr, err := Recover(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, s.Address(), addr)
	})

	t.Run("digest is signed verbatim", func(t *testing.T) {
		sig, err := s.SignDigest(digest)
		require.NoError(t, err)

		prefixed := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest)
		addr, err := Recover(prefixed, sig)
		if err == nil {
			assert.NotEqual(t, s.Address(), addr)
		}
	})

	t.Run("rejects wrong digest length", func(t *testing.T) {
		_, err := s.SignDigest([]byte("short"))
		assert.Error(t, err)
	})

	t.Run("round trips through bytes", func(t *testing.T) {
		restored, err := FromBytes(s.Bytes())
		require.NoError(t, err)
		assert.Equal(t, s.Address(), restored.Address())
	})

	t.Run("parses hex keys with or without prefix", func(t *testing.T) {
		hexKey := hexutil.Encode(s.Bytes())
		a, err := FromHex(hexKey)
		require.NoError(t, err)
		b, err := FromHex(hexKey[2:])
		require.NoError(t, err)
		assert.Equal(t, a.Address(), b.Address())
	})
}

func TestSignHexDigest(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("delegation"))
	sig, err := SignHexDigest(s, hexutil.Encode(digest))
	require.NoError(t, err)

	addr, err := Recover(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	_, err = SignHexDigest(s, "not-hex")
	assert.Error(t, err)
}
