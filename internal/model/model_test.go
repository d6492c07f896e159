package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelegationStateTransitions(t *testing.T) {
	tests := []struct {
		from, to DelegationState
		allowed  bool
	}{
		{DelegationUnregistered, DelegationOffchainPrepared, true},
		{DelegationUnregistered, DelegationOffchainStored, false},
		{DelegationUnregistered, DelegationOnchainDeployed, false},
		{DelegationOffchainPrepared, DelegationOffchainPrepared, true},
		{DelegationOffchainPrepared, DelegationOffchainStored, true},
		{DelegationOffchainPrepared, DelegationOnchainDeployed, false},
		{DelegationOffchainStored, DelegationOnchainDeployed, true},
		{DelegationOffchainStored, DelegationUnregistered, true},
		{DelegationOnchainDeployed, DelegationOffchainPrepared, true},
		{DelegationOnchainDeployed, DelegationOffchainStored, false},
		{DelegationOnchainDeployed, DelegationUnregistered, true},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}

	assert.True(t, DelegationOffchainStored.Pending())
	assert.False(t, DelegationOnchainDeployed.Pending())
}

func TestSessionKeyLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := SessionKey{CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	assert.True(t, s.Active(now))
	assert.Equal(t, time.Hour, s.TTL())
	assert.True(t, s.Expired(now.Add(time.Hour)), "expiry instant is already expired")
	assert.False(t, s.Active(now.Add(time.Hour)))

	next := "next"
	s.RotatedTo = &next
	assert.True(t, s.Rotated())
	assert.False(t, s.Active(now))
}

func TestAuthorizedKeys(t *testing.T) {
	keys := AuthorizedKeys{
		{PublicKey: "0xAA", Role: KeyRoleAdmin},
		{PublicKey: "0xbb", Role: KeyRoleNormal},
	}

	t.Run("set comparison ignores order and case", func(t *testing.T) {
		other := AuthorizedKeys{
			{PublicKey: "0xBB", Role: KeyRoleNormal},
			{PublicKey: "0xaa", Role: KeyRoleAdmin},
		}
		assert.True(t, keys.SameSet(other))
		assert.False(t, keys.SameSet(other[:1]))
		assert.True(t, other.Covers(keys[:1]))
		assert.False(t, other[:1].Covers(keys))
	})

	t.Run("unexpired drops lapsed keys only", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		mixed := AuthorizedKeys{
			{PublicKey: "0xaa", Role: KeyRoleAdmin},
			{PublicKey: "0xbb", Role: KeyRoleNormal, Expiry: now.Add(-time.Minute).Unix()},
			{PublicKey: "0xcc", Role: KeyRoleNormal, Expiry: now.Add(time.Minute).Unix()},
		}
		live := mixed.Unexpired(now)
		require.Len(t, live, 2)
		assert.True(t, live.Contains("0xAA"))
		assert.False(t, live.Contains("0xbb"))
		assert.True(t, live.Contains("0xcc"))
	})

	t.Run("round trips through the database encoding", func(t *testing.T) {
		v, err := keys.Value()
		require.NoError(t, err)

		var scanned AuthorizedKeys
		require.NoError(t, scanned.Scan([]byte(v.(string))))
		assert.Equal(t, keys, scanned)
		assert.True(t, scanned.HasAdmin())
	})

	t.Run("nil encodes as empty array", func(t *testing.T) {
		v, err := AuthorizedKeys(nil).Value()
		require.NoError(t, err)
		assert.Equal(t, "[]", v)
	})

	t.Run("rejects unsupported scan types", func(t *testing.T) {
		var scanned AuthorizedKeys
		assert.Error(t, scanned.Scan(42))
	})
}

func TestDelegationRecordHasPreCall(t *testing.T) {
	assert.False(t, (&DelegationRecord{}).HasPreCall())
	assert.False(t, (&DelegationRecord{PreCall: []byte("null")}).HasPreCall())
	assert.True(t, (&DelegationRecord{PreCall: []byte(`{"eoa":"0x1"}`)}).HasPreCall())
}

func TestReceipts(t *testing.T) {
	receipts := Receipts{{Status: 1, GasUsed: 100}, {Status: 0}}
	assert.True(t, receipts[0].Succeeded())
	assert.False(t, receipts[1].Succeeded())

	v, err := receipts.Value()
	require.NoError(t, err)
	var scanned Receipts
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, receipts, scanned)

	assert.True(t, BundleStatusFailed.Terminal())
	assert.False(t, BundleStatusPending.Terminal())
}
