package model

type KeyRole string

const (
	KeyRoleAdmin  KeyRole = "admin"
	KeyRoleNormal KeyRole = "normal"
)

func (r KeyRole) Valid() bool {
	return r == KeyRoleAdmin || r == KeyRoleNormal
}

type DelegationState string

const (
	DelegationUnregistered     DelegationState = "unregistered"
	DelegationOffchainPrepared DelegationState = "offchain_prepared"
	DelegationOffchainStored   DelegationState = "offchain_stored"
	DelegationOnchainDeployed  DelegationState = "onchain_deployed"
)

// delegationTransitions lists the only moves the coordinator may make.
// Any pending state may fall back to unregistered when the relay reports the
// account as not delegated, and a prepared record may be refreshed in place.
// A deployed record goes back to prepared when its key set is extended.
var delegationTransitions = map[DelegationState][]DelegationState{
	DelegationUnregistered:     {DelegationOffchainPrepared},
	DelegationOffchainPrepared: {DelegationOffchainPrepared, DelegationOffchainStored, DelegationUnregistered},
	DelegationOffchainStored:   {DelegationOffchainPrepared, DelegationOnchainDeployed, DelegationUnregistered},
	DelegationOnchainDeployed:  {DelegationOffchainPrepared, DelegationUnregistered},
}

func (s DelegationState) CanTransitionTo(next DelegationState) bool {
	for _, allowed := range delegationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s DelegationState) Pending() bool {
	return s == DelegationOffchainPrepared || s == DelegationOffchainStored
}

type BundleStatus string

const (
	BundleStatusPending   BundleStatus = "pending"
	BundleStatusConfirmed BundleStatus = "confirmed"
	BundleStatusFailed    BundleStatus = "failed"
)

func (s BundleStatus) Terminal() bool {
	return s == BundleStatusConfirmed || s == BundleStatusFailed
}

type SignerRole string

const (
	SignerRoleOwner   SignerRole = "owner"
	SignerRoleSession SignerRole = "session"
)

type AttemptOutcome string

const (
	AttemptSent      AttemptOutcome = "sent"
	AttemptConfirmed AttemptOutcome = "confirmed"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptRejected  AttemptOutcome = "rejected"
)
