package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AuthorizedKey is a key the delegated account should accept signatures from.
type AuthorizedKey struct {
	PublicKey string  `json:"publicKey"`
	Role      KeyRole `json:"role"`
	Type      string  `json:"type"`
	Expiry    int64   `json:"expiry"`
}

type AuthorizedKeys []AuthorizedKey

func (k AuthorizedKeys) Value() (driver.Value, error) {
	if k == nil {
		return "[]", nil
	}
	b, err := json.Marshal(k)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (k *AuthorizedKeys) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*k = nil
		return nil
	case []byte:
		return json.Unmarshal(v, k)
	case string:
		return json.Unmarshal([]byte(v), k)
	default:
		return fmt.Errorf("scan authorized keys: unsupported type %T", src)
	}
}

func (k AuthorizedKeys) HasAdmin() bool {
	for _, key := range k {
		if key.Role == KeyRoleAdmin {
			return true
		}
	}
	return false
}

// Contains reports whether publicKey is in the set, ignoring case.
func (k AuthorizedKeys) Contains(publicKey string) bool {
	for _, key := range k {
		if strings.EqualFold(key.PublicKey, publicKey) {
			return true
		}
	}
	return false
}

// Covers reports whether every key in required is present in k.
func (k AuthorizedKeys) Covers(required AuthorizedKeys) bool {
	for _, key := range required {
		if !k.Contains(key.PublicKey) {
			return false
		}
	}
	return true
}

// Unexpired returns the keys without an expiry or expiring after now.
func (k AuthorizedKeys) Unexpired(now time.Time) AuthorizedKeys {
	out := make(AuthorizedKeys, 0, len(k))
	for _, key := range k {
		if key.Expiry == 0 || key.Expiry > now.Unix() {
			out = append(out, key)
		}
	}
	return out
}

// SameSet compares key sets ignoring order and public key case.
func (k AuthorizedKeys) SameSet(other AuthorizedKeys) bool {
	if len(k) != len(other) {
		return false
	}
	a, b := k.fingerprints(), other.fingerprints()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (k AuthorizedKeys) fingerprints() []string {
	out := make([]string, len(k))
	for i, key := range k {
		out[i] = strings.ToLower(key.PublicKey) + "|" + string(key.Role)
	}
	sort.Strings(out)
	return out
}

// DelegationRecord tracks one account through the delegation bootstrap.
// PreCall is kept locally because relays may drop it after first use.
type DelegationRecord struct {
	AccountAddress string          `db:"account_address" json:"accountAddress"`
	Target         string          `db:"target" json:"target"`
	AuthorizedKeys AuthorizedKeys  `db:"authorized_keys" json:"authorizedKeys"`
	State          DelegationState `db:"state" json:"state"`
	AuthDigest     string          `db:"auth_digest" json:"authDigest"`
	ExecDigest     string          `db:"exec_digest" json:"execDigest"`
	Context        json.RawMessage `db:"context" json:"-"`
	PreCall        json.RawMessage `db:"pre_call" json:"preCall,omitempty"`
	DeployBundleID *string         `db:"deploy_bundle_id" json:"deployBundleId,omitempty"`
	StoredAt       *time.Time      `db:"stored_at" json:"storedAt,omitempty"`
	DeployedAt     *time.Time      `db:"deployed_at" json:"deployedAt,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}

func (r *DelegationRecord) HasPreCall() bool {
	s := strings.TrimSpace(string(r.PreCall))
	return s != "" && s != "null"
}

type UpsertDelegationParams struct {
	AccountAddress string
	Target         string
	AuthorizedKeys AuthorizedKeys
	AuthDigest     string
	ExecDigest     string
	Context        json.RawMessage
	PreCall        json.RawMessage
}
