package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pixelpets/gasless/internal/database"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/intent"
	"github.com/pixelpets/gasless/internal/lock"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/petgame"
	"github.com/pixelpets/gasless/internal/relay"
	"github.com/pixelpets/gasless/internal/repository"
	"github.com/pixelpets/gasless/internal/signer"
	"github.com/pixelpets/gasless/internal/util"
)

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	testChainID    uint64 = 84532
	delegationImpl        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	gameAddress           = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// ---- in-memory repositories ----

type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

type memAccounts struct {
	mu          sync.Mutex
	rows        map[string]*model.Account
	delegations *memDelegations
}

func newMemAccounts(d *memDelegations) *memAccounts {
	return &memAccounts{rows: map[string]*model.Account{}, delegations: d}
}

func (r *memAccounts) FindByAddress(ctx context.Context, address string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[address]
	if !ok {
		return nil, nil
	}
	out := *a
	out.DelegationState = model.DelegationUnregistered
	if rec, _ := r.delegations.FindByAccount(ctx, address); rec != nil {
		out.DelegationState = rec.State
	}
	return &out, nil
}

func (r *memAccounts) FindAll(ctx context.Context, limit, offset int) ([]model.Account, error) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.rows))
	for k := range r.rows {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)

	var out []model.Account
	for i, k := range keys {
		if i < offset || len(out) >= limit {
			continue
		}
		a, _ := r.FindByAddress(ctx, k)
		out = append(out, *a)
	}
	return out, nil
}

func (r *memAccounts) Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[params.Address]; ok {
		return nil, fmt.Errorf("duplicate key")
	}
	now := time.Now()
	a := &model.Account{
		Address:            params.Address,
		DelegationState:    model.DelegationUnregistered,
		OwnerKeyCiphertext: params.OwnerKeyCiphertext,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.rows[params.Address] = a
	out := *a
	return &out, nil
}

func (r *memAccounts) UpdateNonceMarker(ctx context.Context, address, marker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.rows[address]; ok {
		a.NonceMarker = &marker
	}
	return nil
}

func (r *memAccounts) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows), nil
}

func (r *memAccounts) WithTx(tx *sqlx.Tx) repository.AccountRepository { return r }

type memSessions struct {
	mu       sync.Mutex
	rows     map[string]*model.SessionKey
	attempts []model.SessionAttempt
}

func newMemSessions() *memSessions {
	return &memSessions{rows: map[string]*model.SessionKey{}}
}

func (r *memSessions) Create(ctx context.Context, params model.CreateSessionKeyParams) (*model.SessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[params.ID]; ok {
		return nil, fmt.Errorf("duplicate session id %s", params.ID)
	}
	s := &model.SessionKey{
		ID:             params.ID,
		AccountAddress: params.AccountAddress,
		PublicKey:      params.PublicKey,
		KeyCiphertext:  params.KeyCiphertext,
		Role:           params.Role,
		CreatedAt:      params.CreatedAt,
		ExpiresAt:      params.ExpiresAt,
	}
	r.rows[s.ID] = s
	out := *s
	return &out, nil
}

func (r *memSessions) FindByID(ctx context.Context, id string) (*model.SessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	out := *s
	return &out, nil
}

func (r *memSessions) FindActiveByAccount(ctx context.Context, address string, now time.Time) (*model.SessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.SessionKey
	for _, s := range r.rows {
		if s.AccountAddress != address || !s.Active(now) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (r *memSessions) ListByAccount(ctx context.Context, address string) ([]model.SessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SessionKey
	for _, s := range r.rows {
		if s.AccountAddress == address {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memSessions) MarkRotated(ctx context.Context, id, rotatedTo string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.RotatedTo != nil {
		return repository.ErrStaleState
	}
	s.RotatedTo = &rotatedTo
	s.RotatedAt = &at
	return nil
}

func (r *memSessions) IncrementNonce(ctx context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return 0, fmt.Errorf("session %s not found", id)
	}
	s.Nonce++
	return s.Nonce, nil
}

func (r *memSessions) AppendAttempt(ctx context.Context, params model.CreateSessionAttemptParams) (*model.SessionAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := model.SessionAttempt{
		ID:        int64(len(r.attempts) + 1),
		SessionID: params.SessionID,
		BundleID:  params.BundleID,
		Outcome:   params.Outcome,
		ErrorCode: params.ErrorCode,
		CreatedAt: time.Now(),
	}
	r.attempts = append(r.attempts, a)
	return &a, nil
}

func (r *memSessions) ListAttempts(ctx context.Context, sessionID string) ([]model.SessionAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SessionAttempt
	for _, a := range r.attempts {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.rows {
		if s.Expired(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *memSessions) WithTx(tx *sqlx.Tx) repository.SessionKeyRepository { return r }

type memDelegations struct {
	mu   sync.Mutex
	rows map[string]*model.DelegationRecord
}

func newMemDelegations() *memDelegations {
	return &memDelegations{rows: map[string]*model.DelegationRecord{}}
}

func (r *memDelegations) FindByAccount(ctx context.Context, address string) (*model.DelegationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[address]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (r *memDelegations) Upsert(ctx context.Context, params model.UpsertDelegationParams) (*model.DelegationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	rec := &model.DelegationRecord{
		AccountAddress: params.AccountAddress,
		Target:         params.Target,
		AuthorizedKeys: params.AuthorizedKeys,
		State:          model.DelegationOffchainPrepared,
		AuthDigest:     params.AuthDigest,
		ExecDigest:     params.ExecDigest,
		Context:        params.Context,
		PreCall:        params.PreCall,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if old, ok := r.rows[params.AccountAddress]; ok {
		rec.CreatedAt = old.CreatedAt
	}
	r.rows[params.AccountAddress] = rec
	out := *rec
	return &out, nil
}

func (r *memDelegations) transition(address string, from, to model.DelegationState, apply func(*model.DelegationRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[address]
	if !ok || rec.State != from {
		return repository.ErrStaleState
	}
	rec.State = to
	apply(rec)
	return nil
}

func (r *memDelegations) MarkStored(ctx context.Context, address string, at time.Time) error {
	return r.transition(address, model.DelegationOffchainPrepared, model.DelegationOffchainStored, func(rec *model.DelegationRecord) {
		rec.StoredAt = &at
	})
}

func (r *memDelegations) MarkDeployed(ctx context.Context, address string, bundleID *string, at time.Time) error {
	return r.transition(address, model.DelegationOffchainStored, model.DelegationOnchainDeployed, func(rec *model.DelegationRecord) {
		rec.DeployBundleID = bundleID
		rec.DeployedAt = &at
	})
}

func (r *memDelegations) MarkUnregistered(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.rows[address]; ok {
		rec.State = model.DelegationUnregistered
		rec.StoredAt, rec.DeployedAt, rec.DeployBundleID = nil, nil, nil
	}
	return nil
}

func (r *memDelegations) WithTx(tx *sqlx.Tx) repository.DelegationRepository { return r }

func (r *memDelegations) state(address common.Address) model.DelegationState {
	rec, _ := r.FindByAccount(context.Background(), addressKey(address))
	if rec == nil {
		return model.DelegationUnregistered
	}
	return rec.State
}

type memBundles struct {
	mu   sync.Mutex
	rows map[string]*model.Bundle
}

func newMemBundles() *memBundles {
	return &memBundles{rows: map[string]*model.Bundle{}}
}

func (r *memBundles) Create(ctx context.Context, params model.CreateBundleParams) (*model.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	b := &model.Bundle{
		ID:               params.ID,
		AccountAddress:   params.AccountAddress,
		SessionID:        params.SessionID,
		SignerRole:       params.SignerRole,
		PreCallsAttached: params.PreCallsAttached,
		Effect:           params.Effect,
		Status:           model.BundleStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.rows[b.ID] = b
	out := *b
	return &out, nil
}

func (r *memBundles) FindByID(ctx context.Context, id string) (*model.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	out := *b
	return &out, nil
}

func (r *memBundles) ListByAccount(ctx context.Context, address string, limit int) ([]model.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Bundle
	for _, b := range r.rows {
		if b.AccountAddress == address && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *memBundles) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Bundle
	for _, b := range r.rows {
		if b.Status == model.BundleStatusPending && b.CreatedAt.Before(cutoff) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memBundles) UpdateStatus(ctx context.Context, id string, params model.UpdateBundleStatusParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("bundle %s not found", id)
	}
	b.Status = params.Status
	b.TxHash = params.TxHash
	b.GasUsed = params.GasUsed
	b.Receipts = params.Receipts
	return nil
}

func (r *memBundles) WithTx(tx *sqlx.Tx) repository.BundleRepository { return r }

// ---- chain ----

// fakeChain stands in for the chain RPC: balances plus pet game state.
type fakeChain struct {
	mu       sync.Mutex
	game     *petgame.Contract
	pets     map[common.Address]petgame.Pet
	balances map[common.Address]*big.Int
	readErr  error
}

func newFakeChain(game *petgame.Contract) *fakeChain {
	return &fakeChain{game: game, pets: map[common.Address]petgame.Pet{}, balances: map[common.Address]*big.Int{}}
}

func (c *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	if msg.To == nil || *msg.To != c.game.Address {
		return nil, fmt.Errorf("no contract at %v", msg.To)
	}
	owner := common.BytesToAddress(msg.Data[len(msg.Data)-common.AddressLength:])
	return c.game.EncodePet(c.pets[owner])
}

func (c *fakeChain) apply(account common.Address, call model.Call) {
	if call.To != c.game.Address {
		return
	}
	method, args, err := c.game.DecodeCall(call.Data)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch method {
	case "createPet":
		c.pets[account] = petgame.Pet{Name: args[0].(string), Hunger: big.NewInt(0), LastFed: big.NewInt(time.Now().Unix()), Exists: true}
	case "feedPet":
		pet := c.pets[account]
		pet.LastFed = big.NewInt(time.Now().Unix())
		c.pets[account] = pet
	}
}

func (c *fakeChain) pet(owner common.Address) petgame.Pet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pets[owner]
}

// ---- relay ----

// fakeDelegation is the relay's view of one account. pending holds a key update
// for a deployed account that lands with the next pre-call intent.
type fakeDelegation struct {
	keys       model.AuthorizedKeys
	pending    model.AuthorizedKeys
	authDigest []byte
	stored     bool
	deployed   bool
}

type fakePrepared struct {
	account  common.Address
	calls    []model.Call
	preCalls bool
	digest   []byte
}

// fakeRelay simulates a sponsoring relay: it verifies signatures against the
// delegation it holds and applies calls to the fake chain.
type fakeRelay struct {
	mu          sync.Mutex
	chain       *fakeChain
	delegations map[common.Address]*fakeDelegation
	prepared    map[string]*fakePrepared
	bundles     map[string]*fakeBundle
	seq         int

	// Errors returned, in order, before the call is served.
	prepareErrs []error
	sendErrs    []error

	dropPreCalls  bool
	skipEffect    bool
	revert        bool
	forgetOnce    bool
	pendingPolls  int
	charge        int64
	prepareCount  int
	sendCount     int
	signers       []common.Address
	open          map[common.Address]int
	overlaps      int
	preCallIntent []bool
}

type fakeBundle struct {
	account common.Address
	polls   int
	status  relay.BundleStatus
}

var _ relay.Client = (*fakeRelay)(nil)

func newFakeRelay(c *fakeChain) *fakeRelay {
	return &fakeRelay{
		chain:       c,
		delegations: map[common.Address]*fakeDelegation{},
		prepared:    map[string]*fakePrepared{},
		bundles:     map[string]*fakeBundle{},
		open:        map[common.Address]int{},
	}
}

func contextID(raw json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.ID
}

func (r *fakeRelay) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *fakeRelay) PrepareDelegation(ctx context.Context, req relay.DelegationRequest) (*relay.PreparedDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID("d")
	d := &fakeDelegation{
		keys:       req.Keys,
		authDigest: crypto.Keccak256([]byte(id + "/auth")),
	}
	if old, ok := r.delegations[req.Account]; ok && old.deployed {
		d.keys, d.pending, d.deployed = old.keys, req.Keys, true
	}
	r.delegations[req.Account] = d
	ctxJSON := fmt.Sprintf(`{"id":%q,"account":%q,"preCall":{"eip7702":%q,"target":%q}}`,
		id, req.Account.Hex(), hexutil.Encode(d.authDigest), req.Target.Hex())
	return &relay.PreparedDelegation{
		AuthDigest: d.authDigest,
		ExecDigest: crypto.Keccak256([]byte(id + "/exec")),
		Context:    json.RawMessage(ctxJSON),
		PreCall:    json.RawMessage(fmt.Sprintf(`{"eip7702":%q,"target":%q}`, hexutil.Encode(d.authDigest), req.Target.Hex())),
	}, nil
}

func (r *fakeRelay) StoreDelegation(ctx context.Context, delegationContext json.RawMessage, sigs relay.DelegationSignatures) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var v struct {
		Account common.Address `json:"account"`
	}
	if err := json.Unmarshal(delegationContext, &v); err != nil {
		return apperrors.MalformedRequest("bad context")
	}
	d, ok := r.delegations[v.Account]
	if !ok {
		return apperrors.MalformedRequest("unknown delegation")
	}
	got, err := signer.Recover(d.authDigest, sigs.Auth)
	if err != nil || got != v.Account {
		return apperrors.KeyNotAuthorized("delegation must be signed by the account")
	}
	d.stored = true
	return nil
}

func (r *fakeRelay) PrepareIntent(ctx context.Context, in model.Intent) (*relay.PreparedIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareCount++
	if len(r.prepareErrs) > 0 {
		err := r.prepareErrs[0]
		r.prepareErrs = r.prepareErrs[1:]
		return nil, err
	}
	if r.open[in.Account] > 0 {
		r.overlaps++
	}

	d, ok := r.delegations[in.Account]
	if !ok || (!d.stored && !d.deployed) {
		return nil, apperrors.DelegationNotActive(in.Account.Hex())
	}
	if !in.Sponsored {
		return nil, apperrors.RelayFundingShortfall("intent is not sponsored")
	}

	keyUpdate := d.stored && d.pending != nil
	preCalls := in.HasPreCalls() || ((!d.deployed || keyUpdate) && !r.dropPreCalls)
	id := r.nextID("i")
	p := &fakePrepared{
		account:  in.Account,
		calls:    in.Calls,
		preCalls: preCalls,
		digest:   crypto.Keccak256([]byte(id)),
	}
	r.prepared[id] = p
	return &relay.PreparedIntent{
		Digest:           p.digest,
		Context:          json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		PreCallsAttached: preCalls,
	}, nil
}

func (r *fakeRelay) SendIntent(ctx context.Context, prepared *relay.PreparedIntent, key relay.KeyRef, signature hexutil.Bytes) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendCount++
	if len(r.sendErrs) > 0 {
		err := r.sendErrs[0]
		r.sendErrs = r.sendErrs[1:]
		return "", err
	}

	p, ok := r.prepared[contextID(prepared.Context)]
	if !ok {
		return "", apperrors.MalformedRequest("unknown context")
	}
	d := r.delegations[p.account]
	if r.forgetOnce {
		r.forgetOnce = false
		d.stored, d.deployed = false, false
		return "", apperrors.DelegationNotActive(p.account.Hex())
	}

	got, err := signer.Recover(p.digest, signature)
	if err != nil || !strings.EqualFold(got.Hex(), key.PublicKey) {
		return "", apperrors.KeyNotAuthorized("signature does not match key")
	}
	if p.preCalls {
		if got != p.account {
			return "", apperrors.KeyNotAuthorized("pre-call intents must be signed by the account")
		}
	} else if !d.deployed || !d.keys.Contains(got.Hex()) {
		return "", apperrors.KeyNotAuthorized("key is not authorised on-chain")
	}

	r.signers = append(r.signers, got)
	r.preCallIntent = append(r.preCallIntent, p.preCalls)
	r.open[p.account]++

	if p.preCalls {
		d.deployed = true
		if d.pending != nil {
			d.keys, d.pending = d.pending, nil
		}
	}
	if r.charge > 0 {
		r.chain.mu.Lock()
		bal := new(big.Int)
		if b, ok := r.chain.balances[p.account]; ok {
			bal.Set(b)
		}
		r.chain.balances[p.account] = bal.Sub(bal, big.NewInt(r.charge))
		r.chain.mu.Unlock()
	}
	receiptStatus := hexutil.Uint64(1)
	if r.revert {
		receiptStatus = 0
	} else if !r.skipEffect {
		for _, c := range p.calls {
			r.chain.apply(p.account, c)
		}
	}

	id := "0x" + strings.Repeat("0", 8) + fmt.Sprintf("%056x", r.seq+1000)
	r.seq++
	r.bundles[id] = &fakeBundle{
		account: p.account,
		status: relay.BundleStatus{
			ID:   id,
			Code: relay.StatusConfirmed,
			Receipts: model.Receipts{{
				Status:          receiptStatus,
				TransactionHash: common.BytesToHash(crypto.Keccak256([]byte(id))),
				BlockNumber:     100,
				GasUsed:         21000,
			}},
		},
	}
	return id, nil
}

func (r *fakeRelay) GetBundleStatus(ctx context.Context, bundleID string) (*relay.BundleStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bundles[bundleID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeRelayRejected, "unknown bundle")
	}
	b.polls++
	if b.polls <= r.pendingPolls {
		return &relay.BundleStatus{ID: bundleID, Code: relay.StatusPending}, nil
	}
	if b.polls == r.pendingPolls+1 {
		r.open[b.account]--
	}
	st := b.status
	return &st, nil
}

func (r *fakeRelay) GetAuthorizedKeys(ctx context.Context, account common.Address, chainID uint64) (model.AuthorizedKeys, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.delegations[account]
	if !ok || !d.deployed {
		return model.AuthorizedKeys{}, nil
	}
	return d.keys, nil
}

// mockRelay is a mock.Mock relay for tests that script individual calls.
type mockRelay struct {
	mock.Mock
}

var _ relay.Client = (*mockRelay)(nil)

func (m *mockRelay) PrepareDelegation(ctx context.Context, req relay.DelegationRequest) (*relay.PreparedDelegation, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*relay.PreparedDelegation), args.Error(1)
}

func (m *mockRelay) StoreDelegation(ctx context.Context, delegationContext json.RawMessage, sigs relay.DelegationSignatures) error {
	args := m.Called(ctx, delegationContext, sigs)
	return args.Error(0)
}

func (m *mockRelay) PrepareIntent(ctx context.Context, in model.Intent) (*relay.PreparedIntent, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*relay.PreparedIntent), args.Error(1)
}

func (m *mockRelay) SendIntent(ctx context.Context, prepared *relay.PreparedIntent, key relay.KeyRef, signature hexutil.Bytes) (string, error) {
	args := m.Called(ctx, prepared, key, signature)
	return args.String(0), args.Error(1)
}

func (m *mockRelay) GetBundleStatus(ctx context.Context, bundleID string) (*relay.BundleStatus, error) {
	args := m.Called(ctx, bundleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*relay.BundleStatus), args.Error(1)
}

func (m *mockRelay) GetAuthorizedKeys(ctx context.Context, account common.Address, chainID uint64) (model.AuthorizedKeys, error) {
	args := m.Called(ctx, account, chainID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.AuthorizedKeys), args.Error(1)
}

// ---- events ----

type recordedEvent struct {
	account   string
	eventType string
	payload   any
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingEvents) PublishJSON(ctx context.Context, account, eventType string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{account: account, eventType: eventType, payload: payload})
	return nil
}

func (e *recordingEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// ---- harness ----

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const defaultTestTTL = time.Hour

var fastPoll = PollerConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Timeout: 2 * time.Second}

type harness struct {
	accountsRepo *memAccounts
	sessionsRepo *memSessions
	delegations  *memDelegations
	bundles      *memBundles
	chain        *fakeChain
	relay        *fakeRelay
	game         *petgame.Contract
	events       *recordingEvents

	accounts    *AccountService
	keys        *KeyManager
	coordinator *DelegationCoordinator
	poller      *StatusPoller
	submitter   *Submitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	game, err := petgame.New(gameAddress)
	require.NoError(t, err)
	sessionCipher, err := util.NewKeyCipher(testEncryptionKey, util.PurposeSessionKey)
	require.NoError(t, err)
	ownerCipher, err := util.NewKeyCipher(testEncryptionKey, util.PurposeOwnerKey)
	require.NoError(t, err)

	h := &harness{
		delegations:  newMemDelegations(),
		sessionsRepo: newMemSessions(),
		bundles:      newMemBundles(),
		game:         game,
		events:       &recordingEvents{},
	}
	h.accountsRepo = newMemAccounts(h.delegations)
	h.chain = newFakeChain(game)
	h.relay = newFakeRelay(h.chain)

	h.accounts = NewAccountService(h.accountsRepo, ownerCipher)
	h.keys = NewKeyManager(h.sessionsRepo, h.accountsRepo, fakeTx{}, sessionCipher)
	h.coordinator = NewDelegationCoordinator(h.delegations, h.accountsRepo, h.relay, testChainID, delegationImpl)
	h.poller = NewStatusPoller(h.relay, h.bundles, h.chain, h.game, h.events, fastPoll)
	h.submitter = NewSubmitter(
		intent.NewBuilder(testChainID),
		h.relay,
		h.keys,
		h.accounts,
		h.coordinator,
		h.poller,
		h.bundles,
		lock.NewLocalLocker(),
		h.chain,
		SubmitterConfig{
			MaxAttempts:  3,
			RetryInitial: time.Millisecond,
			RetryMax:     2 * time.Millisecond,
			BalanceGuard: true,
		},
	)
	return h
}

func (h *harness) newAccount(t *testing.T) common.Address {
	t.Helper()
	account, err := h.accounts.Create(context.Background(), "")
	require.NoError(t, err)
	return common.HexToAddress(account.Address)
}

func ownerKeys(owner common.Address, extra ...model.AuthorizedKey) model.AuthorizedKeys {
	keys := model.AuthorizedKeys{{PublicKey: owner.Hex(), Role: model.KeyRoleAdmin, Type: relay.KeyTypeSecp256k1}}
	return append(keys, extra...)
}
