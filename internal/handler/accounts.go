package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/relay"
	"github.com/pixelpets/gasless/internal/service"
	"github.com/pixelpets/gasless/internal/signer"
	"github.com/pixelpets/gasless/internal/util"
)

type AccountService interface {
	Create(ctx context.Context, ownerKeyHex string) (*model.Account, error)
	Get(ctx context.Context, addr common.Address) (*model.Account, error)
	List(ctx context.Context, limit, offset int) ([]model.Account, int, error)
	OwnerSigner(ctx context.Context, addr common.Address) (signer.Signer, error)
}

type DelegationService interface {
	Bootstrap(ctx context.Context, req service.DelegationRequest, owner signer.Signer) (*model.DelegationRecord, error)
	Record(ctx context.Context, account common.Address) (*model.DelegationRecord, error)
	Reconcile(ctx context.Context, account common.Address) (*service.Reconciliation, error)
	AuthorizedKeys(ctx context.Context, account common.Address) (model.AuthorizedKeys, error)
}

type SessionService interface {
	CreateSession(ctx context.Context, owner common.Address, ttl time.Duration, opts ...service.SessionOption) (*model.SessionKey, error)
	Get(ctx context.Context, id string) (*model.SessionKey, error)
	ListForAccount(ctx context.Context, owner common.Address) ([]model.SessionKey, error)
	Rotate(ctx context.Context, id string) (*model.SessionKey, error)
	Attempts(ctx context.Context, id string) ([]model.SessionAttempt, error)
}

type AccountHandler struct {
	accounts   AccountService
	delegation DelegationService
	sessions   SessionService
	sessionTTL time.Duration
}

func NewAccountHandler(
	accounts AccountService,
	delegation DelegationService,
	sessions SessionService,
	sessionTTL time.Duration,
) *AccountHandler {
	return &AccountHandler{
		accounts:   accounts,
		delegation: delegation,
		sessions:   sessions,
		sessionTTL: sessionTTL,
	}
}

// Register adds the account routes to r, which is expected to be mounted at /v1.
func (h *AccountHandler) Register(r chi.Router) {
	r.Post("/accounts", h.Create)
	r.Get("/accounts", h.List)
	r.Get("/accounts/{address}", h.Get)
	r.Post("/accounts/{address}/delegation", h.Delegate)
	r.Get("/accounts/{address}/delegation", h.GetDelegation)
	r.Get("/accounts/{address}/keys", h.Keys)
	r.Post("/accounts/{address}/sessions", h.CreateSession)
	r.Get("/accounts/{address}/sessions", h.ListSessions)
}

// POST /v1/accounts
// Generates an owner key, or imports one when ownerKey is given.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerKey string `json:"ownerKey"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	account, err := h.accounts.Create(r.Context(), req.OwnerKey)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

// GET /v1/accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	accounts, total, err := h.accounts.List(r.Context(), page.Limit, page.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  accounts,
		"total":  total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// GET /v1/accounts/{address}
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	account, err := h.accounts.Get(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// POST /v1/accounts/{address}/delegation
// Runs prepare and store with the owner as admin plus any extra keys.
func (h *AccountHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Target string                `json:"target"`
		Keys   []model.AuthorizedKey `json:"keys"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()

	owner, err := h.accounts.OwnerSigner(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}

	var target common.Address
	if req.Target != "" {
		if target, err = service.ParseAddress(req.Target); err != nil {
			writeError(w, err)
			return
		}
	}

	keys := model.AuthorizedKeys{{
		PublicKey: owner.Address().Hex(),
		Role:      model.KeyRoleAdmin,
		Type:      relay.KeyTypeSecp256k1,
	}}
	for _, k := range req.Keys {
		if !util.IsValidEnum(string(k.Role), []string{string(model.KeyRoleAdmin), string(model.KeyRoleNormal)}) {
			writeError(w, apperrors.InvalidInput("role", "must be admin or normal"))
			return
		}
		if k.Role == "" {
			k.Role = model.KeyRoleNormal
		}
		if k.Type == "" {
			k.Type = relay.KeyTypeSecp256k1
		}
		if !keys.Contains(k.PublicKey) {
			keys = append(keys, k)
		}
	}

	record, err := h.delegation.Bootstrap(ctx, service.DelegationRequest{
		Account: addr,
		Target:  target,
		Keys:    keys,
	}, owner)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().
		Str("account", accountKey(addr)).
		Str("state", string(record.State)).
		Msg("delegation bootstrapped")

	writeJSON(w, http.StatusOK, record)
}

// GET /v1/accounts/{address}/delegation
// With ?reconcile=true the relay is asked whether the delegation landed.
func (h *AccountHandler) GetDelegation(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()

	if r.URL.Query().Get("reconcile") == "true" {
		rec, err := h.delegation.Reconcile(ctx, addr)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":    rec.State,
			"preCalls": len(rec.PreCalls),
		})
		return
	}

	record, err := h.delegation.Record(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	if record == nil {
		writeJSON(w, http.StatusOK, map[string]any{"state": model.DelegationUnregistered})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// GET /v1/accounts/{address}/keys
// Keys the relay reports as authorised on-chain, which may lag the local record.
func (h *AccountHandler) Keys(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	keys, err := h.delegation.AuthorizedKeys(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": keys})
}

// POST /v1/accounts/{address}/sessions
func (h *AccountHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		TTLSeconds int           `json:"ttlSeconds"`
		Role       model.KeyRole `json:"role"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ttl := h.sessionTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	var opts []service.SessionOption
	if req.Role != "" {
		opts = append(opts, service.WithRole(req.Role))
	}

	session, err := h.sessions.CreateSession(r.Context(), addr, ttl, opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// GET /v1/accounts/{address}/sessions
func (h *AccountHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sessions, err := h.sessions.ListForAccount(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.SessionKey{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
}
