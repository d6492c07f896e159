package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/chain"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/petgame"
	"github.com/pixelpets/gasless/internal/service"
	"github.com/pixelpets/gasless/internal/util"
)

const bundleListLimit = 50

type IntentSubmitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	Resume(ctx context.Context, bundleID string, expect chain.Expectation) (*service.SubmitResult, error)
}

type BundleStore interface {
	FindByID(ctx context.Context, id string) (*model.Bundle, error)
	ListByAccount(ctx context.Context, address string, limit int) ([]model.Bundle, error)
}

type IntentHandler struct {
	submitter IntentSubmitter
	bundles   BundleStore
	pets      *petgame.Contract
	reader    chain.Reader
	now       func() time.Time
}

// NewIntentHandler builds the submission endpoints. pets may be nil when no
// game contract is configured; pet actions are then rejected.
func NewIntentHandler(
	submitter IntentSubmitter,
	bundles BundleStore,
	pets *petgame.Contract,
	reader chain.Reader,
) *IntentHandler {
	return &IntentHandler{
		submitter: submitter,
		bundles:   bundles,
		pets:      pets,
		reader:    reader,
		now:       time.Now,
	}
}

// Register adds the submission routes. submitLimit wraps only the submit endpoint.
func (h *IntentHandler) Register(r chi.Router, submitLimit ...func(http.Handler) http.Handler) {
	r.With(submitLimit...).Post("/accounts/{address}/intents", h.Submit)
	r.Get("/accounts/{address}/bundles", h.ListBundles)
	r.Get("/accounts/{address}/pet", h.GetPet)
	r.Get("/bundles/{id}", h.GetBundle)
	r.Post("/bundles/{id}/await", h.AwaitBundle)
}

type petAction struct {
	Action string `json:"action"`
	Name   string `json:"name"`
}

type submitRequest struct {
	Calls     []model.Call `json:"calls"`
	SessionID string       `json:"sessionId"`
	Pet       *petAction   `json:"pet"`
}

// POST /v1/accounts/{address}/intents
// Either raw calls or a pet action. Pet actions also verify their on-chain effect.
func (h *IntentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	submit := service.SubmitRequest{
		Account:   addr,
		Calls:     req.Calls,
		SessionID: req.SessionID,
	}

	if req.Pet != nil {
		if len(req.Calls) > 0 {
			writeError(w, apperrors.ValidationError("calls and pet are mutually exclusive"))
			return
		}
		call, expect, err := h.petCall(addr, *req.Pet)
		if err != nil {
			writeError(w, err)
			return
		}
		submit.Calls = []model.Call{call}
		submit.Expect = expect
	}

	result, err := h.submitter.Submit(r.Context(), submit)
	if err != nil {
		h.writeSubmitError(w, addr, result, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *IntentHandler) petCall(owner common.Address, action petAction) (model.Call, chain.Expectation, error) {
	if h.pets == nil {
		return model.Call{}, nil, apperrors.ValidationError("pet game contract is not configured")
	}

	switch action.Action {
	case "create":
		call, err := h.pets.CreatePet(action.Name)
		if err != nil {
			return model.Call{}, nil, apperrors.InvalidInput("pet.name", err.Error())
		}
		expect, err := h.pets.PetNamed(owner, action.Name)
		if err != nil {
			return model.Call{}, nil, apperrors.Internal("failed to encode pet expectation").WithCause(err)
		}
		return call, expect, nil

	case "feed":
		call, err := h.pets.FeedPet()
		if err != nil {
			return model.Call{}, nil, apperrors.Internal("failed to encode feedPet").WithCause(err)
		}
		// Block timestamps have second resolution.
		expect, err := h.pets.PetFedSince(owner, h.now().Truncate(time.Second))
		if err != nil {
			return model.Call{}, nil, apperrors.Internal("failed to encode pet expectation").WithCause(err)
		}
		return call, expect, nil

	default:
		return model.Call{}, nil, apperrors.InvalidInput("pet.action", "must be create or feed")
	}
}

// writeSubmitError attaches the bundle id when the relay accepted the bundle,
// so callers can resume polling instead of resubmitting.
func (h *IntentHandler) writeSubmitError(w http.ResponseWriter, addr common.Address, result *service.SubmitResult, err error) {
	if appErr, ok := apperrors.AsAppError(err); ok && result != nil && result.Bundle != nil {
		err = appErr.WithDetail("bundleId", result.Bundle.ID)
	}

	log.Warn().
		Err(err).
		Str("account", accountKey(addr)).
		Str("code", string(apperrors.GetCode(err))).
		Msg("intent submission failed")

	writeError(w, err)
}

// GET /v1/accounts/{address}/bundles
func (h *IntentHandler) ListBundles(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	bundles, err := h.bundles.ListByAccount(r.Context(), accountKey(addr), bundleListLimit)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if bundles == nil {
		bundles = []model.Bundle{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": bundles})
}

// GET /v1/accounts/{address}/pet
func (h *IntentHandler) GetPet(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.pets == nil || h.reader == nil {
		writeError(w, apperrors.NotFound("Pet game"))
		return
	}

	pet, err := h.pets.Get(r.Context(), h.reader, addr)
	if err != nil {
		writeError(w, apperrors.Transient("failed to read pet state", err))
		return
	}
	if !pet.Exists {
		writeError(w, apperrors.NotFound("Pet"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":   addr.Hex(),
		"name":    pet.Name,
		"hunger":  pet.Hunger.String(),
		"lastFed": pet.LastFed.Int64(),
	})
}

// GET /v1/bundles/{id}
// Returns the stored status without contacting the relay.
func (h *IntentHandler) GetBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !util.IsValidBundleID(id) {
		writeError(w, apperrors.InvalidInput("bundle id", "must be a 32-byte hex hash"))
		return
	}

	bundle, err := h.bundles.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if bundle == nil {
		writeError(w, apperrors.NotFound("Bundle"))
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

// POST /v1/bundles/{id}/await
// Resumes polling for a bundle whose submit call timed out.
func (h *IntentHandler) AwaitBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !util.IsValidBundleID(id) {
		writeError(w, apperrors.InvalidInput("bundle id", "must be a 32-byte hex hash"))
		return
	}

	result, err := h.submitter.Resume(r.Context(), id, nil)
	if err != nil {
		if result != nil && result.Bundle != nil {
			h.writeSubmitError(w, common.HexToAddress(result.Bundle.AccountAddress), result, err)
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
