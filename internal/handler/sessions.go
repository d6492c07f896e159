package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pixelpets/gasless/internal/model"
)

type SessionHandler struct {
	sessions SessionService
}

func NewSessionHandler(sessions SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Register(r chi.Router) {
	r.Get("/sessions/{id}", h.Get)
	r.Post("/sessions/{id}/rotate", h.Rotate)
	r.Get("/sessions/{id}/attempts", h.Attempts)
}

// GET /v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// POST /v1/sessions/{id}/rotate
// The old session stays readable but can no longer sign.
func (h *SessionHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	next, err := h.sessions.Rotate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"rotatedFrom": id,
		"session":     next,
	})
}

// GET /v1/sessions/{id}/attempts
func (h *SessionHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if _, err := h.sessions.Get(ctx, id); err != nil {
		writeError(w, err)
		return
	}

	attempts, err := h.sessions.Attempts(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []model.SessionAttempt{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": attempts})
}
