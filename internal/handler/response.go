package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/httputil"
	"github.com/pixelpets/gasless/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.ValidationError("Invalid request body").WithCause(err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints where every field is optional.
func decodeOptionalJSON(r *http.Request, dst any) error {
	err := decodeJSON(r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func addressParam(r *http.Request) (common.Address, error) {
	return service.ParseAddress(chi.URLParam(r, "address"))
}

// accountKey is the form addresses take in storage and event channels.
func accountKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
