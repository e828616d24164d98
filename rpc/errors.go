package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"escrowd/native/escrow"
)

type errorBody struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeBadRequest(w http.ResponseWriter, err error) {
	respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

// writeEngineError maps the engine's sentinel errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, escrow.ErrInsufficientPrivilege):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrAlreadyInitialized):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidArgument), errors.Is(err, escrow.ErrArithmeticOverflow):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrInsufficientFunds), errors.Is(err, escrow.ErrCurrencyMismatch):
		status = http.StatusUnprocessableEntity
	}
	respond(w, status, errorBody{Error: err.Error()})
}
