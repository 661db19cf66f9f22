package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"escrowflow/access"
	"escrowflow/account"
	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

// mapDomainError translates service errors to an HTTP status and error code.
func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN", err.Error()
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", err.Error()
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusUnprocessableEntity, "TRANSFER_FAILED", err.Error()
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, account.ErrInvalidAddress),
		errors.Is(err, ledger.ErrInvalidTransfer),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid address or password"
	case errors.Is(err, auth.ErrDuplicateAddress):
		return http.StatusConflict, "CONFLICT", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
