package auth

import (
	"time"

	"escrowflow/account"
)

// Principal is an identity that can authenticate. Its address is the caller
// identity passed to every escrow command.
type Principal struct {
	Address      account.Address
	PasswordHash string
	CreatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Address  account.Address `json:"address"`
	Password string          `json:"password"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Address  account.Address `json:"address"`
	Password string          `json:"password"`
}
