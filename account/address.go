package account

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidAddress is returned when an address fails validation.
var ErrInvalidAddress = errors.New("account: invalid address")

const maxAddressLen = 128

var addressPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]*$`)

// Address identifies a party: an escrow sender or recipient, a role holder,
// or a ledger account.
type Address string

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ""
}

func (a Address) String() string {
	return string(a)
}

// Validate checks that the address is set and well formed.
func (a Address) Validate() error {
	if a.IsZero() {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len(a) > maxAddressLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidAddress, maxAddressLen)
	}
	if !addressPattern.MatchString(string(a)) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, string(a))
	}
	return nil
}
