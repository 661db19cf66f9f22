// Package access holds the distinguished identities of the escrow engine
// and answers "may this caller perform that operation".
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"escrowflow/account"
)

var (
	// ErrUnauthorized signals the caller lacks the role an operation requires.
	ErrUnauthorized = errors.New("access: unauthorized")
	// ErrOwnerMismatch is returned when persisted roles belong to another owner.
	ErrOwnerMismatch = errors.New("access: persisted owner differs from configured owner")
)

// Role names a distinguished identity.
type Role string

const (
	RoleOwner                 Role = "owner"
	RoleArbitrator            Role = "arbitrator"
	RoleRelayer               Role = "relayer"
	RoleWithdrawer            Role = "withdrawer"
	RoleWithdrawalDestination Role = "withdrawal-destination"
)

// Roles is a snapshot of every role assignment. Unassigned roles are zero.
type Roles struct {
	Owner                 account.Address
	Arbitrator            account.Address
	Relayer               account.Address
	Withdrawer            account.Address
	WithdrawalDestination account.Address
}

// Store persists role assignments.
type Store interface {
	// Load returns the persisted roles and whether any were found.
	Load(ctx context.Context) (Roles, bool, error)
	Save(ctx context.Context, roles Roles) error
}

// Registry is the access control registry. The owner is fixed for the
// lifetime of the registry; every other assignment is owner-only.
type Registry struct {
	mu       sync.RWMutex
	roles    Roles
	store    Store
	reserved map[account.Address]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithReserved lists addresses no role may be given to, such as the ledger's
// custody account.
func WithReserved(addrs ...account.Address) Option {
	return func(r *Registry) {
		for _, a := range addrs {
			if !a.IsZero() {
				r.reserved[a] = struct{}{}
			}
		}
	}
}

func newRegistry(store Store, opts []Option) *Registry {
	r := &Registry{store: store, reserved: make(map[account.Address]struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRegistry builds a registry owned by owner with the initial withdrawal
// destination, and persists it.
func NewRegistry(ctx context.Context, owner, destination account.Address, store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	r := newRegistry(store, opts)
	if err := r.checkTarget(owner); err != nil {
		return nil, fmt.Errorf("access: owner: %w", err)
	}
	if err := r.checkTarget(destination); err != nil {
		return nil, fmt.Errorf("access: withdrawal destination: %w", err)
	}

	roles := Roles{Owner: owner, WithdrawalDestination: destination}
	if err := store.Save(ctx, roles); err != nil {
		return nil, fmt.Errorf("access: save roles: %w", err)
	}
	r.roles = roles
	return r, nil
}

// Restore loads the registry from store. When nothing is persisted yet the
// registry is constructed from owner and destination instead.
func Restore(ctx context.Context, owner, destination account.Address, store Store, opts ...Option) (*Registry, error) {
	roles, found, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("access: load roles: %w", err)
	}
	if !found {
		return NewRegistry(ctx, owner, destination, store, opts...)
	}
	if roles.Owner != owner {
		return nil, fmt.Errorf("%w: persisted %q, configured %q", ErrOwnerMismatch, roles.Owner, owner)
	}

	r := newRegistry(store, opts)
	for _, held := range []account.Address{roles.Owner, roles.Arbitrator, roles.Relayer, roles.Withdrawer, roles.WithdrawalDestination} {
		if _, bad := r.reserved[held]; bad {
			return nil, fmt.Errorf("access: persisted roles: %w: %s is reserved", account.ErrInvalidAddress, held)
		}
	}
	r.roles = roles
	return r, nil
}

// Roles returns the current assignments.
func (r *Registry) Roles() Roles {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles
}

// SetArbitrator assigns the arbitrator. Owner only.
func (r *Registry) SetArbitrator(ctx context.Context, caller, target account.Address) error {
	return r.assign(ctx, caller, target, func(roles *Roles) { roles.Arbitrator = target })
}

// SetRelayer assigns the relayer. Owner only.
func (r *Registry) SetRelayer(ctx context.Context, caller, target account.Address) error {
	return r.assign(ctx, caller, target, func(roles *Roles) { roles.Relayer = target })
}

// SetWithdrawer assigns the withdrawer. Owner only.
func (r *Registry) SetWithdrawer(ctx context.Context, caller, target account.Address) error {
	return r.assign(ctx, caller, target, func(roles *Roles) { roles.Withdrawer = target })
}

// SetWithdrawalDestination replaces the account fees are withdrawn to. Owner only.
func (r *Registry) SetWithdrawalDestination(ctx context.Context, caller, target account.Address) error {
	return r.assign(ctx, caller, target, func(roles *Roles) { roles.WithdrawalDestination = target })
}

// Assign dispatches to the setter for role.
func (r *Registry) Assign(ctx context.Context, caller account.Address, role Role, target account.Address) error {
	switch role {
	case RoleArbitrator:
		return r.SetArbitrator(ctx, caller, target)
	case RoleRelayer:
		return r.SetRelayer(ctx, caller, target)
	case RoleWithdrawer:
		return r.SetWithdrawer(ctx, caller, target)
	case RoleWithdrawalDestination:
		return r.SetWithdrawalDestination(ctx, caller, target)
	default:
		return fmt.Errorf("access: role %q is not assignable", role)
	}
}

// RequireArbitrator fails with ErrUnauthorized unless caller is the arbitrator.
func (r *Registry) RequireArbitrator(caller account.Address) error {
	return r.require(caller, RoleArbitrator, func(roles Roles) account.Address { return roles.Arbitrator })
}

// RequireRelayer fails with ErrUnauthorized unless caller is the relayer.
func (r *Registry) RequireRelayer(caller account.Address) error {
	return r.require(caller, RoleRelayer, func(roles Roles) account.Address { return roles.Relayer })
}

// RequireWithdrawer fails with ErrUnauthorized unless caller is the withdrawer.
func (r *Registry) RequireWithdrawer(caller account.Address) error {
	return r.require(caller, RoleWithdrawer, func(roles Roles) account.Address { return roles.Withdrawer })
}

// IsArbitrator reports whether caller currently holds the arbitrator role.
func (r *Registry) IsArbitrator(caller account.Address) bool {
	return r.RequireArbitrator(caller) == nil
}

// IsRelayer reports whether caller currently holds the relayer role.
func (r *Registry) IsRelayer(caller account.Address) bool {
	return r.RequireRelayer(caller) == nil
}

// IsWithdrawer reports whether caller currently holds the withdrawer role.
func (r *Registry) IsWithdrawer(caller account.Address) bool {
	return r.RequireWithdrawer(caller) == nil
}

func (r *Registry) require(caller account.Address, role Role, holder func(Roles) account.Address) error {
	r.mu.RLock()
	want := holder(r.roles)
	r.mu.RUnlock()

	// An unassigned role matches nobody.
	if want.IsZero() || caller != want {
		return NotRole(role)
	}
	return nil
}

func (r *Registry) assign(ctx context.Context, caller, target account.Address, apply func(*Roles)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.roles.Owner {
		return NotRole(RoleOwner)
	}
	if err := r.checkTarget(target); err != nil {
		return fmt.Errorf("access: target: %w", err)
	}

	next := r.roles
	apply(&next)
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("access: save roles: %w", err)
	}
	r.roles = next
	return nil
}

func (r *Registry) checkTarget(addr account.Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	if _, ok := r.reserved[addr]; ok {
		return fmt.Errorf("%w: %s is reserved", account.ErrInvalidAddress, addr)
	}
	return nil
}

// NotRole builds the ErrUnauthorized reported when a caller does not hold role.
func NotRole(role Role) error {
	return fmt.Errorf("%w: not the %s", ErrUnauthorized, role)
}
