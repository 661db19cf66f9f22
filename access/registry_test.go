package access

import (
	"context"
	"errors"
	"strings"
	"testing"

	"escrowflow/account"
)

const (
	owner    account.Address = "owner"
	platform account.Address = "platform-wallet"
	stranger account.Address = "user1"
	custody  account.Address = "escrow:custody"
)

func newTestRegistry(t *testing.T) (*Registry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	reg, err := NewRegistry(context.Background(), owner, platform, store, WithReserved(custody))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, store
}

func TestNewRegistry(t *testing.T) {
	reg, store := newTestRegistry(t)

	roles := reg.Roles()
	if roles.Owner != owner || roles.WithdrawalDestination != platform {
		t.Fatalf("unexpected roles %+v", roles)
	}
	if !roles.Arbitrator.IsZero() || !roles.Relayer.IsZero() || !roles.Withdrawer.IsZero() {
		t.Fatalf("expected unassigned roles, got %+v", roles)
	}

	saved, found, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("expected roles to be persisted")
	}
	if saved != roles {
		t.Fatalf("persisted %+v, registry holds %+v", saved, roles)
	}
}

func TestNewRegistryRequiresOwnerAndDestination(t *testing.T) {
	ctx := context.Background()

	cases := map[string]struct {
		owner, destination account.Address
	}{
		"empty owner":         {owner: "", destination: platform},
		"empty destination":   {owner: owner, destination: ""},
		"custody owner":       {owner: custody, destination: platform},
		"custody destination": {owner: owner, destination: custody},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(ctx, tc.owner, tc.destination, nil, WithReserved(custody))
			if !errors.Is(err, account.ErrInvalidAddress) {
				t.Fatalf("expected ErrInvalidAddress, got %v", err)
			}
		})
	}
}

func TestSettersAreOwnerOnly(t *testing.T) {
	setters := map[string]struct {
		set  func(r *Registry, caller, target account.Address) error
		read func(Roles) account.Address
	}{
		"arbitrator": {
			set: func(r *Registry, caller, target account.Address) error {
				return r.SetArbitrator(context.Background(), caller, target)
			},
			read: func(roles Roles) account.Address { return roles.Arbitrator },
		},
		"relayer": {
			set: func(r *Registry, caller, target account.Address) error {
				return r.SetRelayer(context.Background(), caller, target)
			},
			read: func(roles Roles) account.Address { return roles.Relayer },
		},
		"withdrawer": {
			set: func(r *Registry, caller, target account.Address) error {
				return r.SetWithdrawer(context.Background(), caller, target)
			},
			read: func(roles Roles) account.Address { return roles.Withdrawer },
		},
		"withdrawal destination": {
			set: func(r *Registry, caller, target account.Address) error {
				return r.SetWithdrawalDestination(context.Background(), caller, target)
			},
			read: func(roles Roles) account.Address { return roles.WithdrawalDestination },
		},
	}

	for name, tc := range setters {
		t.Run(name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			before := reg.Roles()

			// The owner check comes first, whatever the target.
			for _, target := range []account.Address{"someone", "", "has space", custody} {
				err := tc.set(reg, stranger, target)
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("target %q: expected ErrUnauthorized, got %v", target, err)
				}
				if !strings.Contains(err.Error(), "not the owner") {
					t.Fatalf("target %q: expected owner error, got %v", target, err)
				}
				if errors.Is(err, account.ErrInvalidAddress) {
					t.Fatalf("target %q: non-owner learned the target was invalid: %v", target, err)
				}
			}
			if reg.Roles() != before {
				t.Fatalf("rejected call changed state: %+v", reg.Roles())
			}

			if err := tc.set(reg, owner, "first"); err != nil {
				t.Fatalf("set first: %v", err)
			}
			if got := tc.read(reg.Roles()); got != "first" {
				t.Fatalf("expected first, got %q", got)
			}

			// Replaceable any number of times.
			if err := tc.set(reg, owner, "second"); err != nil {
				t.Fatalf("set second: %v", err)
			}
			if got := tc.read(reg.Roles()); got != "second" {
				t.Fatalf("expected second, got %q", got)
			}

			// A role holder other than the owner still cannot assign.
			if err := tc.set(reg, "second", "third"); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized for role holder, got %v", err)
			}
		})
	}
}

func TestAssignRejectsInvalidTarget(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	if err := reg.SetArbitrator(ctx, owner, ""); !errors.Is(err, account.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}

	err := reg.Assign(ctx, owner, RoleOwner, "x")
	if err == nil || !strings.Contains(err.Error(), "not assignable") {
		t.Fatalf("expected not assignable error, got %v", err)
	}
	if reg.Roles().Owner != owner {
		t.Fatalf("owner changed to %q", reg.Roles().Owner)
	}
}

func TestAssignRejectsReservedTarget(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	before := reg.Roles()

	for _, role := range []Role{RoleArbitrator, RoleRelayer, RoleWithdrawer, RoleWithdrawalDestination} {
		err := reg.Assign(ctx, owner, role, custody)
		if !errors.Is(err, account.ErrInvalidAddress) {
			t.Fatalf("%s: expected ErrInvalidAddress, got %v", role, err)
		}
	}
	if reg.Roles() != before {
		t.Fatalf("reserved assignment changed state: %+v", reg.Roles())
	}
}

func TestRequireRoles(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	// Unassigned roles match nobody, not even the empty address.
	if err := reg.RequireArbitrator(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty caller, got %v", err)
	}
	if err := reg.RequireRelayer(owner); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for owner, got %v", err)
	}

	for role, holder := range map[Role]account.Address{
		RoleArbitrator: "arbitrator",
		RoleRelayer:    "relayer",
		RoleWithdrawer: "withdrawer",
	} {
		if err := reg.Assign(ctx, owner, role, holder); err != nil {
			t.Fatalf("assign %s: %v", role, err)
		}
	}

	if err := reg.RequireArbitrator("arbitrator"); err != nil {
		t.Fatalf("require arbitrator: %v", err)
	}
	if err := reg.RequireRelayer("relayer"); err != nil {
		t.Fatalf("require relayer: %v", err)
	}
	if err := reg.RequireWithdrawer("withdrawer"); err != nil {
		t.Fatalf("require withdrawer: %v", err)
	}
	if !reg.IsRelayer("relayer") || reg.IsWithdrawer("relayer") {
		t.Fatal("role predicates disagree with assignments")
	}

	err := reg.RequireRelayer("user1")
	if !errors.Is(err, ErrUnauthorized) || !strings.Contains(err.Error(), "not the relayer") {
		t.Fatalf("expected relayer error, got %v", err)
	}
	err = reg.RequireArbitrator("relayer")
	if !errors.Is(err, ErrUnauthorized) || !strings.Contains(err.Error(), "not the arbitrator") {
		t.Fatalf("expected arbitrator error, got %v", err)
	}
}

type failingStore struct {
	MemoryStore
	err error
}

func (f *failingStore) Save(ctx context.Context, roles Roles) error {
	if f.err != nil {
		return f.err
	}
	return f.MemoryStore.Save(ctx, roles)
}

func TestAssignIsAtomicOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	reg, err := NewRegistry(ctx, owner, platform, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	store.err = errors.New("disk full")
	if err := reg.SetArbitrator(ctx, owner, "arbitrator"); err == nil {
		t.Fatal("expected save failure")
	}
	if !reg.Roles().Arbitrator.IsZero() {
		t.Fatalf("arbitrator assigned despite failed save: %q", reg.Roles().Arbitrator)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	if err := reg.SetRelayer(ctx, owner, "relayer"); err != nil {
		t.Fatalf("set relayer: %v", err)
	}

	restored, err := Restore(ctx, owner, "ignored-destination", store, WithReserved(custody))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Roles() != reg.Roles() {
		t.Fatalf("restored %+v, want %+v", restored.Roles(), reg.Roles())
	}

	if _, err := Restore(ctx, "someone-else", platform, store); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}

	// A relayer persisted before the address became reserved is refused.
	if _, err := Restore(ctx, owner, platform, store, WithReserved("relayer")); !errors.Is(err, account.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for reserved holder, got %v", err)
	}

	fresh, err := Restore(ctx, owner, platform, NewMemoryStore())
	if err != nil {
		t.Fatalf("restore fresh: %v", err)
	}
	if want := (Roles{Owner: owner, WithdrawalDestination: platform}); fresh.Roles() != want {
		t.Fatalf("fresh roles %+v, want %+v", fresh.Roles(), want)
	}
}
