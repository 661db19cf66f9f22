package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"escrowflow/account"
	"escrowflow/db"
	"escrowflow/test/infra"
)

func TestPGLedger_Integration(t *testing.T) {
	h := infra.NewTestHarness(t)
	ctx := context.Background()

	setup := func(t *testing.T) *PGLedger {
		t.Helper()
		if err := h.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		return NewPGLedger(h.Pool(), DefaultCustody)
	}
	balance := func(t *testing.T, l *PGLedger, addr account.Address) int64 {
		t.Helper()
		b, err := l.Balance(ctx, addr)
		if err != nil {
			t.Fatalf("balance %s: %v", addr, err)
		}
		return b
	}
	mintAndApprove := func(t *testing.T, l *PGLedger, addr account.Address, amount int64) {
		t.Helper()
		if err := l.Mint(ctx, addr, amount); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := l.Approve(ctx, addr, amount); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}

	t.Run("pull spends allowance", func(t *testing.T) {
		l := setup(t)
		if err := l.Mint(ctx, "alice", 1000); err != nil {
			t.Fatalf("mint: %v", err)
		}

		err := l.Pull(ctx, Transfer{Account: "alice", Amount: 600, Reference: "r1"})
		if !errors.Is(err, ErrInsufficientAllowance) {
			t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
		}

		if err := l.Approve(ctx, "alice", 600); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if err := l.Pull(ctx, Transfer{Account: "alice", Amount: 600, Reference: "r1"}); err != nil {
			t.Fatalf("pull: %v", err)
		}
		if got := balance(t, l, "alice"); got != 400 {
			t.Fatalf("expected alice 400, got %d", got)
		}
		if got := balance(t, l, DefaultCustody); got != 600 {
			t.Fatalf("expected custody 600, got %d", got)
		}

		// Allowance is used up.
		err = l.Pull(ctx, Transfer{Account: "alice", Amount: 1, Reference: "r2"})
		if !errors.Is(err, ErrInsufficientAllowance) {
			t.Fatalf("expected spent allowance, got %v", err)
		}
	})

	t.Run("references replay and conflict", func(t *testing.T) {
		l := setup(t)
		mintAndApprove(t, l, "alice", 100)
		if err := l.Pull(ctx, Transfer{Account: "alice", Amount: 100, Reference: "fund"}); err != nil {
			t.Fatalf("pull: %v", err)
		}

		for i := 0; i < 2; i++ {
			if err := l.Pay(ctx, Transfer{Account: "bob", Amount: 98, Reference: "settle"}); err != nil {
				t.Fatalf("pay attempt %d: %v", i, err)
			}
		}
		if got := balance(t, l, "bob"); got != 98 {
			t.Fatalf("expected bob 98, got %d", got)
		}

		err := l.Pay(ctx, Transfer{Account: "alice", Amount: 100, Reference: "settle"})
		if !errors.Is(err, ErrReferenceConflict) {
			t.Fatalf("expected ErrReferenceConflict, got %v", err)
		}
		if got := balance(t, l, DefaultCustody); got != 2 {
			t.Fatalf("expected custody 2, got %d", got)
		}
	})

	t.Run("pay cannot overdraw custody", func(t *testing.T) {
		l := setup(t)
		err := l.Pay(ctx, Transfer{Account: "bob", Amount: 1, Reference: "p1"})
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}

		var n int
		if err := h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM ledger_transfers`).Scan(&n); err != nil {
			t.Fatalf("count transfers: %v", err)
		}
		if n != 0 {
			t.Fatalf("failed transfer reserved its reference: %d rows", n)
		}
	})

	t.Run("custody is not a counterparty", func(t *testing.T) {
		l := setup(t)
		mintAndApprove(t, l, DefaultCustody, 100)

		if err := l.Pull(ctx, Transfer{Account: DefaultCustody, Amount: 100, Reference: "self"}); !errors.Is(err, ErrInvalidTransfer) {
			t.Fatalf("expected ErrInvalidTransfer, got %v", err)
		}
		if err := l.Pay(ctx, Transfer{Account: DefaultCustody, Amount: 100, Reference: "self"}); !errors.Is(err, ErrInvalidTransfer) {
			t.Fatalf("expected ErrInvalidTransfer, got %v", err)
		}
	})

	t.Run("pull joins the context transaction", func(t *testing.T) {
		l := setup(t)
		mintAndApprove(t, l, "alice", 500)

		tx, err := h.Pool().Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := l.Pull(db.WithTx(ctx, tx), Transfer{Account: "alice", Amount: 500, Reference: "joined"}); err != nil {
			_ = tx.Rollback(ctx)
			t.Fatalf("pull: %v", err)
		}
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("rollback: %v", err)
		}

		if got := balance(t, l, "alice"); got != 500 {
			t.Fatalf("rolled back pull still moved value: alice holds %d", got)
		}
		if got := balance(t, l, DefaultCustody); got != 0 {
			t.Fatalf("rolled back pull still credited custody: %d", got)
		}
		// The reference was rolled back too, so it can be used again.
		if err := l.Pull(ctx, Transfer{Account: "alice", Amount: 500, Reference: "joined"}); err != nil {
			t.Fatalf("pull after rollback: %v", err)
		}
	})

	t.Run("failed transfer leaves the outer transaction usable", func(t *testing.T) {
		l := setup(t)
		mintAndApprove(t, l, "alice", 100)

		tx, err := h.Pool().Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback(ctx)
		txCtx := db.WithTx(ctx, tx)

		if err := l.Pull(txCtx, Transfer{Account: "alice", Amount: 101, Reference: "too-much"}); !errors.Is(err, ErrInsufficientAllowance) {
			t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
		}
		if err := l.Pull(txCtx, Transfer{Account: "alice", Amount: 100, Reference: "fits"}); err != nil {
			t.Fatalf("pull in same transaction: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if got := balance(t, l, DefaultCustody); got != 100 {
			t.Fatalf("expected custody 100, got %d", got)
		}
	})

	t.Run("revert hands a pull back", func(t *testing.T) {
		l := setup(t)
		mintAndApprove(t, l, "alice", 300)
		if err := l.Pull(ctx, Transfer{Account: "alice", Amount: 300, Reference: "fund-1"}); err != nil {
			t.Fatalf("pull: %v", err)
		}

		for i := 0; i < 2; i++ {
			if err := l.Revert(ctx, "fund-1"); err != nil {
				t.Fatalf("revert attempt %d: %v", i, err)
			}
		}
		if got := balance(t, l, "alice"); got != 300 {
			t.Fatalf("expected alice 300 after revert, got %d", got)
		}
		if got := balance(t, l, DefaultCustody); got != 0 {
			t.Fatalf("expected empty custody after revert, got %d", got)
		}
		// The allowance came back with the value.
		if err := l.Pull(ctx, Transfer{Account: "alice", Amount: 300, Reference: "fund-2"}); err != nil {
			t.Fatalf("pull after revert: %v", err)
		}

		if err := l.Revert(ctx, "missing"); err != nil {
			t.Fatalf("revert of unknown reference: %v", err)
		}
	})

	t.Run("concurrent pulls never overspend", func(t *testing.T) {
		l := setup(t)
		mintAndApprove(t, l, "alice", 1000)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := l.Pull(ctx, Transfer{Account: "alice", Amount: 100, Reference: "c" + string(rune('a'+i))})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if ok != 10 {
			t.Fatalf("expected 10 successful pulls, got %d", ok)
		}
		if got := balance(t, l, "alice"); got != 0 {
			t.Fatalf("expected alice drained, got %d", got)
		}
		if got := balance(t, l, DefaultCustody); got != 1000 {
			t.Fatalf("expected custody 1000, got %d", got)
		}
	})
}
