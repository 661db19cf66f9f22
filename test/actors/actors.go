package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/account"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/relay"
)

// Funder mints and approves custody allowances on the shared ledger.
type Funder interface {
	Mint(ctx context.Context, addr account.Address, amount int64) error
	Approve(ctx context.Context, owner account.Address, amount int64) error
}

func sleepJitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Transient reports errors caused by a killed backend or a dropped
// connection rather than by the engine.
func Transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57P01 admin_shutdown, 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "57P01" || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err) {
		return true
	}
	return strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "unexpected EOF")
}

// Creator funds sender and opens escrows towards random recipients.
func Creator(ctx context.Context, svc *escrow.Service, funder Funder, sender account.Address, recipients []account.Address, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		principal := int64(1 + rand.Intn(50_000))
		if err := funder.Mint(ctx, sender, principal); err != nil {
			if Transient(err) {
				continue
			}
			return fmt.Errorf("creator mint: %w", err)
		}
		if err := funder.Approve(ctx, sender, principal); err != nil {
			if Transient(err) {
				continue
			}
			return fmt.Errorf("creator approve: %w", err)
		}
		recipient := recipients[rand.Intn(len(recipients))]
		if _, err := svc.CreateEscrow(ctx, sender, recipient, principal); err != nil && !Transient(err) {
			return fmt.Errorf("creator create: %w", err)
		}
		sleepJitter(10, 20)
	}
}

// Settler releases or cancels pending escrows of sender. A settlement cut
// short by a transient error is retried with the same operation, so the
// shared settlement reference replays instead of conflicting.
func Settler(ctx context.Context, svc *escrow.Service, sender account.Address, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		records, _, err := svc.List(ctx, escrow.ListFilters{Sender: sender, Status: escrow.StatusPending, PageSize: 10})
		if err != nil {
			if Transient(err) {
				continue
			}
			return fmt.Errorf("settler list: %w", err)
		}
		if len(records) == 0 {
			sleepJitter(20, 20)
			continue
		}
		rec := records[rand.Intn(len(records))]
		op := svc.ReleaseEscrow
		if rand.Intn(3) == 0 {
			op = svc.CancelEscrow
		}
		if err := retry(ctx, func() error {
			_, err := op(ctx, sender, rec.ID)
			return err
		}); err != nil && !expected(err) {
			return fmt.Errorf("settler %d: %w", rec.ID, err)
		}
		sleepJitter(20, 40)
	}
}

// Arbitrator races settlers by resolving random pending escrows.
func Arbitrator(ctx context.Context, svc *escrow.Service, arbitrator account.Address, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		records, _, err := svc.List(ctx, escrow.ListFilters{Status: escrow.StatusPending, PageSize: 20})
		if err != nil {
			if Transient(err) {
				continue
			}
			return fmt.Errorf("arbitrator list: %w", err)
		}
		if len(records) > 0 {
			rec := records[rand.Intn(len(records))]
			payee := rec.Recipient
			if rand.Intn(2) == 0 {
				payee = rec.Sender
			}
			if err := retry(ctx, func() error {
				_, err := svc.ResolveDispute(ctx, arbitrator, rec.ID, payee)
				return err
			}); err != nil && !expected(err) {
				return fmt.Errorf("arbitrator %d: %w", rec.ID, err)
			}
		}
		sleepJitter(50, 100)
	}
}

// Relayer emits messages for arbitrary ids, existing or not.
func Relayer(ctx context.Context, ch *relay.Channel, relayer account.Address, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := uint64(rand.Intn(1000))
		if _, err := ch.Relay(ctx, relayer, id, fmt.Sprintf("status update %d", rand.Int63())); err != nil && !Transient(err) {
			return fmt.Errorf("relayer: %w", err)
		}
		sleepJitter(30, 50)
	}
}

// Withdrawer periodically drains earned fees.
func Withdrawer(ctx context.Context, svc *escrow.Service, withdrawer account.Address, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := svc.WithdrawFees(ctx, withdrawer); err != nil && !Transient(err) && !expected(err) {
			return fmt.Errorf("withdrawer: %w", err)
		}
		sleepJitter(200, 200)
	}
}

// flakyPublisher fails one publish in ten.
type flakyPublisher struct{}

func (flakyPublisher) Publish(context.Context, outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker outage")
	}
	return nil
}

// FlakyPublisher returns a publisher that fails at random.
func FlakyPublisher() outbox.Publisher {
	return flakyPublisher{}
}

// OutboxWorker drains the outbox in small batches.
func OutboxWorker(ctx context.Context, w *outbox.Worker, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := w.ProcessOnce(ctx); err != nil && !Transient(err) && ctx.Err() == nil {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = fn(); err == nil || !Transient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}

// expected covers outcomes of losing a race, not engine faults.
func expected(err error) bool {
	switch {
	case errors.Is(err, escrow.ErrInvalidState):
		return true
	case errors.Is(err, escrow.ErrTransferFailed) && errors.Is(err, ledger.ErrReferenceConflict):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return Transient(err)
	}
}
