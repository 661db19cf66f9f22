// Package escrow implements the escrow lifecycle: funds are pulled into
// custody at creation, a platform fee is kept, and the net amount is later
// released to the recipient, refunded to the sender, or paid to a payee
// chosen by the arbitrator.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowflow/access"
	"escrowflow/account"
	"escrowflow/fee"
	"escrowflow/ledger"
)

// Authorizer answers the role checks the service needs.
type Authorizer interface {
	RequireArbitrator(caller account.Address) error
	RequireWithdrawer(caller account.Address) error
	Roles() access.Roles
}

// Service is the escrow state machine.
type Service struct {
	store  Store
	ledger ledger.Ledger
	access Authorizer
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, l ledger.Ledger, authz Authorizer, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ledger: l,
		access: authz,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEscrow pulls principal from caller into custody and opens a pending
// escrow for recipient.
func (s *Service) CreateEscrow(ctx context.Context, caller, recipient account.Address, principal int64) (Record, error) {
	if principal <= 0 {
		return Record{}, fmt.Errorf("%w: principal must be positive, got %d", ErrInvalidAmount, principal)
	}
	if err := s.checkParty(caller); err != nil {
		return Record{}, fmt.Errorf("escrow: sender: %w", err)
	}
	if err := s.checkParty(recipient); err != nil {
		return Record{}, fmt.Errorf("escrow: recipient: %w", err)
	}

	feeAmount, net := fee.Compute(principal)
	pull := ledger.Transfer{Account: caller, Amount: principal, Reference: "escrow-fund-" + uuid.NewString()}

	var (
		pulled bool
		opened Record
	)
	rec, err := s.store.Append(ctx, func(ctx context.Context, id uint64) (Record, Event, error) {
		if err := s.ledger.Pull(ctx, pull); err != nil {
			return Record{}, Event{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		pulled = true

		now := s.now()
		opened = Record{
			ID:        id,
			Sender:    caller,
			Recipient: recipient,
			Amount:    net,
			Fee:       feeAmount,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return opened, recordEvent(TopicCreated, opened, map[string]any{
			"principal": principal,
			"reference": pull.Reference,
		}), nil
	})
	if err != nil {
		if pulled {
			s.revertPull(ctx, opened, pull)
		}
		s.logFailure(ctx, "create_escrow", err, "sender", caller, "principal", principal)
		return Record{}, err
	}

	s.logger.InfoContext(ctx, "escrow created",
		"operation", "create_escrow",
		"outcome", "success",
		"escrow_id", rec.ID,
		"sender", rec.Sender,
		"recipient", rec.Recipient,
		"amount", rec.Amount,
		"fee", rec.Fee,
	)
	return rec, nil
}

// revertPull hands a pull back to its sender after the record it funded
// failed to persist. A ledger that shares the store's transaction has
// already rolled it back, which makes the revert a no-op. The record is
// looked up first because a failed commit may still have landed.
func (s *Service) revertPull(ctx context.Context, opened Record, pull ledger.Transfer) {
	ctx = context.WithoutCancel(ctx)

	stored, err := s.store.Get(ctx, opened.ID)
	switch {
	case err == nil && sameOpening(stored, opened):
		s.logger.WarnContext(ctx, "escrow create reported failure but the record exists",
			"operation", "create_escrow",
			"escrow_id", stored.ID,
			"reference", pull.Reference,
		)
		return
	case err != nil && !errors.Is(err, ErrNotFound):
		s.logger.ErrorContext(ctx, "escrow funding left unresolved",
			"operation", "create_escrow",
			"sender", pull.Account,
			"amount", pull.Amount,
			"reference", pull.Reference,
			"error", err,
		)
		return
	}

	if err := s.ledger.Revert(ctx, pull.Reference); err != nil {
		s.logger.ErrorContext(ctx, "escrow funding revert failed",
			"operation", "create_escrow",
			"sender", pull.Account,
			"amount", pull.Amount,
			"reference", pull.Reference,
			"error", err,
		)
		return
	}
	s.logger.WarnContext(ctx, "escrow funding reverted",
		"operation", "create_escrow",
		"sender", pull.Account,
		"amount", pull.Amount,
		"reference", pull.Reference,
	)
}

// ReleaseEscrow pays the net amount to the recipient. Only the sender may
// release; the fee stays with the platform.
func (s *Service) ReleaseEscrow(ctx context.Context, caller account.Address, id uint64) (Record, error) {
	rec, err := s.store.Settle(ctx, id, func(ctx context.Context, rec Record) (Settlement, error) {
		if err := checkSettleable(rec, caller); err != nil {
			return Settlement{}, err
		}
		if err := s.pay(ctx, rec.Recipient, rec.Amount, settleReference(rec.ID)); err != nil {
			return Settlement{}, err
		}
		return s.settlement(rec, StatusReleased, rec.Recipient, TopicReleased, caller), nil
	})
	return s.finish(ctx, "release_escrow", id, rec, err)
}

// CancelEscrow refunds the full principal, fee included, to the sender.
func (s *Service) CancelEscrow(ctx context.Context, caller account.Address, id uint64) (Record, error) {
	rec, err := s.store.Settle(ctx, id, func(ctx context.Context, rec Record) (Settlement, error) {
		if err := checkSettleable(rec, caller); err != nil {
			return Settlement{}, err
		}
		if err := s.pay(ctx, rec.Sender, rec.Principal(), settleReference(rec.ID)); err != nil {
			return Settlement{}, err
		}
		return s.settlement(rec, StatusCancelled, "", TopicCancelled, caller), nil
	})
	return s.finish(ctx, "cancel_escrow", id, rec, err)
}

// ResolveDispute pays the net amount to payee, who may differ from the
// original recipient. Only the arbitrator may resolve.
func (s *Service) ResolveDispute(ctx context.Context, caller account.Address, id uint64, payee account.Address) (Record, error) {
	if err := s.access.RequireArbitrator(caller); err != nil {
		s.logFailure(ctx, "resolve_dispute", err, "escrow_id", id)
		return Record{}, err
	}
	if err := s.checkParty(payee); err != nil {
		return Record{}, fmt.Errorf("escrow: payee: %w", err)
	}

	rec, err := s.store.Settle(ctx, id, func(ctx context.Context, rec Record) (Settlement, error) {
		if rec.Status != StatusPending {
			return Settlement{}, notPending(rec)
		}
		if err := s.pay(ctx, payee, rec.Amount, settleReference(rec.ID)); err != nil {
			return Settlement{}, err
		}
		return s.settlement(rec, StatusReleased, payee, TopicDisputeResolved, caller), nil
	})
	return s.finish(ctx, "resolve_dispute", id, rec, err)
}

// WithdrawFees pays every earned fee to the withdrawal destination and
// returns the amount paid. Only the withdrawer may call it.
func (s *Service) WithdrawFees(ctx context.Context, caller account.Address) (int64, error) {
	if err := s.access.RequireWithdrawer(caller); err != nil {
		s.logFailure(ctx, "withdraw_fees", err)
		return 0, err
	}
	destination := s.access.Roles().WithdrawalDestination

	drained, err := s.store.DrainFees(ctx, func(ctx context.Context, fa FeeAccount) (Event, error) {
		ref := "fees-withdraw-" + uuid.NewString()
		if err := s.pay(ctx, destination, fa.Withdrawable, ref); err != nil {
			return Event{}, err
		}
		return Event{
			Topic: TopicFeesWithdrawn,
			Key:   string(destination),
			Payload: map[string]any{
				"destination": string(destination),
				"amount":      fa.Withdrawable,
				"withdrawer":  string(caller),
				"reference":   ref,
				"at":          s.now(),
			},
		}, nil
	})
	if err != nil {
		s.logFailure(ctx, "withdraw_fees", err)
		return 0, err
	}

	s.logger.InfoContext(ctx, "fees withdrawn",
		"operation", "withdraw_fees",
		"outcome", "success",
		"destination", destination,
		"amount", drained.Withdrawable,
	)
	return drained.Withdrawable, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	return s.store.List(ctx, filters)
}

func (s *Service) Fees(ctx context.Context) (FeeAccount, error) {
	return s.store.Fees(ctx)
}

// checkParty rejects addresses that cannot hold an escrow position. Custody
// is one of them: moving value from custody to itself changes nothing.
func (s *Service) checkParty(addr account.Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	if addr == s.ledger.Custody() {
		return fmt.Errorf("%w: %s is the custody account", account.ErrInvalidAddress, addr)
	}
	return nil
}

func (s *Service) pay(ctx context.Context, to account.Address, amount int64, reference string) error {
	if err := s.ledger.Pay(ctx, ledger.Transfer{Account: to, Amount: amount, Reference: reference}); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

func (s *Service) settlement(rec Record, status Status, payee account.Address, topic string, caller account.Address) Settlement {
	now := s.now()
	rec.Status = status
	rec.Payee = payee
	rec.UpdatedAt = now
	return Settlement{
		Status: status,
		Payee:  payee,
		At:     now,
		Event:  recordEvent(topic, rec, map[string]any{"actor": string(caller)}),
	}
}

func (s *Service) finish(ctx context.Context, op string, id uint64, rec Record, err error) (Record, error) {
	if err != nil {
		s.logFailure(ctx, op, err, "escrow_id", id)
		return Record{}, err
	}
	s.logger.InfoContext(ctx, "escrow settled",
		"operation", op,
		"outcome", "success",
		"escrow_id", rec.ID,
		"status", rec.Status,
		"payee", rec.Payee,
	)
	return rec, nil
}

func (s *Service) logFailure(ctx context.Context, op string, err error, attrs ...any) {
	level := slog.LevelInfo
	if errors.Is(err, ErrTransferFailed) {
		level = slog.LevelWarn
	}
	args := append([]any{"operation", op, "outcome", "rejected", "error", err}, attrs...)
	s.logger.Log(ctx, level, "escrow operation rejected", args...)
}

// checkSettleable applies the sender-only checks shared by release and cancel.
func checkSettleable(rec Record, caller account.Address) error {
	if rec.Sender != caller {
		return fmt.Errorf("%w: not the sender", ErrUnauthorized)
	}
	if rec.Status != StatusPending {
		return notPending(rec)
	}
	return nil
}

func sameOpening(a, b Record) bool {
	// Postgres keeps microseconds.
	d := a.CreatedAt.Sub(b.CreatedAt)
	return a.ID == b.ID && a.Sender == b.Sender && a.Recipient == b.Recipient &&
		a.Amount == b.Amount && a.Fee == b.Fee && d > -time.Microsecond && d < time.Microsecond
}

func notPending(rec Record) error {
	return fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, rec.ID, rec.Status)
}

// settleReference is shared by every terminal payment of an escrow, so a
// retried payment replays and a competing one conflicts.
func settleReference(id uint64) string {
	return fmt.Sprintf("escrow-%d-settle", id)
}

func recordEvent(topic string, rec Record, extra map[string]any) Event {
	payload := map[string]any{
		"escrow_id": rec.ID,
		"sender":    string(rec.Sender),
		"recipient": string(rec.Recipient),
		"amount":    rec.Amount,
		"fee":       rec.Fee,
		"status":    string(rec.Status),
		"at":        rec.UpdatedAt,
	}
	if !rec.Payee.IsZero() {
		payload["payee"] = string(rec.Payee)
	}
	for k, v := range extra {
		payload[k] = v
	}
	return Event{Topic: topic, Key: fmt.Sprintf("%d", rec.ID), Payload: payload}
}
