package escrow

import "context"

// Store persists escrow records, the fee account and outbox events. Every
// mutating method is a single atomic unit: when the callback fails nothing
// is written. Callbacks receive the context of that unit; ledger transfers
// made with it commit or roll back together with the store's writes when
// the store and ledger share a database.
type Store interface {
	// Append reserves the next id and calls fund with it. The record and
	// event fund returns are stored together with the fee accrual. A failed
	// fund leaves the id unconsumed.
	Append(ctx context.Context, fund func(ctx context.Context, id uint64) (Record, Event, error)) (Record, error)
	// Settle holds record id exclusively while apply decides the outcome.
	// A Released outcome makes the record's fee withdrawable.
	Settle(ctx context.Context, id uint64, apply func(ctx context.Context, rec Record) (Settlement, error)) (Record, error)
	// DrainFees holds the fee account exclusively while drain pays out the
	// withdrawable figure. drain is not called when nothing is withdrawable.
	DrainFees(ctx context.Context, drain func(ctx context.Context, fa FeeAccount) (Event, error)) (FeeAccount, error)
	// Enqueue writes an event without any state change.
	Enqueue(ctx context.Context, ev Event) error

	Get(ctx context.Context, id uint64) (Record, error)
	List(ctx context.Context, filters ListFilters) ([]Record, int, error)
	Fees(ctx context.Context) (FeeAccount, error)
}
