package escrow

import (
	"time"

	"escrowflow/account"
)

// Status is the lifecycle state of an escrow record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReleased  Status = "released"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// Record is one escrow. Only Status, Payee and UpdatedAt change after creation.
type Record struct {
	ID        uint64
	Sender    account.Address
	Recipient account.Address
	// Payee is the account that received the net amount once released. It
	// differs from Recipient only after an arbitrated resolution.
	Payee     account.Address
	Amount    int64
	Fee       int64
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Principal is the value transferred into custody at creation.
func (r Record) Principal() int64 {
	return r.Amount + r.Fee
}

// FeeAccount tracks platform fees. Accrued grows with every creation;
// Withdrawable is the part already earned by released escrows.
type FeeAccount struct {
	Accrued      int64
	Withdrawable int64
}

// Event is a domain event written to the outbox alongside the state change.
type Event struct {
	Topic   string
	Key     string
	Payload map[string]any
}

// Outbox topics.
const (
	TopicCreated         = "escrow.created"
	TopicReleased        = "escrow.released"
	TopicCancelled       = "escrow.cancelled"
	TopicDisputeResolved = "escrow.dispute_resolved"
	TopicRelayed         = "escrow.relayed"
	TopicFeesWithdrawn   = "fees.withdrawn"
)

// ListFilters narrows List. Zero fields match everything.
type ListFilters struct {
	Sender    account.Address
	Recipient account.Address
	Status    Status
	Page      int
	PageSize  int
}

func (f ListFilters) normalized() ListFilters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

func (f ListFilters) matches(r Record) bool {
	if !f.Sender.IsZero() && r.Sender != f.Sender {
		return false
	}
	if !f.Recipient.IsZero() && r.Recipient != f.Recipient {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Settlement is the outcome of a terminal transition.
type Settlement struct {
	Status Status
	Payee  account.Address
	At     time.Time
	Event  Event
}
