// Package relay lets the relayer attach a message to an escrow id. It has no
// effect on escrow state; each message becomes an outbox event.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"escrowflow/account"
	"escrowflow/escrow"
)

// Authorizer checks the relayer role.
type Authorizer interface {
	RequireRelayer(caller account.Address) error
}

// Enqueuer writes an event to the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev escrow.Event) error
}

// Message is what a relay emits.
type Message struct {
	EscrowID uint64
	Body     string
	Caller   account.Address
	At       time.Time
}

// Channel is the relay side-channel.
type Channel struct {
	access Authorizer
	out    Enqueuer
	logger *slog.Logger
}

func NewChannel(authz Authorizer, out Enqueuer, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Channel{access: authz, out: out, logger: logger}
}

// Relay emits message for id. The id is not checked against existing escrows.
func (c *Channel) Relay(ctx context.Context, caller account.Address, id uint64, message string) (Message, error) {
	if err := c.access.RequireRelayer(caller); err != nil {
		return Message{}, err
	}

	msg := Message{EscrowID: id, Body: message, Caller: caller, At: time.Now().UTC()}
	ev := escrow.Event{
		Topic: escrow.TopicRelayed,
		Key:   fmt.Sprintf("%d", id),
		Payload: map[string]any{
			"escrow_id": id,
			"message":   message,
			"caller":    string(caller),
			"at":        msg.At,
		},
	}
	if err := c.out.Enqueue(ctx, ev); err != nil {
		return Message{}, fmt.Errorf("relay: enqueue: %w", err)
	}

	c.logger.InfoContext(ctx, "message relayed",
		"operation", "relay",
		"outcome", "success",
		"escrow_id", id,
		"caller", caller,
	)
	return msg, nil
}
