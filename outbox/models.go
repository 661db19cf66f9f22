package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one outbox row.
type Message struct {
	ID        uuid.UUID
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Repository claims and settles outbox rows.
type Repository interface {
	Claim(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]Message, error)
	MarkPublished(ctx context.Context, id uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, claimToken, errMsg string) error
	MarkDead(ctx context.Context, id uuid.UUID, claimToken, errMsg string) error
}

// Publisher delivers a message to a downstream sink.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
