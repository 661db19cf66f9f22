package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmptyClaimToken is returned when Claim is called without a token.
var ErrEmptyClaimToken = errors.New("outbox: claim token is required")

// PGRepository reads the outbox table written by the escrow store.
type PGRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PGRepository)(nil)

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Claim stamps up to limit pending rows with claimToken. Rows locked by
// another worker, or still under an unexpired claim, are skipped.
func (r *PGRepository) Claim(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if claimToken == "" {
		return nil, ErrEmptyClaimToken
	}

	const claimSQL = `
WITH candidates AS (
    SELECT id
    FROM outbox
    WHERE status = 'pending'
      AND (claimed_until IS NULL OR claimed_until < now())
    ORDER BY created_at
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET claim_token = $2,
    claimed_until = $3
FROM candidates c
WHERE o.id = c.id
RETURNING o.id, o.topic, o.key, o.payload::text, o.attempts, COALESCE(o.last_error, ''), o.created_at
`
	rows, err := r.pool.Query(ctx, claimSQL, limit, claimToken, claimUntil)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg     Message
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &payload, &msg.Attempts, &msg.LastError, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msg.Payload = []byte(payload)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkPublished(ctx context.Context, id uuid.UUID, claimToken string, at time.Time) error {
	const updateSQL = `
UPDATE outbox
SET status = 'published',
    published_at = $3,
    claim_token = NULL,
    claimed_until = NULL
WHERE id = $1 AND claim_token = $2
`
	if _, err := r.pool.Exec(ctx, updateSQL, id, claimToken, at); err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkFailed(ctx context.Context, id uuid.UUID, claimToken, errMsg string) error {
	const updateSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $3,
    claim_token = NULL,
    claimed_until = NULL
WHERE id = $1 AND claim_token = $2
`
	if _, err := r.pool.Exec(ctx, updateSQL, id, claimToken, errMsg); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkDead(ctx context.Context, id uuid.UUID, claimToken, errMsg string) error {
	const updateSQL = `
UPDATE outbox
SET status = 'dead',
    attempts = attempts + 1,
    last_error = $3,
    claim_token = NULL,
    claimed_until = NULL
WHERE id = $1 AND claim_token = $2
`
	if _, err := r.pool.Exec(ctx, updateSQL, id, claimToken, errMsg); err != nil {
		return fmt.Errorf("outbox: mark dead: %w", err)
	}
	return nil
}
