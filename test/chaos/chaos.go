// Package chaos kills Postgres backends while the stress actors run, so
// every escrow transaction has to survive losing its connection midway.
package chaos

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config tunes a Terminator. Zero values take the defaults below.
type Config struct {
	// Every is the tick between kill attempts.
	Every time.Duration
	// Odds is the chance a tick kills anything.
	Odds float64
	// States lists the pg_stat_activity states a victim may be in.
	States []string
}

// Terminator picks one backend of the current database per strike and
// terminates it.
type Terminator struct {
	pool   *pgxpool.Pool
	cfg    Config
	rng    *rand.Rand
	killed atomic.Int64
}

// NewTerminator seeds its choices from seed so a failing run can be replayed.
func NewTerminator(pool *pgxpool.Pool, cfg Config, seed int64) *Terminator {
	if cfg.Every <= 0 {
		cfg.Every = 2 * time.Second
	}
	if cfg.Odds <= 0 {
		cfg.Odds = 0.2
	}
	if len(cfg.States) == 0 {
		cfg.States = []string{"idle in transaction", "active"}
	}
	return &Terminator{
		pool: pool,
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(uint64(seed), 0x5eed)),
	}
}

// Run strikes until ctx ends or stop closes.
func (t *Terminator) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if t.rng.Float64() < t.cfg.Odds {
				t.strike(ctx)
			}
		}
	}
}

// Killed returns how many backends were terminated so far.
func (t *Terminator) Killed() int64 {
	return t.killed.Load()
}

func (t *Terminator) strike(ctx context.Context) {
	// Only sessions that are working on the engine's tables are eligible.
	const victimSQL = `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database()
  AND pid <> pg_backend_pid()
  AND state = ANY($1)
  AND query ~* '(escrow|ledger_|fee_account|outbox)'
ORDER BY random()
LIMIT 1
`
	var done bool
	if err := t.pool.QueryRow(ctx, victimSQL, t.cfg.States).Scan(&done); err != nil {
		return
	}
	if done {
		t.killed.Add(1)
	}
}
