package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WorkerConfig tunes the delivery loop. Zero values take defaults.
type WorkerConfig struct {
	Interval   time.Duration
	BatchSize  int
	ClaimTTL   time.Duration
	MaxRetries int
}

// Worker delivers outbox rows to a Publisher.
type Worker struct {
	logger     *slog.Logger
	repo       Repository
	publisher  Publisher
	interval   time.Duration
	batchSize  int
	claimTTL   time.Duration
	maxRetries int
	now        func() time.Time
}

func NewWorker(logger *slog.Logger, repo Repository, publisher Publisher, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Worker{
		logger:     logger,
		repo:       repo,
		publisher:  publisher,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		claimTTL:   cfg.ClaimTTL,
		maxRetries: cfg.MaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "outbox.worker",
				"operation", "outbox_process_once",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BatchResult counts what one iteration did.
type BatchResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

// ProcessOnce claims one batch and publishes it.
func (w *Worker) ProcessOnce(ctx context.Context) (BatchResult, error) {
	claimToken := uuid.NewString()
	msgs, err := w.repo.Claim(ctx, w.batchSize, claimToken, w.now().Add(w.claimTTL))
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Claimed: len(msgs)}
	for _, msg := range msgs {
		if msg.Attempts >= w.maxRetries {
			res.DeadLettered++
			w.mark(ctx, "mark_dead", msg, w.repo.MarkDead(ctx, msg.ID, claimToken, "retry threshold reached before publish"))
			continue
		}

		if err := w.publisher.Publish(ctx, msg); err != nil {
			res.Failed++
			attempts := msg.Attempts + 1
			if attempts >= w.maxRetries {
				res.DeadLettered++
				w.logger.ErrorContext(ctx, "outbox message dead-lettered",
					"module", "outbox.worker",
					"operation", "publish_event",
					"outcome", "failure",
					"outbox_id", msg.ID,
					"topic", msg.Topic,
					"attempts", attempts,
					"error", err,
				)
				w.mark(ctx, "mark_dead", msg, w.repo.MarkDead(ctx, msg.ID, claimToken, err.Error()))
				continue
			}

			w.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
				"module", "outbox.worker",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", msg.ID,
				"topic", msg.Topic,
				"attempts", attempts,
				"error", err,
			)
			w.mark(ctx, "mark_failed", msg, w.repo.MarkFailed(ctx, msg.ID, claimToken, err.Error()))
			continue
		}

		res.Published++
		w.mark(ctx, "mark_published", msg, w.repo.MarkPublished(ctx, msg.ID, claimToken, w.now()))
	}

	if res.Claimed > 0 {
		w.logger.InfoContext(ctx, "outbox batch processed",
			"module", "outbox.worker",
			"operation", "outbox_process_once",
			"outcome", "success",
			"batch_size", res.Claimed,
			"published_count", res.Published,
			"failed_count", res.Failed,
			"dead_lettered_count", res.DeadLettered,
		)
	}
	return res, nil
}

// mark logs a failed status update; the claim expires and the row is retried.
func (w *Worker) mark(ctx context.Context, op string, msg Message, err error) {
	if err == nil {
		return
	}
	w.logger.ErrorContext(ctx, "outbox status update failed",
		"module", "outbox.worker",
		"operation", op,
		"outcome", "failure",
		"outbox_id", msg.ID,
		"error", err,
	)
}
