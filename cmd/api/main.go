package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/access"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/relay"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowflow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	accounts := ledger.NewPGLedger(pool, cfg.Escrow.Custody)
	registry, err := access.Restore(ctx, cfg.Escrow.Owner, cfg.Escrow.WithdrawalDestination, access.NewPGStore(pool),
		access.WithReserved(accounts.Custody()))
	if err != nil {
		return fmt.Errorf("restore roles: %w", err)
	}

	store := escrow.NewPGStore(pool)
	escrows := escrow.NewService(store, accounts, registry, escrow.WithLogger(logger))
	channel := relay.NewChannel(registry, store, logger)
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, accounts.Custody())

	publisher, closePublisher, err := newPublisher(cfg.Outbox, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	worker := outbox.NewWorker(logger, outbox.NewPGRepository(pool), publisher, outbox.WorkerConfig{
		Interval:   cfg.Outbox.PollInterval,
		BatchSize:  cfg.Outbox.BatchSize,
		ClaimTTL:   cfg.Outbox.ClaimTTL,
		MaxRetries: cfg.Outbox.MaxRetries,
	})

	server := NewServer(escrows, registry, channel, authSvc, accounts, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "owner", registry.Roles().Owner)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func newPublisher(cfg config.Outbox, logger *slog.Logger) (outbox.Publisher, func(), error) {
	switch cfg.Sink {
	case config.SinkKafka:
		p, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopics)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case config.SinkRedis:
		client, err := outbox.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		p := outbox.NewRedisPublisher(client, cfg.RedisStream, cfg.RedisStreamMax)
		return p, func() { _ = p.Close() }, nil
	default:
		return outbox.NewLogPublisher(logger), func() {}, nil
	}
}
