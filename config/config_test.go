package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/escrow")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ESCROW_OWNER", "owner")
	t.Setenv("ESCROW_WITHDRAWAL_DESTINATION", "platform")
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.Escrow.Owner != "owner" || cfg.Escrow.Custody != "escrow:custody" {
		t.Fatalf("unexpected escrow config %+v", cfg.Escrow)
	}
	if cfg.Outbox.Sink != SinkLog || cfg.Outbox.PollInterval != 2*time.Second {
		t.Fatalf("unexpected outbox config %+v", cfg.Outbox)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OUTBOX_BATCH_SIZE", "7")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
http_addr: ":9000"
database:
  max_conns: 8
outbox:
  sink: kafka
  batch_size: 50
  poll_interval: 500ms
  kafka_topics:
    escrow.relayed: escrow-relay
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("expected file http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.Database.MaxConns != 8 {
		t.Fatalf("expected max conns 8, got %d", cfg.Database.MaxConns)
	}
	if cfg.Outbox.BatchSize != 7 {
		t.Fatalf("expected env to override batch size, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.Outbox.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms poll interval, got %v", cfg.Outbox.PollInterval)
	}
	if len(cfg.Outbox.KafkaBrokers) != 2 || cfg.Outbox.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Outbox.KafkaBrokers)
	}
	if cfg.Outbox.KafkaTopics["escrow.relayed"] != "escrow-relay" {
		t.Fatalf("unexpected topics %v", cfg.Outbox.KafkaTopics)
	}
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	setRequiredEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("expected missing file to be skipped, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		want string
	}{
		"missing secret":   {env: map[string]string{"JWT_SECRET": ""}, want: "JWT_SECRET"},
		"bad owner":        {env: map[string]string{"ESCROW_OWNER": "not valid"}, want: "escrow owner"},
		"unknown sink":     {env: map[string]string{"OUTBOX_SINK": "carrier-pigeon"}, want: "unknown outbox sink"},
		"redis needs url":  {env: map[string]string{"OUTBOX_SINK": "redis"}, want: "REDIS_URL"},
		"bad duration":     {env: map[string]string{"TOKEN_TTL": "soon"}, want: "parse env"},
		"custody as owner": {env: map[string]string{"ESCROW_OWNER": "escrow:custody"}, want: "custody account"},
		"custody as destination": {
			env:  map[string]string{"ESCROW_WITHDRAWAL_DESTINATION": "vault", "ESCROW_CUSTODY": "vault"},
			want: "custody account",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
