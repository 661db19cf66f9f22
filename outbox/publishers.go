package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// LogPublisher writes every message to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	p.logger.InfoContext(ctx, "published event",
		"topic", msg.Topic,
		"key", msg.Key,
		"payload", string(msg.Payload),
	)
	return nil
}

// KafkaPublisher writes messages to Kafka keyed by escrow id, so events of
// one escrow stay ordered within a partition.
type KafkaPublisher struct {
	writer       *kafka.Writer
	topicByEvent map[string]string
}

func NewKafkaPublisher(brokers []string, topicByEvent map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topicByEvent: topicByEvent,
	}, nil
}

// Topic maps an event topic to the Kafka topic it is written to.
func (p *KafkaPublisher) Topic(event string) string {
	if mapped, ok := p.topicByEvent[event]; ok && mapped != "" {
		return mapped
	}
	if mapped, ok := p.topicByEvent["*"]; ok && mapped != "" {
		return mapped
	}
	return event
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(msg.Topic),
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.Topic)},
			{Key: "outbox_id", Value: []byte(msg.ID.String())},
		},
		Time: time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// RedisPublisher appends messages to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisClient accepts either a redis:// URL or a bare host:port.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("outbox: redis url is required")
	}
	if strings.Contains(redisURL, "://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("outbox: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func NewRedisPublisher(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "escrow-events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"outbox_id": msg.ID.String(),
			"topic":     msg.Topic,
			"key":       msg.Key,
			"payload":   string(msg.Payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("outbox: xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
