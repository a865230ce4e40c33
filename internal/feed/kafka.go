package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/risk-engine/internal/model"
)

// KafkaConfig configures the trade consumer.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration // how long Next waits for the batch to fill
}

// messageReader is the subset of *kafka.Reader the feed uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaFeed consumes JSON-encoded trades from a topic. Offsets are committed
// once a batch has been decoded, malformed messages included, so a poison
// message is skipped rather than redelivered forever.
type KafkaFeed struct {
	reader      messageReader
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewKafkaFeed creates a consumer-group reader for cfg.Topic.
func NewKafkaFeed(cfg KafkaConfig, logger *slog.Logger) (*KafkaFeed, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("feed: kafka brokers and topic are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "kafka_feed"), slog.String("topic", cfg.Topic))
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return newKafkaFeed(reader, cfg.PollTimeout, logger), nil
}

func newKafkaFeed(r messageReader, pollTimeout time.Duration, logger *slog.Logger) *KafkaFeed {
	if pollTimeout <= 0 {
		pollTimeout = 250 * time.Millisecond
	}
	return &KafkaFeed{reader: r, pollTimeout: pollTimeout, logger: logger}
}

// Next fetches until max trades are collected or the poll timeout elapses.
func (f *KafkaFeed) Next(ctx context.Context, max int) ([]model.Trade, error) {
	if max <= 0 {
		return nil, nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, f.pollTimeout)
	defer cancel()

	var (
		trades []model.Trade
		msgs   []kafka.Message
	)
	for len(msgs) < max {
		msg, err := f.reader.FetchMessage(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("feed: fetch: %w", err)
		}
		msgs = append(msgs, msg)

		var t model.Trade
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			f.logger.WarnContext(ctx, "skipping malformed trade message",
				"partition", msg.Partition, "offset", msg.Offset, "err", err)
			continue
		}
		trades = append(trades, t)
	}

	if len(msgs) > 0 {
		if err := f.reader.CommitMessages(ctx, msgs...); err != nil {
			return trades, fmt.Errorf("feed: commit: %w", err)
		}
	}
	return trades, nil
}

func (f *KafkaFeed) Close() error {
	return f.reader.Close()
}
