package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"opsrelay/internal/escalate"
	"opsrelay/internal/queue"
	"opsrelay/internal/schema"
)

// MessageHandler processes one consumed message. Returning an error leaves
// the message uncommitted for reprocessing.
type MessageHandler func(ctx context.Context, key, value []byte) error

// Consumer reads messages from one topic and hands them to a handler.
type Consumer struct {
	reader  *kafka.Reader
	config  *Config
	handler MessageHandler

	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	consumed atomic.Int64
	failures atomic.Int64
}

// NewConsumer creates a consumer for the configured topic.
func NewConsumer(cfg *Config, handler MessageHandler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		Dialer:         dialer,
		MinBytes:       cfg.ConsumerMinBytes,
		MaxBytes:       cfg.ConsumerMaxBytes,
		MaxWait:        cfg.ConsumerMaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader", "topic", cfg.Topic)
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		reader:  reader,
		config:  cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	slog.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.ConsumerGroup)
	return c, nil
}

// Start begins consuming in a goroutine and returns immediately.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeLoop()
	}()
	return nil
}

func (c *Consumer) consumeLoop() {
	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.closed.Load() {
				return
			}
			c.failures.Add(1)
			slog.Warn("kafka fetch failed", "topic", c.config.Topic, "error", err)
			continue
		}

		if err := c.handler(c.ctx, msg.Key, msg.Value); err != nil {
			c.failures.Add(1)
			slog.Warn("kafka message handling failed",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			// Poison messages are committed anyway; the handler already
			// logged what it could not parse, replaying will not help.
		}
		c.consumed.Add(1)

		if err := c.reader.CommitMessages(c.ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("kafka commit failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// Metrics returns consumed and failed message counts.
func (c *Consumer) Metrics() (consumed, failures int64) {
	return c.consumed.Load(), c.failures.Load()
}

// Close stops consumption and closes the reader.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	err := c.reader.Close()
	c.wg.Wait()
	slog.Info("kafka consumer stopped", "topic", c.config.Topic)
	return err
}

// AlertHandler decodes inbound alerts, validates them and enqueues them for
// the engine. Invalid payloads are counted and dropped.
func AlertHandler(validator *schema.Validator, buf *queue.RingBuffer) MessageHandler {
	return func(_ context.Context, _, value []byte) error {
		var alert schema.Alert
		if err := json.Unmarshal(value, &alert); err != nil {
			return fmt.Errorf("failed to decode alert: %w", err)
		}
		if alert.ReceivedAt.IsZero() {
			alert.ReceivedAt = time.Now().UTC()
		}
		if err := validator.Validate(&alert); err != nil {
			return fmt.Errorf("alert %s rejected: %w", alert.AlertID, err)
		}
		if err := buf.Push(&alert); err != nil {
			return fmt.Errorf("failed to enqueue alert %s: %w", alert.AlertID, err)
		}
		return nil
	}
}

// SignalHandler decodes acknowledgment/resolution signals and applies them
// to the tracker.
func SignalHandler(validator *schema.Validator, tracker *escalate.Tracker) MessageHandler {
	return func(ctx context.Context, _, value []byte) error {
		var sig schema.Signal
		if err := json.Unmarshal(value, &sig); err != nil {
			return fmt.Errorf("failed to decode signal: %w", err)
		}
		if err := validator.ValidateSignal(&sig); err != nil {
			return fmt.Errorf("signal rejected: %w", err)
		}
		if _, err := tracker.HandleSignal(ctx, &sig); err != nil {
			if errors.Is(err, escalate.ErrCaseNotFound) {
				slog.Debug("signal for unknown case ignored", "kind", sig.Kind, "actor", sig.Actor)
				return nil
			}
			return err
		}
		return nil
	}
}
