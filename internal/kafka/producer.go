package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned when producing after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

// Producer publishes messages to one topic.
type Producer struct {
	writer *kafka.Writer
	config *Config
	closed atomic.Bool

	produced atomic.Int64
	failures atomic.Int64
}

// NewProducer creates a producer for the configured topic.
func NewProducer(cfg *Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		MaxAttempts:  cfg.ProducerMaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer", "topic", cfg.Topic)
		}),
	}

	slog.Info("kafka producer initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &Producer{writer: writer, config: cfg}, nil
}

// Produce sends one message.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		p.failures.Add(1)
		return fmt.Errorf("kafka: failed to produce message: %w", err)
	}
	p.produced.Add(1)
	return nil
}

// ProduceJSON marshals the value to JSON and sends it.
func (p *Producer) ProduceJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}
	return p.Produce(ctx, []byte(key), data)
}

// Metrics returns produced and failed message counts.
func (p *Producer) Metrics() (produced, failures int64) {
	return p.produced.Load(), p.failures.Load()
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// opsAlertMessage is the payload published when the engine itself fails in
// a way that breaks the escalation guarantee.
type opsAlertMessage struct {
	Source    string    `json:"source"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// OpsAlertFunc returns a tracker hook that publishes engine failures to the
// operational alert topic.
func (p *Producer) OpsAlertFunc() func(ctx context.Context, err error) {
	return func(ctx context.Context, err error) {
		msg := opsAlertMessage{
			Source:    "opsrelay-engine",
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}
		if perr := p.ProduceJSON(ctx, "engine-failure", msg); perr != nil {
			slog.Error("failed to publish operational alert", "error", perr, "cause", err)
		}
	}
}
