// Package consumer drains the alert queue into the escalation engine.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opsrelay/internal/escalate"
	"opsrelay/internal/queue"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer reads alerts from the queue and feeds them to the case tracker.
type Consumer struct {
	queue   *queue.RingBuffer
	tracker *escalate.Tracker
	config  Config

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	consumed uint64
	opened   uint64
	errors   uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, tracker *escalate.Tracker, cfg Config) *Consumer {
	return &Consumer{
		queue:   q,
		tracker: tracker,
		config:  cfg,
		done:    make(chan struct{}),
	}
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("alert consumer started", "workers", c.config.Workers)
}

// worker is a single consumer worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	slog.Debug("consumer worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("consumer worker stopping (context)", "worker_id", id)
			return
		case <-c.done:
			slog.Debug("consumer worker stopping (done)", "worker_id", id)
			return
		default:
			alert, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				slog.Warn("unexpected queue error", "worker_id", id, "error", err)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			cases := c.tracker.HandleAlert(ctx, alert)
			atomic.AddUint64(&c.consumed, 1)
			atomic.AddUint64(&c.opened, uint64(len(cases)))

			if len(cases) > 0 {
				slog.Debug("alert opened cases",
					"worker_id", id,
					"alert_id", alert.AlertID,
					"cases", len(cases),
				)
			}
		}
	}
}

// Stop stops the consumer gracefully.
func (c *Consumer) Stop() {
	close(c.done)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("alert consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("alert consumer shutdown timed out")
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Opened:   atomic.LoadUint64(&c.opened),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Opened   uint64 `json:"opened"`
	Errors   uint64 `json:"errors"`
}
