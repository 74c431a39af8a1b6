package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
}

// EnsureTopic creates a topic if it does not already exist.
func EnsureTopic(ctx context.Context, cfg *Config, topic TopicConfig) error {
	if topic.Partitions < 1 {
		topic.Partitions = 3
	}
	if topic.ReplicationFactor < 1 {
		topic.ReplicationFactor = 1
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	controllerConn, err := dialer.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	var configEntries []kafka.ConfigEntry
	if topic.RetentionMs > 0 {
		configEntries = append(configEntries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(topic.RetentionMs, 10),
		})
	}

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic.Name,
		NumPartitions:     topic.Partitions,
		ReplicationFactor: topic.ReplicationFactor,
		ConfigEntries:     configEntries,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			slog.Debug("kafka topic already exists", "topic", topic.Name)
			return nil
		}
		return fmt.Errorf("kafka: failed to create topic %s: %w", topic.Name, err)
	}

	slog.Info("kafka topic created",
		"topic", topic.Name,
		"partitions", topic.Partitions,
		"replication_factor", topic.ReplicationFactor)
	return nil
}
