package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

const (
	// DefaultKafkaTopic carries one message per detection run.
	DefaultKafkaTopic = "anomaly-hunter-events"

	defaultKafkaReadTimeout  = 10 * time.Second
	defaultKafkaWriteTimeout = 10 * time.Second
)

type kafkaWriteMessage interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Balancer     string // RoundRobin | LeastBytes | Hash (default)
	WriteTimeout time.Duration
}

// KafkaSink publishes detection events to a Kafka topic keyed by run ID.
type KafkaSink struct {
	topic  string
	writer kafkaWriteMessage
	closer func() error
}

// NewKafkaSink creates a Kafka sink. No connection is made until the first publish.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultKafkaWriteTimeout
	}

	var balancer kafkago.Balancer
	switch cfg.Balancer {
	case "RoundRobin":
		balancer = &kafkago.RoundRobin{}
	case "LeastBytes":
		balancer = &kafkago.LeastBytes{}
	default:
		balancer = &kafkago.Hash{}
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     balancer,
		ReadTimeout:  defaultKafkaReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafkago.RequireOne,
	}
	return &KafkaSink{topic: cfg.Topic, writer: w, closer: w.Close}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

// Publish writes one message.
func (k *KafkaSink) Publish(ctx context.Context, _ *models.Verdict, ev contracts.DetectionEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(ev.RunID),
		Value: value,
		Time:  ev.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	if k.closer == nil {
		return nil
	}
	return k.closer()
}
