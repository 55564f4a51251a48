package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"videocall-platform/pkg/logger"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 2 * time.Second
)

// KafkaPublisher streams history rows to a Kafka topic, keyed by caller id so
// one user's calls stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher dials brokers with a synchronous, fully acknowledged producer.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("history: kafka brokers required")
	}
	if topic == "" {
		return nil, errors.New("history: kafka topic required")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = kafkaMaxRetries
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

type kafkaRecord struct {
	ID              int64     `json:"id"`
	CallID          string    `json:"call_id,omitempty"`
	CallerID        int64     `json:"caller_id"`
	ReceiverID      int64     `json:"receiver_id"`
	Status          string    `json:"call_status"`
	DurationSeconds int       `json:"duration"`
	StartedAt       time.Time `json:"started_at"`
}

func (p *KafkaPublisher) Publish(ctx context.Context, r Record) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.New("history: kafka publisher is closed")
	}

	data, err := json.Marshal(kafkaRecord{
		ID:              r.ID,
		CallID:          r.CallID,
		CallerID:        r.CallerID,
		ReceiverID:      r.ReceiverID,
		Status:          string(r.Status),
		DurationSeconds: r.DurationSeconds,
		StartedAt:       r.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("history: marshal kafka record: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(r.CallerID, 10)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("call_status"), Value: []byte(r.Status)},
		},
		Timestamp: r.StartedAt,
	}

	op := func() error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	return backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		logger.From(ctx).Warn("retrying kafka publish", "err", err, "next_in", d.String(), "topic", p.topic)
	})
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}
