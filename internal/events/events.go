// Package events publishes task lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/inaiurai/genbot/internal/models"
)

const (
	TaskCreated   = "task.created"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskRefunded  = "task.refunded"
)

// TaskEvent is the message body. Key is the correlation id so that events for
// one task land on one partition in order.
type TaskEvent struct {
	Type          string            `json:"type"`
	CorrelationID uuid.UUID         `json:"correlation_id"`
	UserID        int64             `json:"user_id"`
	TaskType      models.TaskType   `json:"task_type"`
	Status        models.TaskStatus `json:"status"`
	Cost          int               `json:"cost"`
	OutputRef     string            `json:"output_ref,omitempty"`
	Error         string            `json:"error,omitempty"`
	At            time.Time         `json:"at"`
}

// NewTaskEvent snapshots t.
func NewTaskEvent(typ string, t *models.Task) TaskEvent {
	ev := TaskEvent{
		Type:          typ,
		CorrelationID: t.CorrelationID,
		UserID:        t.UserID,
		TaskType:      t.Type,
		Status:        t.Status,
		Cost:          t.Cost,
		At:            time.Now().UTC(),
	}
	if t.OutputRef != nil {
		ev.OutputRef = *t.OutputRef
	}
	if t.Error != nil {
		ev.Error = *t.Error
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev TaskEvent) error
	Close() error
}

// KafkaConfig mirrors the kafka section of the service config.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type kafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher dials the brokers with a synchronous, all-replica-ack producer.
func NewKafkaPublisher(cfg KafkaConfig) (Publisher, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerPublisher(producer, cfg.Topic), nil
}

// NewProducerPublisher wraps an existing producer.
func NewProducerPublisher(producer sarama.SyncProducer, topic string) Publisher {
	return &kafkaPublisher{producer: producer, topic: topic}
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev TaskEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.CorrelationID.String()),
		Value: sarama.ByteEncoder(body),
	})
	return err
}

func (p *kafkaPublisher) Close() error {
	return p.producer.Close()
}

// Noop drops every event. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, TaskEvent) error { return nil }
func (Noop) Close() error                             { return nil }

// PublishQuietly sends ev and only logs a failure. Events are notifications;
// the database remains the source of truth.
func PublishQuietly(ctx context.Context, p Publisher, logger *slog.Logger, ev TaskEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		logger.Warn("publish task event failed", "type", ev.Type, "correlation_id", ev.CorrelationID, "error", err)
	}
}
