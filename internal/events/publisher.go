// Package events publishes sync lifecycle notifications to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// TypeSyncCompleted is the event type emitted after each source sync.
const TypeSyncCompleted = "fitsync.sync.completed"

// SyncCompleted is the payload of a TypeSyncCompleted event.
type SyncCompleted struct {
	ID                  string    `json:"id"`
	Type                string    `json:"type"`
	Source              string    `json:"source"`
	Outcome             string    `json:"outcome"`
	ActivitiesProcessed int       `json:"activitiesProcessed"`
	ActivitiesAdded     int       `json:"activitiesAdded"`
	ActivitiesUpdated   int       `json:"activitiesUpdated"`
	Errors              []string  `json:"errors,omitempty"`
	StartTime           time.Time `json:"startTime"`
	EndTime             time.Time `json:"endTime"`
	SyncRunID           int64     `json:"syncRunId,omitempty"`
}

// Publisher delivers sync events.
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, ev SyncCompleted) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishSyncCompleted(context.Context, SyncCompleted) error { return nil }
func (Nop) Close() error                                              { return nil }

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a single topic keyed by source.
type KafkaPublisher struct {
	mu     sync.Mutex
	writer MessageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}, topic), nil
}

func newKafkaPublisher(w MessageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// PublishSyncCompleted serializes ev and writes it synchronously.
func (p *KafkaPublisher) PublishSyncCompleted(ctx context.Context, ev SyncCompleted) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Type = TypeSyncCompleted

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Source),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
		Time: ev.EndTime,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.Close()
}
