// Package events publishes pipeline outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/timmy/sqpsync/internal/logger"
)

// EventReportCompleted is the type header of ReportCompleted messages.
const EventReportCompleted = "sqp.report.completed"

// ReportCompleted announces that one period of a cron job finished importing.
type ReportCompleted struct {
	ID             string    `json:"id"`
	TenantKey      uint      `json:"tenant_key"`
	CronJobID      uint      `json:"cron_job_id"`
	DownloadID     uint      `json:"download_id"`
	SellerID       uint      `json:"seller_id"`
	AmazonSellerID string    `json:"amazon_seller_id"`
	Period         string    `json:"period"`
	ReportID       string    `json:"report_id"`
	Status         string    `json:"status"` // SUCCESS, FAILED
	HasData        bool      `json:"has_data"`
	Records        int       `json:"records"`
	StartDate      string    `json:"start_date,omitempty"`
	EndDate        string    `json:"end_date,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher emits pipeline events.
type Publisher interface {
	PublishReportCompleted(ctx context.Context, ev ReportCompleted) error
	Close() error
}

// New returns a Kafka publisher when brokers are configured and a no-op otherwise.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 || topic == "" {
		return Noop{}
	}
	return NewKafkaPublisher(brokers, topic)
}

// Noop discards events.
type Noop struct{}

func (Noop) PublishReportCompleted(context.Context, ReportCompleted) error { return nil }
func (Noop) Close() error                                                { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic, keyed by seller so one seller's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	once   sync.Once
}

// NewKafkaPublisher creates a synchronous publisher.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

// PublishReportCompleted writes one event.
func (p *KafkaPublisher) PublishReportCompleted(ctx context.Context, ev ReportCompleted) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d:%d", ev.TenantKey, ev.SellerID)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventReportCompleted)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", EventReportCompleted, err)
	}

	logger.With(logger.Fields{"event_id": ev.ID, "topic": p.topic}).Debug(ctx, "Event published")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() { err = p.writer.Close() })
	return err
}
