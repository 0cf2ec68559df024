package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Sink persists audit records. Implementations must be append-only.
type Sink interface {
	AppendAudit(ctx context.Context, rec Record) error
}

// MultiSink writes every record to each of its sinks and joins the errors.
type MultiSink []Sink

func (m MultiSink) AppendAudit(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendAudit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit records as JSON, keyed by record ID.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (k *KafkaSink) AppendAudit(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.ID), Value: payload}); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
