// Package mq publishes findings and breaker changes to Kafka for downstream
// consumers.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/findings"
)

// Message types carried in the envelope.
const (
	TypeFinding      = "finding"
	TypeBreakerState = "breaker_state"

	breakerKey     = "circuit-breaker"
	publishTimeout = 5 * time.Second
)

// Writer is the slice of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a synchronous writer that waits for the leader ack.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// Envelope is the JSON value of every message.
type Envelope struct {
	Type         string                `json:"type"`
	AlertID      string                `json:"alertId,omitempty"`
	TxRef        string                `json:"transactionHash,omitempty"`
	Block        uint64                `json:"blockNumber,omitempty"`
	LedgerTime   time.Time             `json:"timestamp,omitzero"`
	Finding      *findings.Finding     `json:"finding,omitempty"`
	BreakerEvent *circuitbreaker.Event `json:"breakerEvent,omitempty"`
}

// Publisher writes envelopes keyed by alert id, so all occurrences of one
// alert land on the same partition in order.
type Publisher struct {
	w         Writer
	logger    *slog.Logger
	lastError atomic.Pointer[string]
}

// NewPublisher creates a publisher over w.
func NewPublisher(w Writer, logger *slog.Logger) *Publisher {
	return &Publisher{w: w, logger: logger}
}

// Name identifies the publisher in router metrics.
func (p *Publisher) Name() string { return "kafka" }

// PublishFindings writes one message per finding in a single batch.
func (p *Publisher) PublishFindings(ctx context.Context, batch findings.Batch) error {
	msgs := make([]kafka.Message, 0, len(batch.Findings))
	for i := range batch.Findings {
		f := batch.Findings[i]
		alertID := findings.AlertID(f)
		body, err := json.Marshal(Envelope{
			Type:       TypeFinding,
			AlertID:    alertID,
			TxRef:      batch.TxRef,
			Block:      batch.Block,
			LedgerTime: batch.LedgerTime,
			Finding:    &f,
		})
		if err != nil {
			return fmt.Errorf("encode finding: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(alertID), Value: body, Time: time.Now().UTC()})
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.write(ctx, TypeFinding, msgs)
}

// PublishBreakerEvent writes a breaker change. It matches the breaker's
// subscriber signature and logs instead of returning errors.
func (p *Publisher) PublishBreakerEvent(ev circuitbreaker.Event) {
	body, err := json.Marshal(Envelope{Type: TypeBreakerState, TxRef: ev.TxRef, BreakerEvent: &ev})
	if err != nil {
		p.logger.Error("failed to encode breaker event", "id", ev.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.write(ctx, TypeBreakerState, []kafka.Message{{Key: []byte(breakerKey), Value: body, Time: ev.Timestamp}}); err != nil {
		p.logger.Warn("failed to publish breaker event", "id", ev.ID, "error", err)
	}
}

func (p *Publisher) write(ctx context.Context, typ string, msgs []kafka.Message) error {
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		publishErrors.WithLabelValues(typ).Inc()
		msg := err.Error()
		p.lastError.Store(&msg)
		return fmt.Errorf("kafka write: %w", err)
	}
	p.lastError.Store(nil)
	published.WithLabelValues(typ).Add(float64(len(msgs)))
	return nil
}

// Healthy reports whether the last write succeeded, with the last error.
func (p *Publisher) Healthy() (bool, string) {
	if e := p.lastError.Load(); e != nil {
		return false, *e
	}
	return true, ""
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
