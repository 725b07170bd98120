package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/logging"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishFindings(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, logging.Discard())

	batch := findings.Batch{
		TxRef:      "0xabc",
		Block:      12,
		LedgerTime: time.Unix(1700000000, 0).UTC(),
		Findings: []findings.Finding{
			{Kind: findings.KindFrontRunning, Subject: "0xbuyer", Severity: findings.SeverityHigh},
			{Kind: findings.KindContractAnomaly, Evidence: map[string]string{findings.EvAnomalyType: "PRICE_SPIKE"}},
		},
	}
	require.NoError(t, p.PublishFindings(context.Background(), batch))
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "ENERGY-FRONT-RUNNING", string(w.msgs[0].Key))
	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, TypeFinding, env.Type)
	assert.Equal(t, "0xabc", env.TxRef)
	assert.Equal(t, uint64(12), env.Block)
	require.NotNil(t, env.Finding)
	assert.Equal(t, "0xbuyer", env.Finding.Subject)

	assert.Equal(t, "ENERGY-ANOMALY-PRICE_SPIKE", string(w.msgs[1].Key))

	require.NoError(t, p.PublishFindings(context.Background(), findings.Batch{}))
	assert.Len(t, w.msgs, 2)
}

func TestPublishBreakerEvent(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, logging.Discard())

	p.PublishBreakerEvent(circuitbreaker.Event{
		ID: "e1", PreviousState: circuitbreaker.StateNormal, NewState: circuitbreaker.StatePaused,
		Reason: "front running", TriggeredBy: "system", Timestamp: time.Now(),
	})
	require.Len(t, w.msgs, 1)
	assert.Equal(t, breakerKey, string(w.msgs[0].Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, TypeBreakerState, env.Type)
	require.NotNil(t, env.BreakerEvent)
	assert.Equal(t, circuitbreaker.StatePaused, env.BreakerEvent.NewState)
}

func TestPublisherHealth(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := NewPublisher(w, logging.Discard())

	err := p.PublishFindings(context.Background(), findings.Batch{Findings: []findings.Finding{{Kind: findings.KindLargeMinting}}})
	assert.Error(t, err)
	ok, detail := p.Healthy()
	assert.False(t, ok)
	assert.Contains(t, detail, "broker unreachable")

	w.err = nil
	require.NoError(t, p.PublishFindings(context.Background(), findings.Batch{Findings: []findings.Finding{{Kind: findings.KindLargeMinting}}}))
	ok, _ = p.Healthy()
	assert.True(t, ok)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.Equal(t, "kafka", p.Name())
}
