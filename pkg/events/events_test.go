package events

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/telekom/mail-relay/pkg/config"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
	// delay simulates a slow broker acknowledgement.
	delay time.Duration
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type recordingSink struct {
	name   string
	events []*Event
	err    error
}

func (r *recordingSink) Write(_ context.Context, e *Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}
func (r *recordingSink) Close() error { return r.err }
func (r *recordingSink) Name() string { return r.name }

func TestNewEvent(t *testing.T) {
	e := NewEvent(TypeSent)
	assert.Equal(t, TypeSent, e.Type)
	assert.NotEmpty(t, e.ID)
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Second)
}

func TestCorrelationID(t *testing.T) {
	assert.Empty(t, CorrelationIDFrom(context.Background()))
	ctx := WithCorrelationID(context.Background(), "req-1")
	assert.Equal(t, "req-1", CorrelationIDFrom(ctx))
}

func TestKafkaSink_Write(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, zap.NewNop())

	e := NewEvent(TypeSent)
	e.MessageID = "<abc@example.com>"
	e.CorrelationID = "req-42"
	require.NoError(t, sink.Write(context.Background(), e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("<abc@example.com>"), msg.Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, TypeSent, decoded.Type)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "mail.sent", headers["event-type"])
	assert.Equal(t, "req-42", headers["correlation-id"])

	written, failed := sink.MessageStats()
	assert.Equal(t, int64(1), written)
	assert.Equal(t, int64(0), failed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	sink := newKafkaSink(w, zap.NewNop())

	err := sink.Write(context.Background(), NewEvent(TypeFailed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(broker)")

	_, failed := sink.MessageStats()
	assert.Equal(t, int64(1), failed)
}

func TestKafkaSink_Close(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, zap.NewNop())

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "second close is a no-op")
	assert.True(t, w.closed)
	assert.Error(t, sink.Write(context.Background(), NewEvent(TypeSent)))
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(config.Kafka{Topic: "t"}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewKafkaSink(config.Kafka{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewKafkaSink(config.Kafka{Brokers: []string{"localhost:9092"}, Topic: "t", SASLMechanism: "GSSAPI"}, zap.NewNop())
	assert.Error(t, err)

	sink, err := NewKafkaSink(config.Kafka{
		Brokers:       []string{"localhost:9092"},
		Topic:         "mail-events",
		SASLMechanism: "SCRAM-SHA-512",
		SASLUsername:  "u",
		SASLPassword:  "p",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "kafka", sink.Name())
	require.NoError(t, sink.Close())
}

func TestClassifyKafkaError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "cancelled"},
		{&net.DNSError{Err: "no such host", Name: "kafka"}, "dns"},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, "network"},
		{errors.New("SASL handshake failed"), "auth"},
		{errors.New("unknown topic or partition"), "topic"},
		{errors.New("x509: certificate signed by unknown authority"), "tls"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyKafkaError(tt.err))
	}
}

func TestLogSink(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	ok := NewEvent(TypeSent)
	ok.MessageID = "<1@example.com>"
	ok.RecipientDomains = []string{"example.com"}
	require.NoError(t, sink.Write(context.Background(), ok))

	failed := NewEvent(TypeFailed)
	failed.Error = "dial tcp: refused"
	require.NoError(t, sink.Write(context.Background(), failed))

	entries := recorded.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "<1@example.com>", entries[0].ContextMap()["message_id"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "dial tcp: refused", entries[1].ContextMap()["error"])
}

func TestPublisher_FansOutAndSwallowsErrors(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	p := NewPublisher(zap.NewNop().Sugar(), bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, NewEvent(TypeQueued))

	require.Len(t, good.events, 1, "cancelled request context must not stop publication")
	assert.Equal(t, []string{"bad", "good"}, p.Sinks())
	assert.Error(t, p.Close())
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() { p.Publish(context.Background(), NewEvent(TypeSent)) })
}
