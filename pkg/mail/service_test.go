// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) Last() *events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

func newTestService(t *testing.T, sender *MockSender, pub *recordingPublisher) *Service {
	t.Helper()
	renderer, err := NewTemplateRenderer("")
	require.NoError(t, err)
	opts := ServiceOptions{
		Sender:              sender,
		Renderer:            renderer,
		SenderAddress:       "noreply@example.com",
		MaxRecipients:       5,
		QueueSize:           2,
		QueueRetryCount:     2,
		QueueRetryBackoffMs: 1,
	}
	if pub != nil {
		opts.Events = pub
	}
	return NewService(opts, zap.NewNop().Sugar())
}

var messageIDPattern = regexp.MustCompile(`^<[0-9a-f-]{36}@example\.com>$`)

func TestService_Prepare(t *testing.T) {
	svc := newTestService(t, &MockSender{}, nil)

	msg, err := svc.Prepare(&Request{
		To:      Recipients{"a@example.org"},
		Cc:      Recipients{"b@example.org"},
		ReplyTo: "support@example.com",
		Subject: "Hello",
		HTML:    "<p>Hi</p>",
	})
	require.NoError(t, err)
	assert.Regexp(t, messageIDPattern, msg.ID)
	assert.Equal(t, []string{"a@example.org"}, msg.To)
	assert.Equal(t, []string{"b@example.org"}, msg.Cc)
	assert.Equal(t, "support@example.com", msg.ReplyTo)
	assert.Equal(t, "<p>Hi</p>", msg.HTML)
	assert.Empty(t, msg.Text)

	other, err := svc.Prepare(&Request{To: Recipients{"a@example.org"}, Subject: "x", Text: "y"})
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, other.ID)
}

func TestService_PrepareTemplate(t *testing.T) {
	svc := newTestService(t, &MockSender{}, nil)

	msg, err := svc.Prepare(&Request{
		To:       Recipients{"a@example.org"},
		Subject:  "Your code",
		Template: "otp-code",
		Data:     map[string]any{"otpCode": "123456"},
	})
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "123456")
	assert.Contains(t, msg.Text, "Your OTP code is 123456")

	msg, err = svc.Prepare(&Request{
		To:       Recipients{"a@example.org"},
		Subject:  "Your code",
		Text:     "explicit text",
		Template: "otp-code",
		Data:     map[string]any{"otpCode": "123456"},
	})
	require.NoError(t, err)
	assert.Equal(t, "explicit text", msg.Text)
	assert.Contains(t, msg.HTML, "123456")
}

func TestService_PrepareErrors(t *testing.T) {
	svc := newTestService(t, &MockSender{}, nil)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing fields", Request{Subject: "x", Text: "y"}, ""},
		{"too many recipients", Request{To: Recipients{"1@x.org", "2@x.org", "3@x.org", "4@x.org", "5@x.org", "6@x.org"}, Subject: "x", Text: "y"}, "to"},
		{"unknown template", Request{To: Recipients{"a@example.org"}, Subject: "x", Template: "welcome"}, "template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Prepare(&tt.req)
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	noRenderer := NewService(ServiceOptions{Sender: &MockSender{}, SenderAddress: "noreply@example.com"}, zap.NewNop().Sugar())
	_, err := noRenderer.Prepare(&Request{To: Recipients{"a@example.org"}, Subject: "x", Template: "otp-code"})
	assert.True(t, IsValidationError(err))
}

func TestService_DeliverSuccess(t *testing.T) {
	sender := &MockSender{name: "mock-svc-ok"}
	pub := &recordingPublisher{}
	svc := newTestService(t, sender, pub)

	ctx := events.WithCorrelationID(context.Background(), "req-1")
	res, err := svc.Deliver(ctx, &Request{To: Recipients{"a@Example.org", "b@example.org"}, Subject: "Hi", Text: "Body"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Email sent successfully", res.Message)
	assert.Regexp(t, messageIDPattern, res.MessageID)
	require.Len(t, sender.Sent(), 1)

	e := pub.Last()
	require.NotNil(t, e)
	assert.Equal(t, events.TypeSent, e.Type)
	assert.Equal(t, res.MessageID, e.ProviderMessageID)
	assert.Equal(t, "mock-svc-ok", e.Transport)
	assert.Equal(t, 2, e.Recipients)
	assert.Equal(t, []string{"example.org"}, e.RecipientDomains)
	assert.Equal(t, "req-1", e.CorrelationID)
}

func TestService_DeliverFailure(t *testing.T) {
	sender := &MockSender{name: "mock-svc-fail", successAfter: 1}
	pub := &recordingPublisher{}
	svc := newTestService(t, sender, pub)

	res, err := svc.Deliver(context.Background(), &Request{To: Recipients{"a@example.org"}, Subject: "Hi", Text: "Body"})
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to send email", res.Message)
	assert.Equal(t, CodeDeliveryFailed, res.Code)
	assert.Equal(t, "simulated send failure", res.Error)

	e := pub.Last()
	require.NotNil(t, e)
	assert.Equal(t, events.TypeFailed, e.Type)
	assert.Equal(t, "simulated send failure", e.Error)
}

func TestService_DeliverValidationSkipsSender(t *testing.T) {
	sender := &MockSender{}
	pub := &recordingPublisher{}
	svc := newTestService(t, sender, pub)

	_, err := svc.Deliver(context.Background(), &Request{To: Recipients{"a@example.org"}})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Zero(t, sender.Attempts())
	assert.Empty(t, pub.Types())
}

func TestService_EnqueueDelivers(t *testing.T) {
	sender := &MockSender{name: "mock-svc-async"}
	pub := &recordingPublisher{}
	svc := newTestService(t, sender, pub)
	svc.Start()

	res, err := svc.Enqueue(context.Background(), &Request{To: Recipients{"a@example.org"}, Subject: "Hi", Text: "Body"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Queued)
	assert.Equal(t, "Email queued for delivery", res.Message)

	require.Eventually(t, func() bool {
		return len(pub.Types()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []events.Type{events.TypeQueued, events.TypeSent}, pub.Types())
	require.Len(t, sender.Sent(), 1)
	assert.Equal(t, res.MessageID, sender.Sent()[0].ID)

	require.NoError(t, svc.Stop(context.Background()))
}

func TestService_EnqueueFullAndClosed(t *testing.T) {
	sender := &MockSender{name: "mock-svc-full"}
	pub := &recordingPublisher{}
	svc := newTestService(t, sender, pub)
	req := &Request{To: Recipients{"a@example.org"}, Subject: "Hi", Text: "Body"}

	// queue size 2 and no worker running
	for i := 0; i < 2; i++ {
		_, err := svc.Enqueue(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, svc.QueueLength())

	res, err := svc.Enqueue(context.Background(), req)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, res.Success)
	assert.Equal(t, CodeQueueFull, res.Code)
	assert.Equal(t, events.TypeDropped, pub.Last().Type)

	require.NoError(t, svc.Stop(context.Background()))
	res, err = svc.Enqueue(context.Background(), req)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, CodeQueueClosed, res.Code)
}

func TestService_VerifyAndReadiness(t *testing.T) {
	sender := &MockSender{name: "mock-verify", verifyErr: assert.AnError}
	svc := newTestService(t, sender, nil)
	assert.False(t, svc.Ready())
	assert.Equal(t, "mock-verify", svc.TransportName())

	assert.ErrorIs(t, svc.Verify(context.Background()), assert.AnError)
	assert.False(t, svc.Ready())

	sender.verifyErr = nil
	require.NoError(t, svc.Verify(context.Background()))
	assert.True(t, svc.Ready())

	other := newTestService(t, &MockSender{}, nil)
	other.MarkReady()
	assert.True(t, other.Ready())
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", domainOf("noreply@example.com"))
	assert.Equal(t, "example.com", domainOf("Shop <noreply@example.com>"))
	assert.Equal(t, "mail-relay.local", domainOf(""))
	assert.Equal(t, "mail-relay.local", domainOf("broken@"))
}

func TestRecipientDomains(t *testing.T) {
	msg := &Message{
		To:  []string{"a@One.org", "b@one.org"},
		Cc:  []string{"c@two.org"},
		Bcc: []string{"d@one.org", "e@three.org"},
	}
	assert.Equal(t, []string{"one.org", "two.org", "three.org"}, recipientDomains(msg))
}

// slowSink blocks each write like a broker waiting for acknowledgements.
type slowSink struct {
	delay time.Duration
	mu    sync.Mutex
	n     int
}

func (s *slowSink) Write(ctx context.Context, _ *events.Event) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (s *slowSink) Close() error { return nil }
func (s *slowSink) Name() string { return "slow" }

func (s *slowSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestService_DeliverNotBlockedBySlowEventSink(t *testing.T) {
	sink := &slowSink{delay: 500 * time.Millisecond}
	pub := events.NewPublisher(zap.NewNop().Sugar(),
		events.NewQueuedSink(sink, events.DefaultQueuedSinkConfig(), zap.NewNop()))

	svc := NewService(ServiceOptions{
		Sender:        &MockSender{name: "mock-slow-events"},
		Events:        pub,
		SenderAddress: "noreply@example.com",
	}, zap.NewNop().Sugar())

	start := time.Now()
	res, err := svc.Deliver(context.Background(), &Request{To: Recipients{"a@example.org"}, Subject: "Hi", Text: "Body"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	require.NoError(t, pub.Close())
	assert.Equal(t, 1, sink.written())
}
