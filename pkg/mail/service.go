// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/events"
	"github.com/telekom/mail-relay/pkg/metrics"
)

const tracerName = "github.com/telekom/mail-relay/pkg/mail"

// EventPublisher receives delivery events. Publishing must not fail a send.
type EventPublisher interface {
	Publish(ctx context.Context, event *events.Event)
}

type ServiceOptions struct {
	Sender   Sender
	Renderer *TemplateRenderer
	Events   EventPublisher

	// SenderAddress provides the domain part of generated Message-IDs.
	SenderAddress string
	MaxRecipients int

	QueueSize           int
	QueueRetryCount     int
	QueueRetryBackoffMs int
}

// Service validates requests, composes messages and delivers them
// synchronously or through the background queue.
type Service struct {
	sender        Sender
	renderer      *TemplateRenderer
	events        EventPublisher
	domain        string
	maxRecipients int
	log           *zap.SugaredLogger
	tracer        trace.Tracer

	queue *Queue

	mu    sync.RWMutex
	ready bool
}

func NewService(opts ServiceOptions, logger *zap.SugaredLogger) *Service {
	log := logger.Named("mail-service")
	s := &Service{
		sender:        opts.Sender,
		renderer:      opts.Renderer,
		events:        opts.Events,
		domain:        domainOf(opts.SenderAddress),
		maxRecipients: opts.MaxRecipients,
		log:           log,
		tracer:        otel.Tracer(tracerName),
	}
	s.queue = NewQueue(opts.Sender, log, opts.QueueRetryCount, opts.QueueRetryBackoffMs, opts.QueueSize)
	s.queue.OnComplete(s.queueCompleted)
	return s
}

// Start launches the background queue.
func (s *Service) Start() {
	s.queue.Start()
}

// Stop drains the queue.
func (s *Service) Stop(ctx context.Context) error {
	return s.queue.Stop(ctx)
}

// Verify checks the transport and records readiness.
func (s *Service) Verify(ctx context.Context) error {
	err := s.sender.Verify(ctx)
	s.mu.Lock()
	s.ready = err == nil
	s.mu.Unlock()
	if err != nil {
		metrics.TransportReady.Set(0)
		return err
	}
	metrics.TransportReady.Set(1)
	s.log.Infow("Mail transport verified", "transport", s.sender.Name())
	return nil
}

// MarkReady flags the transport as usable without verification.
func (s *Service) MarkReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	metrics.TransportReady.Set(1)
}

func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// TransportName identifies the configured transport.
func (s *Service) TransportName() string {
	return s.sender.Name()
}

// QueueLength reports the number of messages waiting in the async queue.
func (s *Service) QueueLength() int {
	return s.queue.Length()
}

// Prepare validates req, renders its template if any and composes the message.
func (s *Service) Prepare(req *Request) (*Message, error) {
	if err := req.Validate(s.maxRecipients); err != nil {
		return nil, err
	}

	html, text := req.HTML, req.Text
	if req.Template != "" {
		if s.renderer == nil || !s.renderer.Has(req.Template) {
			return nil, &ValidationError{Field: "template", Message: fmt.Sprintf("Unknown template: %s", req.Template)}
		}
		renderedHTML, renderedText, err := s.renderer.Render(req.Template, req.Data)
		if err != nil {
			return nil, &ValidationError{Field: "data", Message: err.Error()}
		}
		// explicit bodies take precedence over rendered ones
		if html == "" {
			html = renderedHTML
		}
		if text == "" {
			text = renderedText
		}
		if html == "" && text == "" {
			return nil, &ValidationError{Field: "template", Message: fmt.Sprintf("Template %s rendered an empty body", req.Template)}
		}
	}

	return &Message{
		ID:      s.newMessageID(),
		To:      req.To,
		Cc:      req.Cc,
		Bcc:     req.Bcc,
		ReplyTo: req.ReplyTo,
		Subject: req.Subject,
		HTML:    html,
		Text:    text,
	}, nil
}

// Deliver sends req synchronously. A *ValidationError means nothing was
// attempted; any other error comes with a failed Result describing it.
func (s *Service) Deliver(ctx context.Context, req *Request) (Result, error) {
	msg, err := s.Prepare(req)
	if err != nil {
		return Result{}, err
	}

	ctx, span := s.tracer.Start(ctx, "mail.Deliver", trace.WithAttributes(
		attribute.String("mail.transport", s.sender.Name()),
		attribute.String("mail.message_id", msg.ID),
		attribute.Int("mail.recipients", msg.RecipientCount()),
	))
	defer span.End()

	start := time.Now()
	providerID, err := s.sender.Send(ctx, msg)
	metrics.MailSendDuration.WithLabelValues(s.sender.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		metrics.MailSendFailure.WithLabelValues(s.sender.Name()).Inc()
		s.log.Errorw("Email sending failed", "messageId", msg.ID, "error", err)
		s.publish(ctx, events.TypeFailed, msg, "", 0, err)
		return failedResult(err), err
	}

	metrics.MailSendSuccess.WithLabelValues(s.sender.Name()).Inc()
	if providerID == "" {
		providerID = msg.ID
	}
	span.SetAttributes(attribute.String("mail.provider_message_id", providerID))
	s.log.Infow("Email sent successfully", "messageId", providerID, "recipients", msg.RecipientCount())
	s.publish(ctx, events.TypeSent, msg, providerID, 1, nil)
	return sentResult(providerID), nil
}

// Enqueue validates req and hands it to the background queue.
func (s *Service) Enqueue(ctx context.Context, req *Request) (Result, error) {
	msg, err := s.Prepare(req)
	if err != nil {
		return Result{}, err
	}

	if err := s.queue.Enqueue(msg); err != nil {
		s.publish(ctx, events.TypeDropped, msg, "", 0, err)
		code := CodeQueueFull
		if errors.Is(err, ErrQueueClosed) {
			code = CodeQueueClosed
		}
		return Result{Success: false, Message: "Email could not be queued", Error: err.Error(), Code: code}, err
	}

	s.publish(ctx, events.TypeQueued, msg, "", 0, nil)
	return queuedResult(msg.ID), nil
}

func (s *Service) queueCompleted(item *QueueItem, providerID string, err error) {
	ctx := context.Background()
	if err != nil {
		metrics.MailSendFailure.WithLabelValues(s.sender.Name()).Inc()
		s.publish(ctx, events.TypeFailed, item.Message, "", item.Attempt, err)
		return
	}
	metrics.MailSendSuccess.WithLabelValues(s.sender.Name()).Inc()
	if providerID == "" {
		providerID = item.Message.ID
	}
	s.publish(ctx, events.TypeSent, item.Message, providerID, item.Attempt, nil)
}

func (s *Service) publish(ctx context.Context, t events.Type, msg *Message, providerID string, attempts int, err error) {
	if s.events == nil {
		return
	}
	e := events.NewEvent(t)
	e.MessageID = msg.ID
	e.ProviderMessageID = providerID
	e.Transport = s.sender.Name()
	e.Recipients = msg.RecipientCount()
	e.RecipientDomains = recipientDomains(msg)
	e.Attempts = attempts
	e.CorrelationID = events.CorrelationIDFrom(ctx)
	if err != nil {
		e.Error = err.Error()
	}
	s.events.Publish(ctx, e)
}

func (s *Service) newMessageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return strings.TrimSuffix(address[i+1:], ">")
	}
	return "mail-relay.local"
}

func recipientDomains(msg *Message) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, a := range list {
			d := strings.ToLower(domainOf(a))
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}
