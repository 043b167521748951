package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/config"
	"github.com/telekom/mail-relay/pkg/events"
	"github.com/telekom/mail-relay/pkg/mail"
)

// newSender builds the configured transport.
func newSender(ctx context.Context, cfg config.Mail, log *zap.SugaredLogger) (mail.Sender, error) {
	switch cfg.Transport {
	case config.TransportSES:
		s, err := mail.NewSESSender(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.TransportSMTP:
		password, err := config.ResolvePassword(cfg)
		if err != nil {
			return nil, err
		}
		return mail.NewSMTPSender(cfg, password, log), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}

// newPublisher builds the delivery event fan-out from the events section.
func newPublisher(cfg config.Events, zl *zap.Logger) (*events.Publisher, error) {
	var sinks []events.Sink
	if cfg.Log {
		sinks = append(sinks, events.NewLogSink(zl))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := events.NewKafkaSink(cfg.Kafka, zl)
		if err != nil {
			return nil, fmt.Errorf("creating kafka event sink: %w", err)
		}
		// keep broker latency and outages off the request path
		guarded := events.NewCircuitBreakerSink(k, events.DefaultCircuitBreakerConfig(), zl)
		qcfg := events.DefaultQueuedSinkConfig()
		qcfg.QueueSize = cfg.Kafka.BufferSize
		sinks = append(sinks, events.NewQueuedSink(guarded, qcfg, zl))
	}
	return events.NewPublisher(zl.Sugar(), sinks...), nil
}

// newService assembles the mail service around sender.
func newService(cfg config.Mail, sender mail.Sender, publisher *events.Publisher, log *zap.SugaredLogger) (*mail.Service, error) {
	renderer, err := mail.NewTemplateRenderer(cfg.TemplatesDir)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, errors.New("no mail sender configured")
	}
	return mail.NewService(mail.ServiceOptions{
		Sender:              sender,
		Renderer:            renderer,
		Events:              publisher,
		SenderAddress:       cfg.SenderAddress,
		MaxRecipients:       cfg.MaxRecipients,
		QueueSize:           cfg.QueueSize,
		QueueRetryCount:     cfg.QueueRetryCount,
		QueueRetryBackoffMs: cfg.QueueRetryBackoffMs,
	}, log), nil
}
