package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/metrics"
)

// Sink defines the interface for delivery event destinations.
type Sink interface {
	Write(ctx context.Context, event *Event) error
	Close() error
	Name() string
}

// LogSink writes delivery events to a structured logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("delivery-events")}
}

func (s *LogSink) Write(_ context.Context, event *Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("timestamp", event.Timestamp),
		zap.String("message_id", event.MessageID),
		zap.String("transport", event.Transport),
		zap.Int("recipients", event.Recipients),
	}
	if event.ProviderMessageID != "" && event.ProviderMessageID != event.MessageID {
		fields = append(fields, zap.String("provider_message_id", event.ProviderMessageID))
	}
	if len(event.RecipientDomains) > 0 {
		fields = append(fields, zap.Strings("recipient_domains", event.RecipientDomains))
	}
	if event.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", event.Attempts))
	}
	if event.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", event.CorrelationID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
		s.logger.Warn("delivery event", fields...)
		return nil
	}
	s.logger.Info("delivery event", fields...)
	return nil
}

func (s *LogSink) Close() error { return nil }

func (s *LogSink) Name() string { return "log" }

// Publisher fans events out to every sink. Sink failures are logged and
// counted but never returned: a delivery must not fail because its event
// could not be recorded.
type Publisher struct {
	sinks        []Sink
	log          *zap.SugaredLogger
	writeTimeout time.Duration
}

func NewPublisher(log *zap.SugaredLogger, sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:        sinks,
		log:          log.Named("events"),
		writeTimeout: 10 * time.Second,
	}
}

// Publish writes event to each sink in turn. The request context's
// cancellation is ignored so events still land after a client disconnects.
func (p *Publisher) Publish(ctx context.Context, event *Event) {
	if p == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range p.sinks {
		writeCtx, cancel := context.WithTimeout(base, p.writeTimeout)
		start := time.Now()
		err := sink.Write(writeCtx, event)
		cancel()
		metrics.EventSinkLatency.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			p.log.Warnw("Failed to publish delivery event",
				"sink", sink.Name(),
				"eventId", event.ID,
				"eventType", event.Type,
				"error", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(sink.Name(), string(event.Type)).Inc()
	}
}

// Sinks returns the configured sink names.
func (p *Publisher) Sinks() []string {
	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Close closes every sink and joins their errors.
func (p *Publisher) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
