package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of delivery event.
type Type string

const (
	TypeSent    Type = "mail.sent"
	TypeFailed  Type = "mail.failed"
	TypeQueued  Type = "mail.queued"
	TypeDropped Type = "mail.dropped"
)

// Event describes one step in a message's delivery. Recipient addresses are
// deliberately reduced to a count and their domains.
type Event struct {
	ID                string    `json:"id"`
	Type              Type      `json:"type"`
	Timestamp         time.Time `json:"timestamp"`
	MessageID         string    `json:"messageId"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Transport         string    `json:"transport"`
	Recipients        int       `json:"recipients"`
	RecipientDomains  []string  `json:"recipientDomains,omitempty"`
	Attempts          int       `json:"attempts,omitempty"`
	Error             string    `json:"error,omitempty"`
	CorrelationID     string    `json:"correlationId,omitempty"`
}

func NewEvent(t Type) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

type correlationKey struct{}

// WithCorrelationID attaches the request id that events emitted under ctx carry.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
