package mail

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// MissingFieldsMessage is returned when to, subject or a body is absent.
const MissingFieldsMessage = "Missing required fields: to, subject, and html or text"

// Recipients accepts either a JSON string (optionally comma-separated) or an
// array of strings.
type Recipients []string

func (r *Recipients) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = splitAddresses(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("recipients must be a string or an array of strings")
	}
	out := make([]string, 0, len(many))
	for _, m := range many {
		out = append(out, splitAddresses(m)...)
	}
	*r = out
	return nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Request is the outbound message accepted by the relay.
type Request struct {
	To       Recipients     `json:"to"`
	Cc       Recipients     `json:"cc,omitempty"`
	Bcc      Recipients     `json:"bcc,omitempty"`
	ReplyTo  string         `json:"replyTo,omitempty"`
	Subject  string         `json:"subject"`
	HTML     string         `json:"html,omitempty"`
	Text     string         `json:"text,omitempty"`
	Template string         `json:"template,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ValidationError describes a rejected request. Field is empty when several
// required fields are missing at once.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks presence of the required fields and the syntax of every
// address. maxRecipients <= 0 disables the recipient cap.
func (r *Request) Validate(maxRecipients int) error {
	if len(r.To) == 0 || strings.TrimSpace(r.Subject) == "" ||
		(r.HTML == "" && r.Text == "" && r.Template == "") {
		return &ValidationError{Message: MissingFieldsMessage}
	}
	for _, list := range []struct {
		field string
		addrs []string
	}{{"to", r.To}, {"cc", r.Cc}, {"bcc", r.Bcc}} {
		for _, a := range list.addrs {
			if _, err := mail.ParseAddress(a); err != nil {
				return &ValidationError{Field: list.field, Message: fmt.Sprintf("Invalid %s address: %s", list.field, a)}
			}
		}
	}
	if r.ReplyTo != "" {
		if _, err := mail.ParseAddress(r.ReplyTo); err != nil {
			return &ValidationError{Field: "replyTo", Message: fmt.Sprintf("Invalid replyTo address: %s", r.ReplyTo)}
		}
	}
	if strings.ContainsAny(r.Subject, "\r\n") {
		return &ValidationError{Field: "subject", Message: "Subject must not contain line breaks"}
	}
	if total := len(r.To) + len(r.Cc) + len(r.Bcc); maxRecipients > 0 && total > maxRecipients {
		return &ValidationError{Field: "to", Message: fmt.Sprintf("Too many recipients: %d (max %d)", total, maxRecipients)}
	}
	return nil
}

// Message is a fully composed message ready for a transport.
type Message struct {
	// ID is the RFC 5322 Message-ID including angle brackets.
	ID      string
	To      []string
	Cc      []string
	Bcc     []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

// RecipientCount is the number of envelope recipients.
func (m *Message) RecipientCount() int {
	return len(m.To) + len(m.Cc) + len(m.Bcc)
}

// Result is the JSON body returned for every send request.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

const (
	CodeDeliveryFailed = "DELIVERY_FAILED"
	CodeQueueFull      = "QUEUE_FULL"
	CodeQueueClosed    = "QUEUE_CLOSED"
)

func sentResult(id string) Result {
	return Result{Success: true, Message: "Email sent successfully", MessageID: id}
}

func queuedResult(id string) Result {
	return Result{Success: true, Message: "Email queued for delivery", MessageID: id, Queued: true}
}

func failedResult(err error) Result {
	return Result{Success: false, Message: "Failed to send email", Error: err.Error(), Code: CodeDeliveryFailed}
}
