package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	netmail "net/mail"
	"net/textproto"
	"time"

	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/mail-relay/pkg/config"
	"github.com/telekom/mail-relay/pkg/metrics"
)

// Sender hands a composed message to a delivery transport.
type Sender interface {
	// Send delivers msg and returns the message id reported to the caller.
	Send(ctx context.Context, msg *Message) (string, error)
	// Verify checks connectivity and credentials without sending.
	Verify(ctx context.Context) error
	// Name identifies the transport in logs and metric labels.
	Name() string
}

type smtpDialer interface {
	Dial() (gomail.SendCloser, error)
}

type inlineRetryKey struct{}

// WithoutInlineRetry marks ctx so that a Sender makes a single delivery
// attempt. The queue schedules its own retries.
func WithoutInlineRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, inlineRetryKey{}, true)
}

func inlineRetryDisabled(ctx context.Context) bool {
	off, _ := ctx.Value(inlineRetryKey{}).(bool)
	return off
}

// SMTPSender delivers through an SMTP relay. STARTTLS is negotiated whenever
// the server offers it; implicit TLS is used on port 465 or when configured.
type SMTPSender struct {
	dialer         smtpDialer
	host           string
	port           int
	senderAddress  string
	senderName     string
	retryCount     int
	retryBackoffMs int
	log            *zap.SugaredLogger
}

func NewSMTPSender(cfg config.Mail, password string, log *zap.SugaredLogger) *SMTPSender {
	log = log.Named("smtp")
	log.Infow("Initializing SMTP sender", "host", cfg.Host, "port", cfg.Port, "user", cfg.User)

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, password)
	if cfg.SSL {
		d.SSL = true
	}
	if cfg.InsecureSkipVerify {
		log.Warn("InsecureSkipVerify is enabled for the SMTP TLS connection")
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host} //nolint:gosec // opt-in for internal relays
	}

	retryCount := cfg.Retries()
	retryBackoffMs := cfg.RetryBackoffMs
	if retryBackoffMs <= 0 {
		retryBackoffMs = 100
	}

	return &SMTPSender{
		dialer:         d,
		host:           cfg.Host,
		port:           cfg.Port,
		senderAddress:  cfg.SenderAddress,
		senderName:     cfg.SenderName,
		retryCount:     retryCount,
		retryBackoffMs: retryBackoffMs,
		log:            log,
	}
}

func (s *SMTPSender) Name() string {
	return "smtp:" + s.host
}

func (s *SMTPSender) Port() int {
	return s.port
}

func (s *SMTPSender) compose(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.senderAddress, s.senderName)
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	if msg.ID != "" {
		m.SetHeader("Message-ID", msg.ID)
	}
	m.SetDateHeader("Date", time.Now())

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m
}

// Send delivers msg, retrying transient failures with exponential backoff.
// Permanent SMTP rejections (5xx) are not retried.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (string, error) {
	s.log.Debugw("Preparing to send mail", "messageId", msg.ID, "recipients", msg.RecipientCount())
	m := s.compose(msg)
	rcpts, err := envelopeRecipients(msg)
	if err != nil {
		return "", err
	}

	retries := s.retryCount
	if inlineRetryDisabled(ctx) {
		retries = 0
	}

	var lastErr error
	backoffMs := s.retryBackoffMs

	for attempt := 0; attempt <= retries; attempt++ {
		err := s.deliver(m, rcpts)
		if err == nil {
			s.log.Infow("Mail sent", "messageId", msg.ID, "recipients", len(rcpts), "attempt", attempt+1)
			return msg.ID, nil
		}
		lastErr = err

		if IsPermanent(err) {
			s.log.Warnw("SMTP server rejected message permanently", "messageId", msg.ID, "error", err)
			break
		}
		if attempt == retries {
			if retries > 0 {
				s.log.Warnw("Failed to send mail after all attempts", "messageId", msg.ID, "attempts", attempt+1, "error", err)
			}
			break
		}

		s.log.Infow("Send attempt failed, retrying", "messageId", msg.ID, "attempt", attempt+1, "retryInMs", backoffMs, "error", err)
		metrics.MailSendRetries.WithLabelValues(s.Name()).Inc()
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("send aborted: %w", errors.Join(ctx.Err(), lastErr))
		case <-time.After(time.Duration(backoffMs) * time.Millisecond):
		}
		backoffMs = int(math.Min(float64(backoffMs)*2, 32000))
	}

	return "", lastErr
}

// deliver opens one SMTP session for m. The reply of the server is returned
// unwrapped so IsPermanent can inspect its code.
func (s *SMTPSender) deliver(m *gomail.Message, rcpts []string) error {
	sc, err := s.dialer.Dial()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sc.Close(); cerr != nil {
			s.log.Debugw("Closing SMTP session failed", "error", cerr)
		}
	}()
	return sc.Send(s.senderAddress, rcpts, m)
}

// envelopeRecipients returns the bare, de-duplicated RCPT TO addresses.
func envelopeRecipients(msg *Message) ([]string, error) {
	seen := make(map[string]struct{}, msg.RecipientCount())
	out := make([]string, 0, msg.RecipientCount())
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, a := range list {
			addr, err := netmail.ParseAddress(a)
			if err != nil {
				return nil, fmt.Errorf("invalid recipient %q: %w", a, err)
			}
			if _, ok := seen[addr.Address]; ok {
				continue
			}
			seen[addr.Address] = struct{}{}
			out = append(out, addr.Address)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("message has no recipients")
	}
	return out, nil
}

// Verify dials the relay, negotiates TLS and authenticates, then hangs up.
func (s *SMTPSender) Verify(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		conn, err := s.dialer.Dial()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- conn.Close()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("verifying SMTP relay %s:%d: %w", s.host, s.port, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsPermanent reports whether err is a rejection that a retry cannot fix:
// an SMTP 5xx reply or an SES rejection of the message or sender.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return true
	}
	var unverified *sestypes.MailFromDomainNotVerifiedException
	return errors.As(err, &unverified)
}
