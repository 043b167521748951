package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-relay/pkg/client"
	"github.com/telekom/mail-relay/pkg/mail"
)

type sendOptions struct {
	server         string
	token          string
	timeout        time.Duration
	caFile         string
	insecure       bool
	to             []string
	cc             []string
	bcc            []string
	replyTo        string
	subject        string
	html           string
	htmlFile       string
	text           string
	template       string
	data           map[string]string
	async          bool
	idempotencyKey string
}

// NewSendCommand posts one message to a running relay.
func NewSendCommand() *cobra.Command {
	o := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through a running relay",
		Example: `  mailrelay send --to jane@example.org --subject "Hello" --text "Hi Jane"
  mailrelay send --to jane@example.org --subject "Your code" --template otp-code --data otpCode=123456`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if o.server == "" {
				o.server = getEnvString("MAILRELAY_SERVER", "http://localhost:3001")
			}
			if o.token == "" {
				o.token = os.Getenv("MAILRELAY_TOKEN")
			}
			if o.htmlFile != "" {
				if o.html != "" {
					return errors.New("--html and --html-file are mutually exclusive")
				}
				b, err := os.ReadFile(o.htmlFile)
				if err != nil {
					return fmt.Errorf("reading --html-file: %w", err)
				}
				o.html = string(b)
			}

			opts := []client.Option{
				client.WithServer(o.server),
				client.WithToken(o.token),
				client.WithTimeout(o.timeout),
			}
			if o.caFile != "" || o.insecure {
				opts = append(opts, client.WithTLSConfig(o.caFile, o.insecure))
			}
			c, err := client.New(opts...)
			if err != nil {
				return err
			}

			req := mail.Request{
				To:       o.to,
				Cc:       o.cc,
				Bcc:      o.bcc,
				ReplyTo:  o.replyTo,
				Subject:  o.subject,
				HTML:     o.html,
				Text:     o.text,
				Template: o.template,
			}
			if len(o.data) > 0 {
				req.Data = make(map[string]any, len(o.data))
				for k, v := range o.data {
					req.Data[k] = v
				}
			}

			res, sendErr := c.SendEmail(cmd.Context(), req, client.SendOptions{Async: o.async, IdempotencyKey: o.idempotencyKey})
			if res != nil {
				enc := json.NewEncoder(rt.Writer())
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return sendErr
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.server, "server", "", "Relay base URL (env MAILRELAY_SERVER, default http://localhost:3001)")
	f.StringVar(&o.token, "token", "", "Bearer token (env MAILRELAY_TOKEN)")
	f.DurationVar(&o.timeout, "timeout", client.DefaultTimeout, "Request timeout")
	f.StringVar(&o.caFile, "ca-file", "", "CA bundle for the relay's TLS certificate")
	f.BoolVar(&o.insecure, "insecure-skip-tls-verify", false, "Skip TLS verification")
	f.StringSliceVar(&o.to, "to", nil, "Recipient address (repeatable or comma-separated)")
	f.StringSliceVar(&o.cc, "cc", nil, "Cc address")
	f.StringSliceVar(&o.bcc, "bcc", nil, "Bcc address")
	f.StringVar(&o.replyTo, "reply-to", "", "Reply-To address")
	f.StringVar(&o.subject, "subject", "", "Subject")
	f.StringVar(&o.html, "html", "", "HTML body")
	f.StringVar(&o.htmlFile, "html-file", "", "Read the HTML body from a file")
	f.StringVar(&o.text, "text", "", "Plain text body")
	f.StringVar(&o.template, "template", "", "Named template to render")
	f.StringToStringVar(&o.data, "data", nil, "Template data as key=value pairs")
	f.BoolVar(&o.async, "async", false, "Queue the message and return immediately")
	f.StringVar(&o.idempotencyKey, "idempotency-key", "", "Idempotency-Key header value")

	return cmd
}
