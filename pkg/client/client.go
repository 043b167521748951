package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/telekom/mail-relay/pkg/mail"
	"github.com/telekom/mail-relay/pkg/version"
)

// DefaultTimeout bounds a whole send call including delivery on the server.
const DefaultTimeout = 10 * time.Second

type Client struct {
	baseURL   *url.URL
	token     string
	http      *http.Client
	userAgent string
}

type Option func(*Client) error

func New(opts ...Option) (*Client, error) {
	c := &Client{
		http:      &http.Client{Timeout: DefaultTimeout},
		userAgent: version.UserAgent(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.baseURL == nil {
		return nil, errors.New("server is required")
	}
	return c, nil
}

func WithServer(server string) Option {
	return func(c *Client) error {
		if server == "" {
			return errors.New("server is required")
		}
		parsed, err := url.Parse(server)
		if err != nil {
			return fmt.Errorf("invalid server: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("invalid server %q: scheme must be http or https", server)
		}
		c.baseURL = parsed
		return nil
	}
}

func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		c.http.Timeout = d
		return nil
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) error {
		c.userAgent = userAgent
		return nil
	}
}

// WithTLSConfig pins the relay's CA from caFile. insecureSkipTLSVerify
// disables verification entirely.
func WithTLSConfig(caFile string, insecureSkipTLSVerify bool) Option {
	return func(c *Client) error {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecureSkipTLSVerify} //nolint:gosec // opt-in for dev relays
		if caFile != "" {
			data, err := os.ReadFile(caFile)
			if err != nil {
				return fmt.Errorf("failed to read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if ok := pool.AppendCertsFromPEM(data); !ok {
				return errors.New("failed to parse CA file")
			}
			tlsConfig.RootCAs = pool
		}
		c.http = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}, Timeout: c.http.Timeout}
		return nil
	}
}

// SendOptions tunes a single send call.
type SendOptions struct {
	// Async asks the relay to queue the message and answer 202.
	Async bool
	// IdempotencyKey makes retries of the same call safe.
	IdempotencyKey string
}

// SendEmail posts req to /send-email. Non-2xx answers are returned as *HTTPError;
// for delivery failures the decoded result is returned alongside the error.
func (c *Client) SendEmail(ctx context.Context, req mail.Request, opts ...SendOptions) (*mail.Result, error) {
	var o SendOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	endpoint := "/send-email"
	if o.Async {
		endpoint += "?async=true"
	}
	headers := map[string]string{}
	if o.IdempotencyKey != "" {
		headers["Idempotency-Key"] = o.IdempotencyKey
	}

	var result mail.Result
	if err := c.do(ctx, http.MethodPost, endpoint, headers, req, &result); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Result != nil {
			return httpErr.Result, err
		}
		return nil, err
	}
	return &result, nil
}

// Health calls /health and returns the reported status.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	fullURL := *c.baseURL
	parsedEndpoint, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	fullURL.Path = path.Join(fullURL.Path, parsedEndpoint.Path)
	if parsedEndpoint.RawQuery != "" {
		fullURL.RawQuery = parsedEndpoint.RawQuery
	}

	var payload io.Reader
	if body != nil {
		bytesBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = bytes.NewReader(bytesBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(body) > 0 {
		_ = json.Unmarshal(body, &apiErr)
	}

	httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: apiErr.Code}
	msg := strings.TrimSpace(apiErr.Message)
	if apiErr.Error != "" {
		msg = strings.TrimSpace(msg + ": " + apiErr.Error)
		httpErr.Result = &mail.Result{Message: apiErr.Message, Error: apiErr.Error, Code: apiErr.Code}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = resp.Status
	}
	httpErr.Message = msg
	return httpErr
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	// Result is set when the relay attempted delivery and reported why it failed.
	Result *mail.Result
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}
