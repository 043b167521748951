package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	TransportSMTP = "smtp"
	TransportSES  = "ses"

	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "MAILRELAY_CONFIG_PATH"
)

type Server struct {
	ListenAddress   string   `yaml:"listenAddress"`
	TLSCertFile     string   `yaml:"tlsCertFile"`
	TLSKeyFile      string   `yaml:"tlsKeyFile"`
	TrustedProxies  []string `yaml:"trustedProxies"` // IPs/CIDRs to trust for X-Forwarded-For headers
	ReadTimeout     string   `yaml:"readTimeout"`
	WriteTimeout    string   `yaml:"writeTimeout"`
	ShutdownTimeout string   `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes"`
	// AllowOrigins lists CORS origins. "*" allows every origin.
	AllowOrigins []string  `yaml:"allowOrigins"`
	RateLimit    RateLimit `yaml:"rateLimit"`
	Auth         Auth      `yaml:"auth"`
}

type RateLimit struct {
	Disabled bool    `yaml:"disabled"`
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
}

// Auth enables bearer token authentication on the send endpoints. Tokens are
// HS256 JWTs signed with JWTSecret. Auth is off when no secret is set.
type Auth struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

type Mail struct {
	// Transport is "smtp" (default) or "ses".
	Transport string `yaml:"transport"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// PasswordFromKeyring reads the SMTP password from the OS keyring when
	// Password is empty. The secret is looked up under KeyringService/User.
	PasswordFromKeyring bool   `yaml:"passwordFromKeyring"`
	KeyringService      string `yaml:"keyringService"`
	// SSL forces implicit TLS. Port 465 implies it. Otherwise STARTTLS is
	// used whenever the server offers it.
	SSL                bool `yaml:"ssl"`
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`

	SenderAddress string `yaml:"senderAddress"`
	SenderName    string `yaml:"senderName"`

	// RetryCount is the number of inline SMTP retries. Nil means the
	// default; an explicit 0 sends exactly once.
	RetryCount     *int `yaml:"retryCount"`
	RetryBackoffMs int  `yaml:"retryBackoffMs"`

	QueueSize           int `yaml:"queueSize"`
	QueueRetryCount     int `yaml:"queueRetryCount"`
	QueueRetryBackoffMs int `yaml:"queueRetryBackoffMs"`

	MaxRecipients   int    `yaml:"maxRecipients"`
	VerifyOnStartup bool   `yaml:"verifyOnStartup"`
	TemplatesDir    string `yaml:"templatesDir"`

	SES SES `yaml:"ses"`
}

type SES struct {
	Region           string `yaml:"region"`
	ConfigurationSet string `yaml:"configurationSet"`
}

type Kafka struct {
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	SASLMechanism    string   `yaml:"saslMechanism"`
	SASLUsername     string   `yaml:"saslUsername"`
	SASLPassword     string   `yaml:"saslPassword"`
	TLS              bool     `yaml:"tls"`
	CompressionCodec string   `yaml:"compressionCodec"`
	// BufferSize bounds the events held in memory while the brokers are slow.
	BufferSize int `yaml:"bufferSize"`
}

type Events struct {
	// Log writes every delivery event to the process log.
	Log   bool  `yaml:"log"`
	Kafka Kafka `yaml:"kafka"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Idempotency struct {
	Disabled bool   `yaml:"disabled"`
	Backend  string `yaml:"backend"`
	TTL      string `yaml:"ttl"`
	Redis    Redis  `yaml:"redis"`
}

type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server      Server      `yaml:"server"`
	Mail        Mail        `yaml:"mail"`
	Events      Events      `yaml:"events"`
	Idempotency Idempotency `yaml:"idempotency"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

// Load loads the relay configuration from a file path.
// If configPath is empty, MAILRELAY_CONFIG_PATH is consulted, then "./config.yaml".
// A missing default file is not an error: the relay can run from environment
// variables alone.
func Load(configPath ...string) (Config, error) {
	var config Config

	path := ""
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if env := os.Getenv(EnvConfigPath); env != "" {
		path = env
	}
	explicit := path != ""
	if !explicit {
		path = "./config.yaml"
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalStrict(content, &config); err != nil {
			return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return config, fmt.Errorf("trying to open mail relay config file %s: %w", path, err)
	}

	if err := config.applyEnv(); err != nil {
		return config, err
	}
	config.Defaults()
	return config, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("MAILRELAY_LISTEN_ADDRESS", &c.Server.ListenAddress)
	setString("MAILRELAY_JWT_SECRET", &c.Server.Auth.JWTSecret)
	setString("MAILRELAY_TRANSPORT", &c.Mail.Transport)
	setString("MAILRELAY_SMTP_HOST", &c.Mail.Host)
	setString("MAILRELAY_SMTP_USER", &c.Mail.User)
	setString("MAILRELAY_SMTP_PASSWORD", &c.Mail.Password)
	setString("MAILRELAY_SENDER_ADDRESS", &c.Mail.SenderAddress)
	setString("MAILRELAY_SENDER_NAME", &c.Mail.SenderName)
	setString("MAILRELAY_SES_REGION", &c.Mail.SES.Region)
	setString("MAILRELAY_REDIS_PASSWORD", &c.Idempotency.Redis.Password)
	setString("MAILRELAY_KAFKA_PASSWORD", &c.Events.Kafka.SASLPassword)

	if v := os.Getenv("MAILRELAY_SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAILRELAY_SMTP_PORT %q: %w", v, err)
		}
		c.Mail.Port = port
	}
	if v := os.Getenv("MAILRELAY_KAFKA_BROKERS"); v != "" {
		c.Events.Kafka.Brokers = splitList(v)
	}
	return nil
}

// Defaults fills in every unset field.
// DefaultRetryCount applies when mail.retryCount is omitted.
const DefaultRetryCount = 3

// Retries returns the configured inline retry count, honouring an explicit 0.
func (m Mail) Retries() int {
	if m.RetryCount == nil {
		return DefaultRetryCount
	}
	if *m.RetryCount < 0 {
		return 0
	}
	return *m.RetryCount
}

func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":3001"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if len(c.Server.AllowOrigins) == 0 {
		c.Server.AllowOrigins = []string{"*"}
	}
	if c.Server.RateLimit.Rate <= 0 {
		c.Server.RateLimit.Rate = 10
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 20
	}

	if c.Mail.Transport == "" {
		c.Mail.Transport = TransportSMTP
	}
	c.Mail.Transport = strings.ToLower(c.Mail.Transport)
	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}
	if c.Mail.SenderAddress == "" {
		c.Mail.SenderAddress = c.Mail.User
	}
	if c.Mail.SenderName == "" {
		c.Mail.SenderName = "Mail Relay"
	}
	if c.Mail.KeyringService == "" {
		c.Mail.KeyringService = "mailrelay"
	}
	if c.Mail.RetryCount == nil || *c.Mail.RetryCount < 0 {
		n := c.Mail.Retries()
		c.Mail.RetryCount = &n
	}
	if c.Mail.RetryBackoffMs <= 0 {
		c.Mail.RetryBackoffMs = 100
	}
	if c.Mail.QueueSize <= 0 {
		c.Mail.QueueSize = 1000
	}
	if c.Mail.QueueRetryCount <= 0 {
		c.Mail.QueueRetryCount = 5
	}
	if c.Mail.QueueRetryBackoffMs <= 0 {
		c.Mail.QueueRetryBackoffMs = 10000
	}
	if c.Mail.MaxRecipients <= 0 {
		c.Mail.MaxRecipients = 50
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = IdempotencyMemory
	}
	if c.Idempotency.TTL == "" {
		c.Idempotency.TTL = "24h"
	}
	if c.Idempotency.Redis.Prefix == "" {
		c.Idempotency.Redis.Prefix = "mailrelay:idem:"
	}

	if c.Events.Kafka.BufferSize <= 0 {
		c.Events.Kafka.BufferSize = 10000
	}

	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1.0
	}
}

// Validate reports configuration that would make the relay unusable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mail.Transport {
	case TransportSMTP:
		if c.Mail.Host == "" {
			errs = append(errs, errors.New("mail.host is required for the smtp transport"))
		}
		if c.Mail.Port < 1 || c.Mail.Port > 65535 {
			errs = append(errs, fmt.Errorf("mail.port %d out of range", c.Mail.Port))
		}
	case TransportSES:
		if c.Mail.SES.Region == "" {
			errs = append(errs, errors.New("mail.ses.region is required for the ses transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mail.transport %q: supported values are smtp, ses", c.Mail.Transport))
	}

	if c.Mail.SenderAddress == "" {
		errs = append(errs, errors.New("mail.senderAddress is required"))
	} else if _, err := mail.ParseAddress(c.Mail.SenderAddress); err != nil {
		errs = append(errs, fmt.Errorf("mail.senderAddress %q: %w", c.Mail.SenderAddress, err))
	}

	for name, value := range map[string]string{
		"server.readTimeout":     c.Server.ReadTimeout,
		"server.writeTimeout":    c.Server.WriteTimeout,
		"server.shutdownTimeout": c.Server.ShutdownTimeout,
		"idempotency.ttl":        c.Idempotency.TTL,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tlsCertFile and server.tlsKeyFile must be set together"))
	}

	switch c.Idempotency.Backend {
	case IdempotencyMemory:
	case IdempotencyRedis:
		if c.Idempotency.Redis.Addr == "" && !c.Idempotency.Disabled {
			errs = append(errs, errors.New("idempotency.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown idempotency.backend %q", c.Idempotency.Backend))
	}

	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		errs = append(errs, errors.New("events.kafka.topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}

// KafkaEnabled reports whether delivery events go to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.Events.Kafka.Brokers) > 0
}

// ParseDurationOrDefault parses value, falling back to def for empty, invalid
// or non-positive input.
func ParseDurationOrDefault(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
