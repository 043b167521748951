package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/telekom/mail-relay/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name               string
		configContent      string
		expectedListenAddr string
		expectedHost       string
		expectedPort       int
		expectError        bool
	}{
		{
			name: "full smtp config",
			configContent: `
server:
  listenAddress: ":8080"
mail:
  host: "smtp.example.com"
  port: 465
  user: "relay@example.com"
`,
			expectedListenAddr: ":8080",
			expectedHost:       "smtp.example.com",
			expectedPort:       465,
		},
		{
			name: "defaults fill in listen address and port",
			configContent: `
mail:
  host: "localhost"
`,
			expectedListenAddr: ":3001",
			expectedHost:       "localhost",
			expectedPort:       587,
		},
		{
			name:          "invalid YAML",
			configContent: `invalid: yaml: content [`,
			expectError:   true,
		},
		{
			name: "unknown field is rejected",
			configContent: `
mail:
  hots: "typo"
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, tt.configContent))
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedListenAddr, cfg.Server.ListenAddress)
			assert.Equal(t, tt.expectedHost, cfg.Mail.Host)
			assert.Equal(t, tt.expectedPort, cfg.Mail.Port)
		})
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "mail:\n  host: env-path.example.com\n")
	t.Setenv(config.EnvConfigPath, path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "env-path.example.com", cfg.Mail.Host)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mail:
  host: "file.example.com"
  user: "file@example.com"
`)
	t.Setenv("MAILRELAY_SMTP_HOST", "env.example.com")
	t.Setenv("MAILRELAY_SMTP_PORT", "2525")
	t.Setenv("MAILRELAY_SMTP_PASSWORD", "from-env")
	t.Setenv("MAILRELAY_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.example.com", cfg.Mail.Host)
	assert.Equal(t, 2525, cfg.Mail.Port)
	assert.Equal(t, "from-env", cfg.Mail.Password)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Kafka.Brokers)
	assert.True(t, cfg.KafkaEnabled())
}

func TestLoad_InvalidPortEnv(t *testing.T) {
	t.Setenv("MAILRELAY_SMTP_PORT", "not-a-port")
	_, err := config.Load(writeConfig(t, "mail:\n  host: x\n"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := config.Config{Mail: config.Mail{User: "relay@example.com", Transport: "SMTP"}}
	cfg.Defaults()

	assert.Equal(t, ":3001", cfg.Server.ListenAddress)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowOrigins)
	assert.Equal(t, config.TransportSMTP, cfg.Mail.Transport)
	assert.Equal(t, "relay@example.com", cfg.Mail.SenderAddress, "sender defaults to the SMTP user")
	assert.Equal(t, "Mail Relay", cfg.Mail.SenderName)
	require.NotNil(t, cfg.Mail.RetryCount)
	assert.Equal(t, 3, *cfg.Mail.RetryCount)
	assert.Equal(t, 3, cfg.Mail.Retries())
	assert.Equal(t, 100, cfg.Mail.RetryBackoffMs)
	assert.Equal(t, 1000, cfg.Mail.QueueSize)
	assert.Equal(t, 50, cfg.Mail.MaxRecipients)
	assert.Equal(t, config.IdempotencyMemory, cfg.Idempotency.Backend)
	assert.Equal(t, "24h", cfg.Idempotency.TTL)
	assert.Equal(t, 1.0, cfg.Telemetry.SamplingRate)
}

func TestLoad_ExplicitZeroRetryCount(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "mail:\n  host: smtp.example.com\n  retryCount: 0\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Mail.RetryCount)
	assert.Equal(t, 0, *cfg.Mail.RetryCount)
	assert.Equal(t, 0, cfg.Mail.Retries())

	cfg, err = config.Load(writeConfig(t, "mail:\n  host: smtp.example.com\n  retryCount: -2\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Mail.Retries())

	assert.Equal(t, config.DefaultRetryCount, config.Mail{}.Retries())
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		c := config.Config{Mail: config.Mail{Host: "smtp.example.com", SenderAddress: "noreply@example.com"}}
		c.Defaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "missing host", mutate: func(c *config.Config) { c.Mail.Host = "" }, wantErr: "mail.host"},
		{name: "bad port", mutate: func(c *config.Config) { c.Mail.Port = 70000 }, wantErr: "out of range"},
		{name: "unknown transport", mutate: func(c *config.Config) { c.Mail.Transport = "pigeon" }, wantErr: "unknown mail.transport"},
		{name: "ses without region", mutate: func(c *config.Config) { c.Mail.Transport = config.TransportSES }, wantErr: "mail.ses.region"},
		{name: "bad sender", mutate: func(c *config.Config) { c.Mail.SenderAddress = "not an address" }, wantErr: "mail.senderAddress"},
		{name: "bad duration", mutate: func(c *config.Config) { c.Server.ShutdownTimeout = "soon" }, wantErr: "server.shutdownTimeout"},
		{name: "half tls", mutate: func(c *config.Config) { c.Server.TLSCertFile = "cert.pem" }, wantErr: "must be set together"},
		{name: "redis without addr", mutate: func(c *config.Config) { c.Idempotency.Backend = config.IdempotencyRedis }, wantErr: "idempotency.redis.addr"},
		{name: "kafka without topic", mutate: func(c *config.Config) { c.Events.Kafka.Brokers = []string{"k:9092"} }, wantErr: "events.kafka.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 30 * time.Second},
		{"45s", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"not-a-duration", 30 * time.Second},
		{"0s", 30 * time.Second},
		{"-5s", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, config.ParseDurationOrDefault(tt.value, 30*time.Second))
		})
	}
}

func TestResolvePassword(t *testing.T) {
	keyring.MockInit()

	t.Run("configured password wins", func(t *testing.T) {
		pw, err := config.ResolvePassword(config.Mail{Password: "inline", PasswordFromKeyring: true})
		require.NoError(t, err)
		assert.Equal(t, "inline", pw)
	})

	t.Run("keyring disabled yields empty password", func(t *testing.T) {
		pw, err := config.ResolvePassword(config.Mail{User: "relay@example.com"})
		require.NoError(t, err)
		assert.Empty(t, pw)
	})

	t.Run("keyring lookup", func(t *testing.T) {
		require.NoError(t, config.StorePassword("mailrelay-test", "relay@example.com", "s3cret"))
		pw, err := config.ResolvePassword(config.Mail{
			User:                "relay@example.com",
			PasswordFromKeyring: true,
			KeyringService:      "mailrelay-test",
		})
		require.NoError(t, err)
		assert.Equal(t, "s3cret", pw)
	})

	t.Run("keyring entry missing", func(t *testing.T) {
		_, err := config.ResolvePassword(config.Mail{
			User:                "nobody@example.com",
			PasswordFromKeyring: true,
			KeyringService:      "mailrelay-test",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no keyring entry")
	})

	t.Run("keyring requires user", func(t *testing.T) {
		_, err := config.ResolvePassword(config.Mail{PasswordFromKeyring: true})
		assert.Error(t, err)
	})
}
