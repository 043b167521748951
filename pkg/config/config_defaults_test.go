// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigSecureDefaults(t *testing.T) {
	var cfg Config
	cfg.Defaults()

	assert.False(t, cfg.Mail.InsecureSkipVerify, "mail.insecureSkipVerify should be false by default")
	assert.False(t, cfg.Mail.PasswordFromKeyring, "keyring lookup should be opt-in")
	assert.Empty(t, cfg.Mail.Password, "no password may be baked into defaults")
	assert.Empty(t, cfg.Server.Auth.JWTSecret, "no JWT secret may be baked into defaults")
	assert.False(t, cfg.Server.RateLimit.Disabled, "rate limiting should be on by default")
	assert.False(t, cfg.Telemetry.Enabled, "tracing should be opt-in")
	assert.False(t, cfg.KafkaEnabled(), "kafka events should be opt-in")
}
