package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// ResolvePassword returns the SMTP password: the configured (or environment
// supplied) value first, then the OS keyring when enabled. An empty password
// with keyring lookup disabled means unauthenticated SMTP.
func ResolvePassword(m Mail) (string, error) {
	if m.Password != "" || !m.PasswordFromKeyring {
		return m.Password, nil
	}
	if m.User == "" {
		return "", errors.New("mail.user is required to look up the password in the keyring")
	}
	secret, err := keyring.Get(m.KeyringService, m.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no keyring entry for service %q user %q", m.KeyringService, m.User)
		}
		return "", fmt.Errorf("reading SMTP password from keyring: %w", err)
	}
	return secret, nil
}

// StorePassword writes the SMTP password into the OS keyring.
func StorePassword(service, user, password string) error {
	if err := keyring.Set(service, user, password); err != nil {
		return fmt.Errorf("storing SMTP password in keyring: %w", err)
	}
	return nil
}
