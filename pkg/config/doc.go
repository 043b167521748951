// Package config loads the relay configuration from a YAML file, applies
// environment overrides and defaults, and resolves transport credentials.
package config
