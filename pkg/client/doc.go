// Package client is a small Go client for the mail relay's HTTP API.
package client
