// Package ratelimit provides token-bucket rate limiting middleware for Gin,
// keyed by authenticated subject when available and by client IP otherwise.
package ratelimit
