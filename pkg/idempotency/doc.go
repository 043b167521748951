// Package idempotency stores the results of successful sends keyed by the
// client's Idempotency-Key so retried requests replay instead of resending.
package idempotency
