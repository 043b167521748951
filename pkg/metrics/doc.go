// Package metrics defines Prometheus metrics for the mail relay, covering
// HTTP requests, mail delivery, the async queue, idempotent replays and
// delivery event sinks.
package metrics
