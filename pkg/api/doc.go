// Package api implements the relay's HTTP server (Gin-based): the send
// endpoints, health/readiness/version endpoints, Prometheus metrics, and the
// middleware chain for access logging, CORS, bearer auth and rate limiting.
package api
