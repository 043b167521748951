// Package events publishes mail delivery events to structured logs and Kafka.
package events
