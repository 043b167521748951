/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/metrics"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the circuit.
	// Default: 5
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it again.
	// Default: 1
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before a trial write.
	// Default: 30s
	OpenTimeout time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
	}
}

// ErrCircuitOpen is returned while the circuit rejects writes.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing sink until OpenTimeout has passed,
// then lets a single trial write through.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	consecutiveSuccs int
	openedAt         time.Time
	trialInFlight    bool
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	metrics.EventCircuitBreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		logger: logger.Named("circuit-breaker").With(zap.String("sink", name)),
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		metrics.EventCircuitBreakerRejections.WithLabelValues(cb.name).Inc()
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			return false
		}
		cb.transition(CircuitHalfOpen)
		cb.trialInFlight = true
		return true
	default:
		// half-open: one trial at a time
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false
	if err == nil {
		cb.consecutiveFails = 0
		cb.consecutiveSuccs++
		if cb.state == CircuitHalfOpen && cb.consecutiveSuccs >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.consecutiveSuccs = 0
	cb.consecutiveFails++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.consecutiveFails = 0
	cb.consecutiveSuccs = 0
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}
	metrics.EventCircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))
	cb.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerSink guards a Sink with a CircuitBreaker.
type CircuitBreakerSink struct {
	sink    Sink
	breaker *CircuitBreaker
}

func NewCircuitBreakerSink(sink Sink, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreakerSink {
	return &CircuitBreakerSink{
		sink:    sink,
		breaker: NewCircuitBreaker(sink.Name(), cfg, logger),
	}
}

func (s *CircuitBreakerSink) Write(ctx context.Context, event *Event) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.sink.Write(ctx, event)
	})
}

func (s *CircuitBreakerSink) Close() error {
	return s.sink.Close()
}

func (s *CircuitBreakerSink) Name() string {
	return s.sink.Name()
}

func (s *CircuitBreakerSink) CircuitBreaker() *CircuitBreaker {
	return s.breaker
}
