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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/metrics"
)

// QueuedSinkConfig configures a QueuedSink.
type QueuedSinkConfig struct {
	// QueueSize bounds the buffered events. Default: 10000
	QueueSize int
	// WorkerCount is the number of goroutines writing to the wrapped sink. Default: 1
	WorkerCount int
	// WriteTimeout bounds a single write to the wrapped sink. Default: 5s
	WriteTimeout time.Duration
}

func DefaultQueuedSinkConfig() QueuedSinkConfig {
	return QueuedSinkConfig{
		QueueSize:    10000,
		WorkerCount:  1,
		WriteTimeout: 5 * time.Second,
	}
}

// QueuedSink buffers events in memory and writes them to the wrapped sink
// in the background. Write never blocks; a full buffer drops the event.
type QueuedSink struct {
	sink   Sink
	queue  chan *Event
	config QueuedSinkConfig
	logger *zap.Logger

	dropped   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	// mu guards closed against concurrent sends on queue.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueuedSink(sink Sink, cfg QueuedSinkConfig, logger *zap.Logger) *QueuedSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	qs := &QueuedSink{
		sink:   sink,
		queue:  make(chan *Event, cfg.QueueSize),
		config: cfg,
		logger: logger.Named("queued-sink").With(zap.String("sink", sink.Name())),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		qs.wg.Add(1)
		go qs.process(i)
	}
	qs.logger.Info("queued sink started",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("write_timeout", cfg.WriteTimeout))
	return qs
}

// Write enqueues event without waiting for the wrapped sink.
func (qs *QueuedSink) Write(_ context.Context, event *Event) error {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	if qs.closed {
		return fmt.Errorf("queued sink %s is closed", qs.sink.Name())
	}

	select {
	case qs.queue <- event:
		metrics.EventSinkQueueDepth.WithLabelValues(qs.sink.Name()).Set(float64(len(qs.queue)))
		return nil
	default:
		qs.dropped.Add(1)
		metrics.EventsDropped.WithLabelValues(qs.sink.Name(), "queue_full").Inc()
		qs.logger.Warn("event buffer full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return nil
	}
}

func (qs *QueuedSink) process(workerID int) {
	defer qs.wg.Done()

	for event := range qs.queue {
		metrics.EventSinkQueueDepth.WithLabelValues(qs.sink.Name()).Set(float64(len(qs.queue)))
		ctx, cancel := context.WithTimeout(context.Background(), qs.config.WriteTimeout)
		err := qs.sink.Write(ctx, event)
		cancel()

		switch {
		case err == nil:
			qs.processed.Add(1)
		case errors.Is(err, ErrCircuitOpen):
			qs.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(qs.sink.Name(), "circuit_open").Inc()
		default:
			qs.failed.Add(1)
			qs.logger.Error("failed to write delivery event",
				zap.Int("worker", workerID),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
}

// Stats reports processed, failed and dropped event counts.
func (qs *QueuedSink) Stats() (processed, failed, dropped int64) {
	return qs.processed.Load(), qs.failed.Load(), qs.dropped.Load()
}

// Len is the number of buffered events.
func (qs *QueuedSink) Len() int {
	return len(qs.queue)
}

// Close flushes the buffer and closes the wrapped sink.
func (qs *QueuedSink) Close() error {
	qs.mu.Lock()
	if qs.closed {
		qs.mu.Unlock()
		return nil
	}
	qs.closed = true
	close(qs.queue)
	qs.mu.Unlock()

	qs.wg.Wait()
	return qs.sink.Close()
}

func (qs *QueuedSink) Name() string {
	return qs.sink.Name()
}
