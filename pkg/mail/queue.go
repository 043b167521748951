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

package mail

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/metrics"
)

var (
	ErrQueueFull   = errors.New("mail queue is full")
	ErrQueueClosed = errors.New("queue is shutting down")
)

// sendTimeout bounds a single queued delivery attempt.
const sendTimeout = 2 * time.Minute

// QueueItem represents a single queued message with retry information
type QueueItem struct {
	Message   *Message
	Attempt   int
	CreatedAt time.Time
	NextRetry time.Time
	Succeeded bool
}

// CompletionFunc is invoked once per item, after success or after the last
// failed attempt. err is nil on success.
type CompletionFunc func(item *QueueItem, providerID string, err error)

// Queue manages asynchronous mail sending with retries
type Queue struct {
	sender           Sender
	queue            chan *QueueItem
	log              *zap.SugaredLogger
	maxRetries       int
	initialBackoffMs int
	wg               sync.WaitGroup
	ctx              context.Context
	cancel           context.CancelFunc
	maxQueueSize     int
	onComplete       CompletionFunc

	// pending holds items waiting for a scheduled retry. Only the worker
	// goroutine touches it; it survives a worker restart.
	pending []*QueueItem
}

// NewQueue creates a new mail queue. maxRetries is the total number of
// delivery attempts per message.
func NewQueue(sender Sender, log *zap.SugaredLogger, maxRetries, initialBackoffMs, maxQueueSize int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if initialBackoffMs <= 0 {
		initialBackoffMs = 10000
	}
	if maxQueueSize <= 0 {
		maxQueueSize = 1000
	}

	log = log.Named("queue")
	log.Infow("Initializing mail queue",
		"maxRetries", maxRetries,
		"initialBackoffMs", initialBackoffMs,
		"maxQueueSize", maxQueueSize)

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		sender:           sender,
		queue:            make(chan *QueueItem, maxQueueSize),
		log:              log,
		maxRetries:       maxRetries,
		initialBackoffMs: initialBackoffMs,
		maxQueueSize:     maxQueueSize,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// OnComplete registers fn to observe final outcomes. Call before Start.
func (q *Queue) OnComplete(fn CompletionFunc) {
	q.onComplete = fn
}

// Start begins the background worker for processing emails
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
	q.log.Info("Mail queue worker started")
}

// Enqueue adds a message to the queue for sending. It never blocks.
func (q *Queue) Enqueue(msg *Message) error {
	if msg.RecipientCount() == 0 {
		metrics.MailQueueDropped.WithLabelValues(q.sender.Name()).Inc()
		return fmt.Errorf("cannot enqueue email with no receivers")
	}

	select {
	case <-q.ctx.Done():
		q.log.Errorw("Cannot enqueue, queue is shutting down", "messageId", msg.ID)
		metrics.MailQueueDropped.WithLabelValues(q.sender.Name()).Inc()
		return ErrQueueClosed
	default:
	}

	now := time.Now()
	item := &QueueItem{Message: msg, CreatedAt: now, NextRetry: now}

	select {
	case q.queue <- item:
		metrics.MailQueued.WithLabelValues(q.sender.Name()).Inc()
		metrics.MailQueueDepth.WithLabelValues(q.sender.Name()).Set(float64(len(q.queue)))
		q.log.Debugw("Email queued for sending", "messageId", msg.ID, "recipients", msg.RecipientCount())
		return nil
	default:
		metrics.MailQueueDropped.WithLabelValues(q.sender.Name()).Inc()
		q.log.Errorw("Mail queue is full, dropping message",
			"messageId", msg.ID,
			"queueSize", q.maxQueueSize)
		return fmt.Errorf("%w (capacity: %d)", ErrQueueFull, q.maxQueueSize)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("panic in mail queue worker recovered", "panic", r, "pending", len(q.pending))
			metrics.MailSendFailure.WithLabelValues(q.sender.Name()).Inc()
			q.wg.Add(1)
			go q.worker()
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			q.log.Info("Mail queue worker shutting down")
			pending := q.pending
			q.pending = nil
			q.drain(pending)
			return

		case item := <-q.queue:
			metrics.MailQueueDepth.WithLabelValues(q.sender.Name()).Set(float64(len(q.queue)))
			if item != nil {
				q.processItem(item)
				if !item.Succeeded && item.Attempt < q.maxRetries {
					q.pending = append(q.pending, item)
				}
			}

		case <-ticker.C:
			now := time.Now()
			remaining := make([]*QueueItem, 0, len(q.pending))
			for _, item := range q.pending {
				if !item.Succeeded && item.Attempt < q.maxRetries && now.After(item.NextRetry) {
					q.processItem(item)
				}
				if !item.Succeeded && item.Attempt < q.maxRetries {
					remaining = append(remaining, item)
				}
			}
			q.pending = remaining
		}
	}
}

// send calls the sender with a single inline attempt. A panic in the
// transport counts as a failed attempt.
func (q *Queue) send(msg *Message) (providerID string, err error) {
	ctx, cancel := context.WithTimeout(WithoutInlineRetry(context.Background()), sendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("panic in mail transport recovered", "messageId", msg.ID, "panic", r)
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return q.sender.Send(ctx, msg)
}

// processItem attempts to send a message and schedules a retry if needed
func (q *Queue) processItem(item *QueueItem) {
	item.Attempt++
	msg := item.Message

	q.log.Infow("Processing queued email",
		"messageId", msg.ID,
		"attempt", item.Attempt,
		"maxRetries", q.maxRetries,
		"recipients", msg.RecipientCount())

	providerID, err := q.send(msg)

	if err == nil {
		q.log.Infow("Queued email sent successfully", "messageId", msg.ID, "attempt", item.Attempt)
		item.Succeeded = true
		q.complete(item, providerID, nil)
		return
	}

	if item.Attempt < q.maxRetries && !IsPermanent(err) {
		backoffMs := q.calculateBackoff(item.Attempt)
		item.NextRetry = time.Now().Add(time.Duration(backoffMs) * time.Millisecond)

		q.log.Warnw("Email send failed, scheduling retry",
			"messageId", msg.ID,
			"attempt", item.Attempt,
			"error", err,
			"retryIn", fmt.Sprintf("%dms", backoffMs),
			"nextRetry", item.NextRetry.Format(time.RFC3339))
		metrics.MailRetryScheduled.WithLabelValues(q.sender.Name()).Inc()
		return
	}

	// exhausted or permanently rejected: stop retrying
	item.Attempt = q.maxRetries
	q.log.Errorw("Email send failed after all retries",
		"messageId", msg.ID,
		"attempts", item.Attempt,
		"error", err)
	q.complete(item, "", err)
}

func (q *Queue) complete(item *QueueItem, providerID string, err error) {
	if q.onComplete != nil {
		q.onComplete(item, providerID, err)
	}
}

// drain makes one last attempt for everything still pending or buffered.
func (q *Queue) drain(pending []*QueueItem) {
	for {
		select {
		case item := <-q.queue:
			if item != nil {
				pending = append(pending, item)
			}
			continue
		default:
		}
		break
	}
	metrics.MailQueueDepth.WithLabelValues(q.sender.Name()).Set(0)

	q.log.Infow("Processing pending items on shutdown", "count", len(pending))
	for _, item := range pending {
		if item.Succeeded || item.Attempt >= q.maxRetries {
			continue
		}
		// final attempt: no retry can be scheduled after shutdown
		item.Attempt = q.maxRetries - 1
		q.processItem(item)
	}
}

// calculateBackoff computes exponential backoff from initialBackoffMs, capped at 30 minutes.
func (q *Queue) calculateBackoff(attempt int) int {
	backoffMs := float64(q.initialBackoffMs) * math.Pow(2, float64(attempt-1))
	if backoffMs > 1800000 {
		backoffMs = 1800000
	}
	return int(backoffMs)
}

// Stop gracefully shuts down the queue and waits for the final attempts.
func (q *Queue) Stop(ctx context.Context) error {
	q.log.Info("Stopping mail queue")
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("Mail queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.log.Warn("Mail queue shutdown timeout, some items may not have been processed")
		return ctx.Err()
	}
}

// Length returns the current number of items waiting in the queue
func (q *Queue) Length() int {
	return len(q.queue)
}
