// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/apiresponses"
	"github.com/telekom/mail-relay/pkg/idempotency"
	"github.com/telekom/mail-relay/pkg/mail"
	"github.com/telekom/mail-relay/pkg/metrics"
	"github.com/telekom/mail-relay/pkg/system"
)

const (
	IdempotencyKeyHeader     = "Idempotency-Key"
	IdempotentReplayedHeader = "Idempotent-Replayed"

	// DefaultMaxBodyBytes applies when the controller is built without a limit.
	DefaultMaxBodyBytes int64 = 1 << 20
)

// MailService is the delivery side the controller drives.
type MailService interface {
	Deliver(ctx context.Context, req *mail.Request) (mail.Result, error)
	Enqueue(ctx context.Context, req *mail.Request) (mail.Result, error)
}

// storedResult is what the idempotency store keeps per key.
type storedResult struct {
	Status int         `json:"status"`
	Result mail.Result `json:"result"`
}

type MailController struct {
	svc          MailService
	store        idempotency.Store
	maxBodyBytes int64
	handlers     []gin.HandlerFunc
	log          *zap.SugaredLogger
}

// NewMailController builds the send controller. store may be nil to disable
// idempotent replay. handlers run before every send route (auth, rate limit).
func NewMailController(log *zap.SugaredLogger, svc MailService, store idempotency.Store, maxBodyBytes int64, handlers ...gin.HandlerFunc) *MailController {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &MailController{
		svc:          svc,
		store:        store,
		maxBodyBytes: maxBodyBytes,
		handlers:     handlers,
		log:          log.Named("mail-controller"),
	}
}

func (mc *MailController) BasePath() string {
	return "/"
}

func (mc *MailController) Handlers() []gin.HandlerFunc {
	return mc.handlers
}

func (mc *MailController) Register(rg *gin.RouterGroup) error {
	rg.POST("send-email", mc.handleSend)
	rg.POST("api/v1/mail", mc.handleSend)
	return nil
}

func (mc *MailController) handleSend(c *gin.Context) {
	start := time.Now()
	endpoint := c.FullPath()
	defer func() {
		metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	log := system.GetReqLogger(c, mc.log)
	ctx := c.Request.Context()

	// stored is set once the result replaced this request's reservation.
	stored := false
	key := c.GetHeader(IdempotencyKeyHeader)
	if key != "" {
		if err := idempotency.ValidKey(key); err != nil {
			apiresponses.RespondBadRequest(c, err.Error())
			return
		}
		key = mc.scopedKey(c, key)
		if mc.replay(c, key, log) {
			return
		}
		reserved, ok := mc.reserve(c, key, log)
		if !ok {
			return
		}
		if reserved {
			defer func() {
				if !stored {
					mc.release(ctx, key, log)
				}
			}()
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, mc.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apiresponses.RespondTooLarge(c, mc.maxBodyBytes)
			return
		}
		apiresponses.RespondBadRequest(c, "Failed to read request body")
		return
	}

	var req mail.Request
	if err := binding.JSON.BindBody(body, &req); err != nil {
		log.Debugw("Rejected malformed request body", "error", err)
		apiresponses.RespondBadRequest(c, "Invalid JSON body")
		return
	}

	async, _ := strconv.ParseBool(c.Query("async"))

	var result mail.Result
	if async {
		result, err = mc.svc.Enqueue(ctx, &req)
	} else {
		result, err = mc.svc.Deliver(ctx, &req)
	}

	if err != nil {
		var ve *mail.ValidationError
		switch {
		case errors.As(err, &ve):
			field := ve.Field
			if field == "" {
				field = "required"
			}
			metrics.ValidationFailures.WithLabelValues(field).Inc()
			apiresponses.RespondValidationFailed(c, ve.Message, ve.Field)
		case errors.Is(err, mail.ErrQueueFull), errors.Is(err, mail.ErrQueueClosed):
			log.Warnw("Async delivery rejected", "error", err)
			c.JSON(http.StatusServiceUnavailable, result)
		default:
			c.JSON(http.StatusInternalServerError, result)
		}
		return
	}

	status := http.StatusOK
	if async {
		status = http.StatusAccepted
	}
	if key != "" {
		stored = mc.remember(ctx, key, status, result, log)
	}
	c.JSON(status, result)
}

// scopedKey namespaces client keys by caller so two services cannot
// replay each other's results.
func (mc *MailController) scopedKey(c *gin.Context, key string) string {
	return c.GetString(SubjectKey) + "|" + key
}

// replay writes a stored result for key and reports whether it did. Store
// errors are logged and treated as a miss.
func (mc *MailController) replay(c *gin.Context, key string, log *zap.SugaredLogger) bool {
	if mc.store == nil {
		return false
	}
	raw, ok, err := mc.store.Get(c.Request.Context(), key)
	if errors.Is(err, idempotency.ErrInFlight) {
		apiresponses.RespondConflict(c, err.Error())
		return true
	}
	if err != nil {
		log.Warnw("Idempotency lookup failed", "backend", mc.store.Name(), "error", err)
		return false
	}
	if !ok {
		return false
	}
	var stored storedResult
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.Warnw("Discarding unreadable idempotency entry", "error", err)
		return false
	}
	metrics.IdempotentReplays.Inc()
	c.Header(IdempotentReplayedHeader, "true")
	c.JSON(stored.Status, stored.Result)
	return true
}

// reserve claims key for this request. ok is false when a response was
// already written because another request holds or just finished the key.
// A store outage degrades to sending without a reservation.
func (mc *MailController) reserve(c *gin.Context, key string, log *zap.SugaredLogger) (reserved, ok bool) {
	if mc.store == nil {
		return false, true
	}
	won, err := mc.store.Reserve(c.Request.Context(), key)
	if err != nil {
		log.Warnw("Idempotency reservation failed", "backend", mc.store.Name(), "error", err)
		return false, true
	}
	if won {
		return true, true
	}
	if !mc.replay(c, key, log) {
		apiresponses.RespondConflict(c, idempotency.ErrInFlight.Error())
	}
	return false, false
}

func (mc *MailController) release(ctx context.Context, key string, log *zap.SugaredLogger) {
	if err := mc.store.Release(context.WithoutCancel(ctx), key); err != nil {
		log.Warnw("Failed to release idempotency key", "backend", mc.store.Name(), "error", err)
	}
}

func (mc *MailController) remember(ctx context.Context, key string, status int, result mail.Result, log *zap.SugaredLogger) bool {
	if mc.store == nil {
		return false
	}
	raw, err := json.Marshal(storedResult{Status: status, Result: result})
	if err != nil {
		return false
	}
	if err := mc.store.Set(context.WithoutCancel(ctx), key, raw); err != nil {
		log.Warnw("Failed to store idempotent result", "backend", mc.store.Name(), "error", err)
		return false
	}
	return true
}
