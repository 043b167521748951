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

package apiresponses

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIError is the body of every non-2xx response the relay produces.
// Success is always false so clients can branch on a single field
// regardless of status code.
type APIError struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_FAILED"
	CodeTooLarge           = "PAYLOAD_TOO_LARGE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeConflict           = "IDEMPOTENCY_CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

func respond(c *gin.Context, status int, message, code, details string) {
	c.AbortWithStatusJSON(status, APIError{
		Message: message,
		Code:    code,
		Details: details,
	})
}

// RespondBadRequest sends a 400 for malformed input such as invalid JSON.
func RespondBadRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, message, CodeBadRequest, "")
}

// RespondValidationFailed sends a 400 naming the offending field in details.
func RespondValidationFailed(c *gin.Context, message, field string) {
	respond(c, http.StatusBadRequest, message, CodeValidation, field)
}

// RespondTooLarge sends a 413 when the body exceeds limit bytes.
func RespondTooLarge(c *gin.Context, limit int64) {
	respond(c, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("Request body exceeds %d bytes", limit), CodeTooLarge, "")
}

// RespondUnauthorized sends a 401 Unauthorized response.
func RespondUnauthorized(c *gin.Context) {
	RespondUnauthorizedWithMessage(c, "")
}

// RespondUnauthorizedWithMessage sends a 401 Unauthorized response with a custom message.
func RespondUnauthorizedWithMessage(c *gin.Context, message string) {
	if message == "" {
		message = "not authenticated"
	}
	respond(c, http.StatusUnauthorized, message, CodeUnauthorized, "")
}

// RespondConflict sends a 409 while another request holds the same
// idempotency key.
func RespondConflict(c *gin.Context, message string) {
	respond(c, http.StatusConflict, message, CodeConflict, "")
}

// RespondTooManyRequests sends a 429.
func RespondTooManyRequests(c *gin.Context) {
	respond(c, http.StatusTooManyRequests, "Rate limit exceeded, please try again later", CodeRateLimited, "")
}

// RespondInternalError sends a 500 Internal Server Error response.
// It logs the error with full details but returns a sanitized message to the client.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw(fmt.Sprintf("Failed to %s", operation), "error", err)
	}
	respond(c, http.StatusInternalServerError, fmt.Sprintf("failed to %s", operation), CodeInternal, "")
}

// RespondServiceUnavailable sends a 503 when a dependency such as the
// delivery queue or the mail transport cannot take work.
func RespondServiceUnavailable(c *gin.Context, message, code string) {
	if code == "" {
		code = CodeServiceUnavailable
	}
	respond(c, http.StatusServiceUnavailable, message, code, "")
}

// RespondOK sends a 200 OK response with the given data.
func RespondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// RespondAccepted sends a 202 for work handed to the background queue.
func RespondAccepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, data)
}
