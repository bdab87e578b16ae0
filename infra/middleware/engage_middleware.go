// Package middleware holds the Fiber middleware shared by every route.
package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"engage_server/pkg/apperr"
	"engage_server/pkg/logger"
	"engage_server/pkg/metrics"
	"engage_server/pkg/ratelimit"
	"engage_server/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// ErrorHandler renders errors that escape handlers in the standard envelope.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return response.Error(c, fe.Code, mapHTTPStatusToCode(fe.Code), fe.Message)
		}

		appErr := apperr.AsAppError(err)
		log := logger.WithField("request_id", requestID).
			WithField("error_code", appErr.Code).
			WithError(appErr.Err)
		if appErr.Status >= 500 {
			log.Error("request failed: %s", appErr.Message)
		} else {
			log.Warn("request rejected: %s", appErr.Message)
		}
		return response.AppError(c, appErr)
	}
}

// RequestID assigns each request an id and puts it on the user context.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals("request_id", requestID)
		c.Set(RequestIDHeader, requestID)
		c.SetUserContext(logger.WithRequestID(c.UserContext(), requestID))
		return c.Next()
	}
}

// RequestLogger logs one line per request once the handler chain returns. With a
// registry, latency is also recorded per route pattern.
func RequestLogger(stats *metrics.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		status := c.Response().StatusCode()
		if err != nil {
			// The error handler runs after this middleware; use the status it will write.
			status = apperr.GetHTTPStatus(err)
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}

		requestID, _ := c.Locals("request_id").(string)
		log := logger.WithFields(map[string]any{
			"request_id": requestID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"ip":         c.IP(),
		}).WithDuration(elapsed)
		if tenant, ok := c.Locals("tenant_id").(string); ok && tenant != "" {
			log = log.WithField("tenant_id", tenant)
		}

		if stats != nil {
			stats.Observe("http "+c.Method()+" "+c.Route().Path, elapsed)
			if status >= 500 {
				stats.Inc("http.5xx")
			}
		}

		switch {
		case status >= 500:
			log.Error("%s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("%s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("%s %s -> %d", c.Method(), c.Path(), status)
		}
		return err
	}
}

// Recover turns a handler panic into a 500 envelope.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      fmt.Sprintf("%v", r),
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("panic recovered")
				err = response.AppError(c, apperr.Internal(""))
			}
		}()
		return c.Next()
	}
}

// SecurityHeaders sets the headers relevant to a JSON API.
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Cache-Control", "no-store")
		return c.Next()
	}
}

// MaxBodySize rejects request bodies larger than maxBytes.
func MaxBodySize(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > maxBytes {
			return response.Error(c, fiber.StatusRequestEntityTooLarge, apperr.CodeValidation,
				fmt.Sprintf("request body exceeds %d bytes", maxBytes))
		}
		return c.Next()
	}
}

// RateLimit applies limiter per key. keyFn nil keys by client IP.
func RateLimit(limiter ratelimit.Limiter, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if keyFn == nil {
		keyFn = func(c *fiber.Ctx) string { return c.IP() }
	}
	return func(c *fiber.Ctx) error {
		key := keyFn(c)
		ok, wait := limiter.Allow(c.UserContext(), key)
		if ok {
			return c.Next()
		}
		secs := int((wait + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
		return response.AppError(c, apperr.ErrRateLimited)
	}
}

// TenantOrIP keys rate limits by the X-Tenant-ID header, falling back to client IP.
func TenantOrIP(c *fiber.Ctx) string {
	if t := strings.TrimSpace(c.Get("X-Tenant-ID")); t != "" {
		return "tenant:" + t
	}
	return "ip:" + c.IP()
}

func mapHTTPStatusToCode(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return apperr.CodeNotFound
	case status == fiber.StatusConflict:
		return apperr.CodeConflict
	case status == fiber.StatusTooManyRequests:
		return apperr.CodeRateLimited
	case status >= 500:
		return apperr.CodeInternal
	default:
		return apperr.CodeValidation
	}
}
