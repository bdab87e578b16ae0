// Package response renders the {success, data|error} envelope returned by every HTTP operation.
package response

import (
	"time"

	"engage_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// Response is the standard API response structure.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Meta      *Meta      `json:"meta,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp string     `json:"timestamp"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit,omitempty"`
	Offset  int  `json:"offset,omitempty"`
	HasMore bool `json:"has_more"`
}

func envelope(c *fiber.Ctx) Response {
	requestID, _ := c.Locals("request_id").(string)
	return Response{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data any) error {
	r := envelope(c)
	r.Success = true
	r.Data = data
	return c.JSON(r)
}

// OKWithMeta returns a successful response with pagination metadata.
func OKWithMeta(c *fiber.Ctx, data any, meta *Meta) error {
	r := envelope(c)
	r.Success = true
	r.Data = data
	r.Meta = meta
	return c.JSON(r)
}

// Created returns a 201 created response.
func Created(c *fiber.Ctx, data any) error {
	r := envelope(c)
	r.Success = true
	r.Data = data
	return c.Status(fiber.StatusCreated).JSON(r)
}

// Error returns an error response.
func Error(c *fiber.Ctx, status int, code, message string) error {
	r := envelope(c)
	r.Error = &ErrorInfo{Code: code, Message: message}
	return c.Status(status).JSON(r)
}

// AppError renders an apperr.AppError. Wrapped causes never reach the client.
func AppError(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	r := envelope(c)
	r.Error = &ErrorInfo{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	return c.Status(appErr.Status).JSON(r)
}

// NewMeta builds list metadata with has_more calculated from the window.
func NewMeta(total, limit, offset int) *Meta {
	return &Meta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// Pagination holds limit/offset query parameters.
type Pagination struct {
	Limit  int
	Offset int
}

// GetPagination extracts limit/offset from the query string.
func GetPagination(c *fiber.Ctx, defaultLimit, maxLimit int) Pagination {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return Pagination{Limit: limit, Offset: offset}
}
