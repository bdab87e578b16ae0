package http

import (
	"strings"

	"engage_server/pkg/apperr"
	"engage_server/pkg/logger"
	"engage_server/pkg/response"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// TenantHeader carries the tenant identifier on every request.
const TenantHeader = "X-Tenant-ID"

type tenantBody struct {
	TenantID      string `json:"tenant_id"`
	TenantIDCamel string `json:"tenantId"`
}

// TenantID resolves the tenant from the header, then the JSON body, then the query string.
func TenantID(c *fiber.Ctx) string {
	if t := strings.TrimSpace(c.Get(TenantHeader)); t != "" {
		return t
	}
	if body := c.Body(); len(body) > 0 && strings.Contains(c.Get(fiber.HeaderContentType), "json") {
		var tb tenantBody
		if json.Unmarshal(body, &tb) == nil {
			if t := strings.TrimSpace(tb.TenantID); t != "" {
				return t
			}
			if t := strings.TrimSpace(tb.TenantIDCamel); t != "" {
				return t
			}
		}
	}
	return strings.TrimSpace(c.Query("tenant_id"))
}

// RequireTenant rejects requests that carry no tenant and stores the tenant on the
// request context for logging.
func RequireTenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant := TenantID(c)
		if tenant == "" {
			return response.AppError(c, apperr.TenantRequired())
		}
		c.Locals("tenant_id", tenant)
		ctx := logger.WithTenantID(c.UserContext(), tenant)
		if rid, ok := c.Locals("request_id").(string); ok {
			ctx = logger.WithRequestID(ctx, rid)
		}
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func tenantOf(c *fiber.Ctx) string {
	if t, ok := c.Locals("tenant_id").(string); ok {
		return t
	}
	return TenantID(c)
}

// bind decodes the JSON body into dst. An empty body leaves dst untouched.
func bind(c *fiber.Ctx, dst any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Body(), dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}

func fail(c *fiber.Ctx, err error) error {
	return response.AppError(c, err)
}
