package middleware

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"engage_server/pkg/apperr"
	"engage_server/pkg/metrics"
	"engage_server/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

type envelope struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Error     *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler(),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	app.Use(Recover(), RequestID(), RequestLogger(nil), SecurityHeaders())
	return app
}

func call(t *testing.T, app *fiber.App, method, path string, body string, headers map[string]string) (int, envelope, map[string]string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	got := map[string]string{
		RequestIDHeader: resp.Header.Get(RequestIDHeader),
		"Retry-After":   resp.Header.Get("Retry-After"),
		"X-Frame":       resp.Header.Get("X-Frame-Options"),
	}
	return resp.StatusCode, env, got
}

func TestErrorHandlerMapsErrors(t *testing.T) {
	app := newApp()
	app.Get("/app", func(c *fiber.Ctx) error { return apperr.NotFound("lead") })
	app.Get("/plain", func(c *fiber.Ctx) error { return errors.New("boom") })
	app.Get("/panic", func(c *fiber.Ctx) error { panic("kaboom") })

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/app", 404, apperr.CodeNotFound},
		{"/plain", 500, apperr.CodeInternal},
		{"/panic", 500, apperr.CodeInternal},
		{"/missing", 404, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, env, hdr := call(t, app, "GET", tt.path, "", nil)
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if env.Success || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("envelope = %+v, want code %s", env, tt.code)
			}
			if hdr["X-Frame"] != "DENY" {
				t.Error("security headers missing")
			}
		})
	}
}

func TestRequestIDPropagates(t *testing.T) {
	app := newApp()
	app.Get("/", func(c *fiber.Ctx) error { return apperr.Validation("nope") })

	_, env, hdr := call(t, app, "GET", "/", "", map[string]string{RequestIDHeader: "req-42"})
	if hdr[RequestIDHeader] != "req-42" || env.RequestID != "req-42" {
		t.Errorf("request id header=%q body=%q", hdr[RequestIDHeader], env.RequestID)
	}

	_, env, hdr = call(t, app, "GET", "/", "", nil)
	if hdr[RequestIDHeader] == "" || hdr[RequestIDHeader] != env.RequestID {
		t.Errorf("generated request id header=%q body=%q", hdr[RequestIDHeader], env.RequestID)
	}
}

func TestRateLimitByTenant(t *testing.T) {
	app := newApp()
	app.Use(RateLimit(ratelimit.NewMemoryLimiter(1, time.Minute), TenantOrIP))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	h := map[string]string{"X-Tenant-ID": "t1"}
	if status, _, _ := call(t, app, "GET", "/", "", h); status != fiber.StatusNoContent {
		t.Fatalf("first request status = %d", status)
	}
	status, env, hdr := call(t, app, "GET", "/", "", h)
	if status != fiber.StatusTooManyRequests || env.Error == nil || env.Error.Code != apperr.CodeRateLimited {
		t.Errorf("status = %d envelope = %+v", status, env)
	}
	if hdr["Retry-After"] == "" {
		t.Error("Retry-After not set")
	}
	if status, _, _ := call(t, app, "GET", "/", "", map[string]string{"X-Tenant-ID": "t2"}); status != fiber.StatusNoContent {
		t.Errorf("other tenant limited: %d", status)
	}
}

func TestMaxBodySize(t *testing.T) {
	app := newApp()
	app.Post("/", MaxBodySize(8), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	if status, _, _ := call(t, app, "POST", "/", `{"a":1}`, nil); status != fiber.StatusNoContent {
		t.Errorf("small body status = %d", status)
	}
	if status, _, _ := call(t, app, "POST", "/", `{"a":"0123456789"}`, nil); status != fiber.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", status)
	}
}

func TestRequestLoggerRecordsLatency(t *testing.T) {
	stats := metrics.NewRegistry(10)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID(), RequestLogger(stats))
	app.Get("/leads/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	app.Get("/broken", func(c *fiber.Ctx) error { return errors.New("boom") })

	for _, path := range []string{"/leads/a", "/leads/b", "/broken"} {
		call(t, app, "GET", path, "", nil)
	}

	snap := stats.Snapshot()
	latency := snap["latency"].(map[string]map[string]any)
	route, ok := latency["http GET /leads/:id"]
	if !ok {
		t.Fatalf("latency keys = %v", latency)
	}
	if route["count"] != 2 {
		t.Errorf("route count = %v, want 2", route["count"])
	}
	if got := stats.Count("http.5xx"); got != 1 {
		t.Errorf("http.5xx = %d, want 1", got)
	}
}
