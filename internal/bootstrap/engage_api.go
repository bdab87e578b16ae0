package bootstrap

import (
	"strings"

	"engage_server/adapter/in/http"
	"engage_server/core/port/out"
	"engage_server/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

const maxBodyBytes = 1 << 20

// NewAPI builds the Fiber app over wired dependencies.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: !cfg.IsDevelopment(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             4 * maxBodyBytes,
		ServerHeader:          "",
		DisableDefaultDate:    true,
	})

	// Order matters: request ids must exist before anything logs.
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger(deps.Stats))
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowOrigins == "" {
		allowOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowOrigins,
		AllowMethods:  "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,X-Request-ID," + http.TenantHeader,
		ExposeHeaders: "X-Request-ID,Retry-After",
		MaxAge:        86400,
	}))

	http.NewHealthHandler(deps.Checks).Register(app)
	RegisterOpsRoutes(app, deps)

	api := app.Group("/api/v1", middleware.MaxBodySize(maxBodyBytes))
	if cfg.RateLimitRPS > 0 {
		api.Use(middleware.RateLimit(deps.Limiter, middleware.TenantOrIP))
	}

	http.NewCallQueueHandler(deps.CallQueue).Register(api)

	var publisher out.InboundPublisher
	if deps.Producer != nil {
		publisher = deps.Producer
	}
	http.NewEngagementHandler(http.EngagementDeps{
		Inbound:   deps.Pipeline,
		Publisher: publisher,
		Labels:    deps.Applicator,
		Scores:    deps.Scoring,
		Threads:   deps.Resolver,
		Snapshots: deps.Recorder,
	}).Register(api)

	return app
}
