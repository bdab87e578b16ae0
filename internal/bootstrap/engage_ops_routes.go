package bootstrap

import (
	"context"
	"time"

	"engage_server/infra/database"
	"engage_server/pkg/metrics"
	"engage_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// RegisterOpsRoutes exposes counters, pool stats and the recent event feed.
func RegisterOpsRoutes(app *fiber.App, deps *Dependencies) {
	ops := app.Group("/ops")

	ops.Get("/metrics", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		return response.OK(c, opsSnapshot(ctx, deps))
	})

	ops.Get("/events", func(c *fiber.Ctx) error {
		name := c.Query("name")
		events := deps.Feed.Events()
		if name != "" {
			events = deps.Feed.Named(name)
		}
		limit := c.QueryInt("limit", 100)
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
		return response.OK(c, events)
	})
}

func opsSnapshot(ctx context.Context, deps *Dependencies) fiber.Map {
	snap := fiber.Map{
		"backend":  deps.Config.StoreBackend,
		"counters": deps.Stats.Snapshot(),
	}
	if deps.DB != nil {
		snap["pgx_pool"] = database.GetPoolStats(deps.DB)
	}
	if deps.SQLDB != nil {
		snap["sql_pool"] = metrics.DBStats(deps.SQLDB.DB)
	}
	if deps.Redis != nil {
		snap["redis_pool"] = database.GetRedisStats(deps.Redis)
	}
	if deps.Producer != nil {
		if backlog, err := deps.Producer.Backlog(ctx); err == nil {
			snap["inbound_backlog"] = backlog
		} else {
			snap["inbound_backlog_error"] = err.Error()
		}
	}
	if deps.Telephony != nil {
		snap["telephony_breaker"] = deps.Telephony.State()
	}
	return snap
}
